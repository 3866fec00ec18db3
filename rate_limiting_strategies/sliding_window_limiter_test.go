package rate_limiting_strategies

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zziklive/edge_rate_limiter"
)

func TestSlidingWindowLimiter_Execute(t *testing.T) {
	start := newFakeClock().Now()

	tt := []struct {
		desc        string
		runs        int
		timeAdvance time.Duration
		state       edge_rate_limiter.State
		count       uint64
		resetAt     time.Time
	}{
		{
			desc:    "returns Allow for requests under limit",
			runs:    5,
			state:   edge_rate_limiter.Allow,
			count:   5,
			resetAt: start.Add(10 * time.Second),
		},
		{
			desc:    "returns Deny for requests over limit",
			runs:    11,
			state:   edge_rate_limiter.Deny,
			count:   11,
			resetAt: start.Add(10 * time.Second),
		},
		{
			desc:        "old requests slide out of the window",
			runs:        15,
			timeAdvance: time.Second,
			state:       edge_rate_limiter.Allow,
			count:       10,
			resetAt:     start.Add(24 * time.Second),
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			server, client := newTestRedis(t)
			clock := newFakeClock()

			limiter := NewSlidingWindowLimiter(client, testPrefix, clock.Now)

			var lastRes *edge_rate_limiter.Result
			var lastErr error

			for x := 0; x < ts.runs; x++ {
				lastRes, lastErr = limiter.Execute(context.Background(), defaultRequest("some-user"))
				if x < ts.runs-1 && ts.timeAdvance != 0 {
					server.FastForward(ts.timeAdvance)
					clock.Advance(ts.timeAdvance)
				}
			}

			require.NoError(t, lastErr)
			require.NotNil(t, lastRes)
			assert.Equal(t, ts.state, lastRes.State)
			assert.Equal(t, ts.count, lastRes.Count)
			assert.WithinDuration(t, ts.resetAt, lastRes.ResetAt, 0)
		})
	}
}

func TestSlidingWindowLimiter_DeniedRequestsAreNotRecorded(t *testing.T) {
	server, client := newTestRedis(t)
	limiter := NewSlidingWindowLimiter(client, testPrefix, newFakeClock().Now)

	for i := 0; i < 25; i++ {
		_, err := limiter.Execute(context.Background(), defaultRequest("A"))
		require.NoError(t, err)
	}

	members, err := server.ZMembers(testPrefix + "A")
	require.NoError(t, err)
	assert.Len(t, members, 10)
}

func TestSlidingWindowLimiter_DenyReportsWhenOldestRequestLeaves(t *testing.T) {
	server, client := newTestRedis(t)
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(client, testPrefix, clock.Now)
	start := clock.Now()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Execute(ctx, defaultRequest("A"))
		require.NoError(t, err)
		server.FastForward(100 * time.Millisecond)
		clock.Advance(100 * time.Millisecond)
	}

	res, err := limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Deny, res.State)
	assert.WithinDuration(t, start.Add(10*time.Second), res.ResetAt, 0)

	server.FastForward(9 * time.Second)
	clock.Advance(9 * time.Second)

	// the first request is now exactly one window old
	res, err = limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Allow, res.State)
	assert.Equal(t, uint64(10), res.Count)
}

func TestSlidingWindowLimiter_ConcurrentCallersNeverOverfill(t *testing.T) {
	server, client := newTestRedis(t)
	limiter := NewSlidingWindowLimiter(client, testPrefix, newFakeClock().Now)

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Execute(context.Background(), defaultRequest("A"))
			if !assert.NoError(t, err) {
				return
			}
			if res.State == edge_rate_limiter.Allow {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	assert.Equal(t, int64(40), denied.Load())

	members, err := server.ZMembers(testPrefix + "A")
	require.NoError(t, err)
	assert.Len(t, members, 10)
}

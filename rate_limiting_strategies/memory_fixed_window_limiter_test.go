package rate_limiting_strategies

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zziklive/edge_rate_limiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func defaultRequest(key string) *edge_rate_limiter.Request {
	return &edge_rate_limiter.Request{
		Key:    key,
		Limit:  edge_rate_limiter.DefaultLimit,
		Window: edge_rate_limiter.DefaultWindow,
	}
}

func TestMemoryFixedWindowLimiter_Execute(t *testing.T) {
	start := newFakeClock().Now()

	tt := []struct {
		desc        string
		runs        int
		timeAdvance time.Duration
		res         *edge_rate_limiter.Result
	}{
		{
			desc: "returns Allow for requests under limit",
			runs: 5,
			res: &edge_rate_limiter.Result{
				State:   edge_rate_limiter.Allow,
				Count:   5,
				ResetAt: start.Add(10 * time.Second),
			},
		},
		{
			desc: "returns Allow for the last request of the window",
			runs: 10,
			res: &edge_rate_limiter.Result{
				State:   edge_rate_limiter.Allow,
				Count:   10,
				ResetAt: start.Add(10 * time.Second),
			},
		},
		{
			desc: "returns Deny and keeps counting over limit",
			runs: 13,
			res: &edge_rate_limiter.Result{
				State:   edge_rate_limiter.Deny,
				Count:   13,
				ResetAt: start.Add(10 * time.Second),
			},
		},
		{
			desc:        "starts a new window once the old one expires",
			runs:        12,
			timeAdvance: time.Second,
			res: &edge_rate_limiter.Result{
				State:   edge_rate_limiter.Allow,
				Count:   2,
				ResetAt: start.Add(20 * time.Second),
			},
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			clock := newFakeClock()
			limiter := NewMemoryFixedWindowLimiter(clock.Now)

			var lastRes *edge_rate_limiter.Result
			var lastErr error

			for x := 0; x < ts.runs; x++ {
				lastRes, lastErr = limiter.Execute(context.Background(), defaultRequest("some-user"))
				clock.Advance(ts.timeAdvance)
			}

			require.NoError(t, lastErr)
			assert.Equal(t, ts.res, lastRes)
		})
	}
}

func TestMemoryFixedWindowLimiter_Scenario(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryFixedWindowLimiter(clock.Now)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		res, err := limiter.Execute(ctx, defaultRequest("A"))
		require.NoError(t, err)
		assert.Equal(t, edge_rate_limiter.Allow, res.State, "request %d", i)
	}

	clock.Advance(500 * time.Millisecond)
	res, err := limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Deny, res.State)
	assert.Equal(t, uint64(11), res.Count)

	clock.Advance(9501 * time.Millisecond)
	res, err = limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Allow, res.State)
	assert.Equal(t, uint64(1), res.Count)
}

func TestMemoryFixedWindowLimiter_RollsOverExactlyAtReset(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryFixedWindowLimiter(clock.Now)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, err := limiter.Execute(ctx, defaultRequest("A"))
		require.NoError(t, err)
	}

	clock.Advance(10*time.Second - time.Millisecond)
	res, err := limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Deny, res.State)

	clock.Advance(time.Millisecond)
	res, err = limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Allow, res.State)
	assert.Equal(t, uint64(1), res.Count)
}

func TestMemoryFixedWindowLimiter_ClientsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryFixedWindowLimiter(clock.Now)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := limiter.Execute(ctx, defaultRequest("A"))
		require.NoError(t, err)
	}

	res, err := limiter.Execute(ctx, defaultRequest("B"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Allow, res.State)
	assert.Equal(t, uint64(1), res.Count)
	assert.Equal(t, 2, limiter.Len())
}

func TestMemoryFixedWindowLimiter_ConcurrentRequestsNeverUndercount(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryFixedWindowLimiter(clock.Now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Execute(context.Background(), defaultRequest("A"))
			if err != nil || res.State != edge_rate_limiter.Allow {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)

	res, err := limiter.Execute(context.Background(), defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, uint64(101), res.Count)
}

func TestMemoryFixedWindowLimiter_Evict(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryFixedWindowLimiter(clock.Now)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, err := limiter.Execute(ctx, defaultRequest("A"))
		require.NoError(t, err)
	}
	clock.Advance(5 * time.Second)
	_, err := limiter.Execute(ctx, defaultRequest("B"))
	require.NoError(t, err)

	assert.Equal(t, 0, limiter.Evict())
	assert.Equal(t, 2, limiter.Len())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, limiter.Evict())
	assert.Equal(t, 1, limiter.Len())

	// B is still inside its window and keeps its count
	res, err := limiter.Execute(ctx, defaultRequest("B"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Count)

	res, err = limiter.Execute(ctx, defaultRequest("A"))
	require.NoError(t, err)
	assert.Equal(t, edge_rate_limiter.Allow, res.State)
	assert.Equal(t, uint64(1), res.Count)
}

func TestMemoryFixedWindowLimiter_RunEvictionStopsOnCancel(t *testing.T) {
	limiter := NewMemoryFixedWindowLimiter(time.Now)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		limiter.RunEviction(ctx, time.Millisecond)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction loop did not stop after cancel")
	}
}

func TestMemoryFixedWindowLimiter_RunEvictionDisabled(t *testing.T) {
	limiter := NewMemoryFixedWindowLimiter(time.Now)

	// a zero interval returns immediately instead of blocking
	limiter.RunEviction(context.Background(), 0)
}

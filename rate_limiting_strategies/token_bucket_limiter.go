package rate_limiting_strategies

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zziklive/edge_rate_limiter"
)

var (
	_ edge_rate_limiter.Strategy = &TokenBucketLimiter{}
)

type bucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

// TokenBucketLimiter keeps one in-memory token bucket per key.
// A bucket holds Limit tokens and refills Limit tokens per Window, so it
// admits the same long-run rate as a fixed window without the boundary burst.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewTokenBucketLimiter creates a new Token Bucket rate limiter.
func NewTokenBucketLimiter(now func() time.Time) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		now:     now,
	}
}

// Execute takes one token from the key's bucket.
//
// Count is the number of tokens missing from a full bucket after the call, or
// Limit+1 when the request is refused. ResetAt is when the next token arrives
// on denial and when the bucket is full again otherwise.
func (t *TokenBucketLimiter) Execute(_ context.Context, r *edge_rate_limiter.Request) (*edge_rate_limiter.Result, error) {
	now := t.now()
	limit := rate.Every(r.Window / time.Duration(max(r.Limit, 1)))
	burst := int(r.Limit)

	t.mu.Lock()
	b, ok := t.buckets[r.Key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(limit, burst)}
		t.buckets[r.Key] = b
	} else if b.limiter.Limit() != limit || b.limiter.Burst() != burst {
		b.limiter.SetLimitAt(now, limit)
		b.limiter.SetBurstAt(now, burst)
	}
	b.window = r.Window
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	t.mu.Unlock()

	perSecond := float64(limit)

	if !allowed {
		wait := (1 - tokens) / perSecond
		return &edge_rate_limiter.Result{
			State:   edge_rate_limiter.Deny,
			Count:   r.Limit + 1,
			ResetAt: now.Add(secondsToDuration(wait)),
		}, nil
	}

	left := math.Max(0, math.Floor(tokens))
	used := r.Limit - uint64(math.Min(left, float64(r.Limit)))
	return &edge_rate_limiter.Result{
		State:   edge_rate_limiter.Allow,
		Count:   used,
		ResetAt: now.Add(secondsToDuration((float64(burst) - tokens) / perSecond)),
	}, nil
}

// Len returns the number of tracked buckets.
func (t *TokenBucketLimiter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Evict drops buckets idle for a full window. Such a bucket has refilled
// completely and is indistinguishable from a new one.
func (t *TokenBucketLimiter) Evict() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) >= b.window {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}

// RunEviction calls Evict every interval until ctx is cancelled.
func (t *TokenBucketLimiter) RunEviction(ctx context.Context, interval time.Duration) {
	runEvery(ctx, interval, func() { t.Evict() })
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

package rate_limiting_strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zziklive/edge_rate_limiter"
)

var (
	_ edge_rate_limiter.Strategy = &fixedWindowLimiter{}
)

// fixedWindowScript increments the counter and starts the window on the first hit.
// A key left without a TTL (e.g. written by hand) is given one so it cannot pin a client forever.
// Returns {count, pttl in ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type fixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewFixedWindowLimiter creates a new Redis fixed window rate limiter.
// Counters live under prefix+key and are shared by every instance using the same Redis.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, now func() time.Time) edge_rate_limiter.Strategy {
	return &fixedWindowLimiter{
		client: client,
		prefix: prefix,
		now:    now,
	}
}

// Execute performs rate limiting using a fixed window strategy.
// Increment and expiry happen in one script, so concurrent callers never undercount.
func (f *fixedWindowLimiter) Execute(ctx context.Context, r *edge_rate_limiter.Request) (*edge_rate_limiter.Result, error) {
	key := f.prefix + r.Key

	windowMs := r.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	values, err := fixedWindowScript.Run(ctx, f.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("error running fixed window script for key %v: %w", key, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected fixed window reply for key %v: %v", key, values)
	}

	count := uint64(values[0])
	expiresAt := f.now().Add(time.Duration(values[1]) * time.Millisecond)

	if count > r.Limit {
		return &edge_rate_limiter.Result{
			State:   edge_rate_limiter.Deny,
			Count:   count,
			ResetAt: expiresAt,
		}, nil
	}

	return &edge_rate_limiter.Result{
		State:   edge_rate_limiter.Allow,
		Count:   count,
		ResetAt: expiresAt,
	}, nil
}

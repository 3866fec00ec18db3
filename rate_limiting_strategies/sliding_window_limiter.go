package rate_limiting_strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zziklive/edge_rate_limiter"
)

var (
	_ edge_rate_limiter.Strategy = &slidingWindowLimiter{}
)

// slidingWindowScript trims the log to (now-window, now] and records the request
// only when the window has room. Check and add run as one script so concurrent
// callers cannot both take the last slot.
// ARGV: now ms, window ms, limit, member. Returns {allowed, count, reset ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
	local reset = now + window
	local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	if #oldest > 0 then
		reset = tonumber(oldest[2]) + window
	end
	return {0, count + 1, reset}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1, now + window}
`)

type slidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewSlidingWindowLimiter initializes a new Redis sliding window log rate limiter.
// Each admitted request is a sorted set member scored by its arrival in milliseconds.
func NewSlidingWindowLimiter(client redis.UniversalClient, prefix string, now func() time.Time) edge_rate_limiter.Strategy {
	return &slidingWindowLimiter{
		client: client,
		prefix: prefix,
		now:    now,
	}
}

// Execute performs rate limiting using a sliding window strategy.
//
// The window is (now-Window, now]. A full window denies without recording the
// request, Count then includes the refused request and ResetAt is when the
// oldest logged request leaves the window.
func (s *slidingWindowLimiter) Execute(ctx context.Context, r *edge_rate_limiter.Request) (*edge_rate_limiter.Result, error) {
	key := s.prefix + r.Key
	now := s.now().UnixMilli()

	windowMs := r.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	values, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now, windowMs, r.Limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("error running sliding window script for key %v: %w", key, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected sliding window reply for key %v: %v", key, values)
	}

	state := edge_rate_limiter.Deny
	if values[0] == 1 {
		state = edge_rate_limiter.Allow
	}

	return &edge_rate_limiter.Result{
		State:   state,
		Count:   uint64(values[1]),
		ResetAt: time.UnixMilli(values[2]),
	}, nil
}

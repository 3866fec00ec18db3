package rate_limiting_strategies

import (
	"context"
	"sync"
	"time"

	"github.com/zziklive/edge_rate_limiter"
)

var (
	_ edge_rate_limiter.Strategy = &MemoryFixedWindowLimiter{}
)

// clientWindow is the per-client counter. At most one exists per key.
type clientWindow struct {
	count   uint64
	resetAt time.Time
}

// MemoryFixedWindowLimiter counts requests per key in process memory.
// State is not shared between instances and does not survive restarts.
type MemoryFixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*clientWindow
	now     func() time.Time
}

// NewMemoryFixedWindowLimiter creates a new in-memory fixed window rate limiter.
func NewMemoryFixedWindowLimiter(now func() time.Time) *MemoryFixedWindowLimiter {
	return &MemoryFixedWindowLimiter{
		windows: make(map[string]*clientWindow),
		now:     now,
	}
}

// Execute performs rate limiting using a fixed window strategy.
//
// A window starts on the first request and rolls over once now reaches its
// reset time. Requests over the limit still count.
func (m *MemoryFixedWindowLimiter) Execute(_ context.Context, r *edge_rate_limiter.Request) (*edge_rate_limiter.Result, error) {
	now := m.now()

	m.mu.Lock()
	w, ok := m.windows[r.Key]
	if !ok || !now.Before(w.resetAt) {
		w = &clientWindow{count: 1, resetAt: now.Add(r.Window)}
		m.windows[r.Key] = w
	} else {
		w.count++
	}
	count, resetAt := w.count, w.resetAt
	m.mu.Unlock()

	state := edge_rate_limiter.Allow
	if count > r.Limit {
		state = edge_rate_limiter.Deny
	}

	return &edge_rate_limiter.Result{
		State:   state,
		Count:   count,
		ResetAt: resetAt,
	}, nil
}

// Len returns the number of tracked clients.
func (m *MemoryFixedWindowLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Evict drops every window that has already expired and returns how many were removed.
// An expired window and a missing one lead to the same decision, so eviction never changes an outcome.
func (m *MemoryFixedWindowLimiter) Evict() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// RunEviction calls Evict every interval until ctx is cancelled.
func (m *MemoryFixedWindowLimiter) RunEviction(ctx context.Context, interval time.Duration) {
	runEvery(ctx, interval, func() { m.Evict() })
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

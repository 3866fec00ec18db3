package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zziklive/edge_rate_limiter"
	"github.com/zziklive/edge_rate_limiter/internal/config"
	"github.com/zziklive/edge_rate_limiter/rate_limiting_strategies"
)

type evictor interface {
	Len() int
	RunEviction(ctx context.Context, interval time.Duration)
}

// Store is the counting backend selected by config.
type Store struct {
	Strategy edge_rate_limiter.Strategy

	redis  redis.UniversalClient
	memory evictor
}

// NewStore builds the strategy named in cfg. A Redis client is created for
// the redis store unless client is non-nil.
func NewStore(cfg *config.Config, client redis.UniversalClient, now func() time.Time) (*Store, error) {
	rl := cfg.RateLimit

	switch rl.Store {
	case config.StoreMemory:
		switch rl.Strategy {
		case config.StrategyFixedWindow:
			m := rate_limiting_strategies.NewMemoryFixedWindowLimiter(now)
			return &Store{Strategy: m, memory: m}, nil
		case config.StrategyTokenBucket:
			m := rate_limiting_strategies.NewTokenBucketLimiter(now)
			return &Store{Strategy: m, memory: m}, nil
		}
	case config.StoreRedis:
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		switch rl.Strategy {
		case config.StrategyFixedWindow:
			return &Store{
				Strategy: rate_limiting_strategies.NewFixedWindowLimiter(client, cfg.Redis.KeyPrefix, now),
				redis:    client,
			}, nil
		case config.StrategySlidingWindow:
			return &Store{
				Strategy: rate_limiting_strategies.NewSlidingWindowLimiter(client, cfg.Redis.KeyPrefix, now),
				redis:    client,
			}, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStore, rl.Store)
	}

	return nil, fmt.Errorf("%w: %q with store %q", config.ErrUnknownStrategy, rl.Strategy, rl.Store)
}

// Size reports tracked clients for in-memory stores, nil otherwise.
func (s *Store) Size() func() int {
	if s.memory == nil {
		return nil
	}
	return s.memory.Len
}

// RunEviction sweeps an in-memory store until ctx is done. No-op for Redis, whose keys expire on their own.
func (s *Store) RunEviction(ctx context.Context, interval time.Duration) {
	if s.memory == nil {
		return
	}
	s.memory.RunEviction(ctx, interval)
}

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// Package config loads edge server configuration from an optional YAML file
// and EDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zziklive/edge_rate_limiter"
)

// EnvPrefix is prepended to every environment override, e.g. EDGE_RATELIMIT_LIMIT.
const EnvPrefix = "EDGE"

const (
	StrategyFixedWindow   = "fixed_window"
	StrategySlidingWindow = "sliding_window"
	StrategyTokenBucket   = "token_bucket"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrUnknownStrategy = errors.New("unknown rate limit strategy")
	ErrUnknownStore    = errors.New("unknown rate limit store")
)

// Config is the full edge server configuration.
type Config struct {
	Server    Server    `mapstructure:"server"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Redis     Redis     `mapstructure:"redis"`
	Logging   Logging   `mapstructure:"logging"`
	Metrics   Metrics   `mapstructure:"metrics"`
}

type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimit contains configuration for rate limiting.
type RateLimit struct {
	PathPrefix       string        `mapstructure:"path_prefix"`
	Limit            uint64        `mapstructure:"limit"`
	Window           time.Duration `mapstructure:"window"`
	FallbackClientID string        `mapstructure:"fallback_client_id"`
	Strategy         string        `mapstructure:"strategy"`
	Store            string        `mapstructure:"store"`
	ClientHeaders    []string      `mapstructure:"client_headers"`
	TrustedHops      int           `mapstructure:"trusted_hops"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	ExposeHeaders    bool          `mapstructure:"expose_headers"`
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("ratelimit.path_prefix", edge_rate_limiter.DefaultPathPrefix)
	v.SetDefault("ratelimit.limit", edge_rate_limiter.DefaultLimit)
	v.SetDefault("ratelimit.window", edge_rate_limiter.DefaultWindow)
	v.SetDefault("ratelimit.fallback_client_id", edge_rate_limiter.DefaultClientID)
	v.SetDefault("ratelimit.strategy", StrategyFixedWindow)
	v.SetDefault("ratelimit.store", StoreMemory)
	v.SetDefault("ratelimit.client_headers", []string{})
	v.SetDefault("ratelimit.trusted_hops", 0)
	v.SetDefault("ratelimit.eviction_interval", time.Duration(0))
	v.SetDefault("ratelimit.expose_headers", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "zzik:ratelimit:")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
}

// Load reads cfgFile (if not empty) and the environment into a validated Config.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field ranges and strategy/store combinations.
func (c *Config) Validate() error {
	rl := c.RateLimit

	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr must be set", ErrInvalidConfig)
	case rl.Limit == 0:
		return fmt.Errorf("%w: ratelimit.limit must be greater than zero", ErrInvalidConfig)
	case rl.Window < time.Millisecond:
		return fmt.Errorf("%w: ratelimit.window must be at least 1ms, got %v", ErrInvalidConfig, rl.Window)
	case !strings.HasPrefix(rl.PathPrefix, "/"):
		return fmt.Errorf("%w: ratelimit.path_prefix must start with /, got %q", ErrInvalidConfig, rl.PathPrefix)
	case rl.EvictionInterval < 0:
		return fmt.Errorf("%w: ratelimit.eviction_interval must not be negative", ErrInvalidConfig)
	case rl.TrustedHops < 0:
		return fmt.Errorf("%w: ratelimit.trusted_hops must not be negative", ErrInvalidConfig)
	}

	switch rl.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, rl.Store)
	}

	switch rl.Strategy {
	case StrategyFixedWindow:
	case StrategySlidingWindow:
		if rl.Store != StoreRedis {
			return fmt.Errorf("%w: %s requires the %s store", ErrInvalidConfig, StrategySlidingWindow, StoreRedis)
		}
	case StrategyTokenBucket:
		if rl.Store != StoreMemory {
			return fmt.Errorf("%w: %s requires the %s store", ErrInvalidConfig, StrategyTokenBucket, StoreMemory)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, rl.Strategy)
	}

	if rl.Store == StoreRedis && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr must be set for the %s store", ErrInvalidConfig, StoreRedis)
	}

	return nil
}

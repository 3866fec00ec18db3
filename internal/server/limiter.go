package server

import (
	"go.uber.org/zap"

	"github.com/zziklive/edge_rate_limiter"
	"github.com/zziklive/edge_rate_limiter/internal/config"
	"github.com/zziklive/edge_rate_limiter/internal/metrics"
)

// LimiterConfig maps the ratelimit section onto the middleware config.
// m may be nil.
func LimiterConfig(cfg *config.Config, store *Store, logger *zap.Logger, m *metrics.EdgeMetrics) *edge_rate_limiter.RateLimiterConfig {
	rl := cfg.RateLimit

	lc := &edge_rate_limiter.RateLimiterConfig{
		Strategy:         store.Strategy,
		PathPrefix:       rl.PathPrefix,
		Limit:            rl.Limit,
		Window:           rl.Window,
		FallbackClientID: rl.FallbackClientID,
		ExposeHeaders:    rl.ExposeHeaders,
		Logger:           logger.Named("ratelimit"),
	}
	if len(rl.ClientHeaders) > 0 {
		lc.Extractor = edge_rate_limiter.NewHttpHeaderExtractor(rl.ClientHeaders...)
	} else {
		lc.Extractor = edge_rate_limiter.NewRemoteAddrExtractor(rl.TrustedHops)
	}
	if m != nil {
		lc.OnAllowed = m.OnAllowed
		lc.OnDenied = m.OnDenied
		lc.OnSkipped = m.OnSkipped
		lc.OnError = m.OnError
	}
	return lc
}

// NewFromConfig wires store, metrics and health into a Server listening on cfg.Server.Addr.
func NewFromConfig(cfg *config.Config, store *Store, logger *zap.Logger, m *metrics.EdgeMetrics, version string) *Server {
	if m != nil {
		if size := store.Size(); size != nil {
			m.TrackClients(size)
		}
	}
	return New(cfg.Server.Addr, Options{
		Logger:  logger,
		Metrics: m,
		Limiter: LimiterConfig(cfg, store, logger, m),
		Health:  store.Ping,
		Version: version,
	})
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zziklive/edge_rate_limiter"
	"github.com/zziklive/edge_rate_limiter/internal/metrics"
)

// Options configures the edge server. Limiter is required.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.EdgeMetrics
	Limiter *edge_rate_limiter.RateLimiterConfig

	// Health reports backend readiness on /healthz, nil means always healthy.
	Health func(ctx context.Context) error

	Version string
}

// Server represents the edge HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *zap.Logger
	addr   string
}

// New creates a new edge server. The rate limiter wraps every route, only
// paths under its prefix are counted.
func New(addr string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(edge_rate_limiter.Middleware(opts.Limiter))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, http.StatusNotFound, envelope{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, http.StatusMethodNotAllowed, envelope{"error": "Method not allowed"})
	})

	s := &Server{
		router: r,
		logger: logger,
		addr:   addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
	s.registerRoutes(opts)

	return s
}

func (s *Server) registerRoutes(opts Options) {
	s.router.Get("/healthz", healthHandler(opts.Health, s.logger))
	if opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// downstream API placeholder; real handlers live behind the edge
	s.router.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, http.StatusOK, envelope{"status": "pong", "version": opts.Version})
	})

	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte("ZZIK LIVE\n")); err != nil {
			s.logger.Debug("failed to write response", zap.Error(err))
		}
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting edge server", zap.String("addr", s.addr))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down edge server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for testing
func (s *Server) Handler() http.Handler {
	return s.router
}

type envelope map[string]any

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}

func healthHandler(check func(ctx context.Context) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeJSON(w, logger, http.StatusServiceUnavailable, envelope{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, logger, http.StatusOK, envelope{"status": "ok"})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zziklive/edge_rate_limiter/internal/config"
	"github.com/zziklive/edge_rate_limiter/internal/logging"
	"github.com/zziklive/edge_rate_limiter/internal/metrics"
	"github.com/zziklive/edge_rate_limiter/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the edge server",
		Long: `Start the edge server. Requests under the configured API prefix are
rate limited per client, everything else passes through.

SIGINT or SIGTERM triggers a graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}

			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := server.NewStore(cfg, nil, time.Now)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		// fail open, the limiter admits everything until redis is back
		logger.Warn("rate limit store unreachable at startup", zap.Error(err))
	}

	var m *metrics.EdgeMetrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	go store.RunEviction(ctx, cfg.RateLimit.EvictionInterval)

	srv := server.NewFromConfig(cfg, store, logger, m, versionInfo.Version)

	logger.Info("rate limiter configured",
		zap.String("strategy", cfg.RateLimit.Strategy),
		zap.String("store", cfg.RateLimit.Store),
		zap.String("path_prefix", cfg.RateLimit.PathPrefix),
		zap.Uint64("limit", cfg.RateLimit.Limit),
		zap.Duration("window", cfg.RateLimit.Window))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("edge server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down edge server: %w", err)
	}
	return nil
}

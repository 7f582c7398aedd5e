package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brieflyhq/briefly/internal/ai"
	"github.com/brieflyhq/briefly/internal/api"
	"github.com/brieflyhq/briefly/internal/cache"
	"github.com/brieflyhq/briefly/internal/config"
	"github.com/brieflyhq/briefly/internal/logging"
	"github.com/brieflyhq/briefly/internal/metrics"
	"github.com/brieflyhq/briefly/internal/observability"
	"github.com/brieflyhq/briefly/internal/ratelimit"
	"github.com/brieflyhq/briefly/internal/summary"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the summarization HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			metrics.InitPrometheus("briefly", nil)

			ctx := context.Background()
			if err := observability.Init(ctx, cfg.Observability); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}

			conn, err := cache.NewConnectionManager(cfg.CacheOptions())
			if err != nil {
				return err
			}
			conn.OnStateChange(func(from, to cache.State) {
				if to == cache.StateReady || to == cache.StateFailed {
					logging.Op().Info("cache availability changed", "from", from.String(), "to", to.String())
				}
			})
			// Connect never fails the process; without a store every
			// request is computed uncached.
			conn.Connect(ctx)

			store := cache.NewStore(conn, cfg.StoreOptions()...)
			aiSvc := ai.NewService(cfg.AIServiceConfig())
			summaries := summary.NewService(store, aiSvc, cfg.Cache.SummaryTTL.Std())

			serverCfg := api.ServerConfig{
				Summaries: summaries,
				Cache:     conn,
				Store:     store,
				AI:        aiSvc,
			}
			if cfg.RateLimit.Enabled {
				serverCfg.Limiter = ratelimit.New(store)
				serverCfg.GeneralTier = cfg.RateLimitTier(config.TierGeneral, ratelimit.General)
				serverCfg.AITier = cfg.RateLimitTier(config.TierAI, ratelimit.AI)
			}

			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, serverCfg)
			logging.Op().Info("briefly started", "http", cfg.Daemon.HTTPAddr, "cache", conn.State().String())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutting down", "signal", sig.String())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout.Std())
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("http shutdown", "error", err)
			}
			conn.Disconnect()
			if err := observability.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("tracing shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default from config, :8080)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/bootstrap"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/server"
)

var refreshInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router for the configured sources",
	Long: `Registers every source listed under router.sources, follows their
membership updates and serves /health and /ready. Sources whose shard list
could not be loaded are retried every --refresh-interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&refreshInterval, "refresh-interval", 30*time.Second, "retry interval for sources that are not ready")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bootstrap.New()
	if err := b.Initialize(ctx, configFile); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	logger := b.Logger

	r, err := b.BuildRouter(ctx)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		_ = b.Stop(context.Background())
		return fmt.Errorf("failed to start router: %w", err)
	}

	srv := server.New(b.Config.Server, "framedb-router", logger.Named("http"))
	srv.SetReadiness(b.Readiness)
	if err := srv.Start(); err != nil {
		_ = b.Stop(context.Background())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("Router is running", zap.Strings("sources", r.Sources()))

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			for _, src := range b.Config.Router.Sources {
				if r.Ready(src) {
					continue
				}
				if err := r.Refresh(ctx, src); err != nil {
					logger.Warn("Source still not ready", zap.String("source_id", src), zap.Error(err))
				} else {
					logger.Info("Source registered", zap.String("source_id", src))
				}
			}
		}
	}

	logger.Info("Shutdown signal received, stopping gracefully")
	timeout := b.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	srvErr := srv.Stop(shutdownCtx)
	if err := b.Stop(shutdownCtx); err != nil {
		return err
	}
	return srvErr
}

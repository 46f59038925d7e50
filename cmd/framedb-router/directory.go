package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/config"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/directory"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/logging"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/server"
)

var (
	seedFile   string
	listenPort int
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Run an in-memory routing directory",
	Long: `Serves /routing/getMapping and /routing/updateMapping from an in-memory
store seeded from a JSON file of the form {"sources": {"cam-1": [shards...]}}.
Accepted updates are broadcast on the configured event bus.`,
	Args: cobra.NoArgs,
	RunE: runDirectory,
}

func init() {
	directoryCmd.Flags().StringVar(&seedFile, "seed", "", "seed file, overrides directory_server.seed_file")
	directoryCmd.Flags().IntVar(&listenPort, "port", 8090, "listen port")
}

func runDirectory(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store := directory.NewTableStore()
	path := cfg.DirServer.SeedFile
	if seedFile != "" {
		path = seedFile
	}
	if path != "" {
		seed, err := directory.LoadSeedFile(path)
		if err != nil {
			return err
		}
		if err := store.Seed(seed); err != nil {
			return err
		}
		logger.Info("Directory seeded", zap.String("file", path), zap.Strings("sources", store.Sources()))
	}

	bus, err := eventbus.NewFromConfig(&cfg.EventBus, logger.Named("eventbus"))
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer bus.Close()

	srvCfg := cfg.Server
	srvCfg.Port = listenPort
	srv := server.New(srvCfg, "framedb-directory", logger.Named("http"))
	directory.NewServer(store, bus, logger.Named("directory")).RegisterRoutes(srv.Router())
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping directory")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediaforge/longform/internal/blobstore"
	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/controller"
	"github.com/mediaforge/longform/internal/database"
	internalhttp "github.com/mediaforge/longform/internal/http"
	"github.com/mediaforge/longform/internal/http/handlers"
	"github.com/mediaforge/longform/internal/repository"
	"github.com/mediaforge/longform/internal/stitcher"
	"github.com/mediaforge/longform/internal/upstream"
	"github.com/mediaforge/longform/internal/version"
	"github.com/mediaforge/longform/internal/worker"
)

// migrateTimeout bounds schema migration at startup.
const migrateTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the longform server",
	Long: `Start the longform HTTP server, segment workers, and job controller.

The server provides:
- REST API for creating and inspecting composition jobs
- Signed artifact downloads at /blob/*
- Health check endpoint
- OpenAPI documentation at /openapi.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "longform.db", "Database DSN (file path for sqlite)")
	serveCmd.Flags().String("data-dir", "data", "Base directory for stored artifacts")
	serveCmd.Flags().Int("workers", 0, "Segment worker count (0 = config default)")
}

// applyFlagOverrides copies explicitly set CLI flags onto the loaded
// config, preserving flag > env > file > default precedence.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.BaseDir, _ = flags.GetString("data-dir")
	}
	if workers, _ := flags.GetInt("workers"); workers > 0 {
		cfg.Worker.Count = workers
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	// Database
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancelMigrate()
	if err := db.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Repositories
	jobRepo := repository.NewJobRepository(db.DB)
	segmentRepo := repository.NewSegmentRepository(db.DB)

	// Blob storage and URL signing
	if cfg.Storage.SigningSecret == "" {
		logger.Warn("storage.signing_secret not set; signed URLs will not survive a restart")
	}
	signer := blobstore.NewSigner(cfg.Storage.PublicBaseURL, cfg.Storage.SigningSecret, cfg.Storage.SignedURLTTL)
	store, err := blobstore.NewFSStore(cfg.Storage.BaseDir, signer)
	if err != nil {
		return fmt.Errorf("initializing blob store: %w", err)
	}

	// Upstream clients
	ttsClient := upstream.NewTTSClient(cfg.TTS, logger)
	fusionClient := upstream.NewFusionClient(cfg.Fusion, logger)

	// Stitcher and job controller
	stitchCfg := cfg.Stitcher
	stitchCfg.TempDir = cfg.Stitcher.TempPath(cfg.Storage.BaseDir)
	stitch := stitcher.New(store, stitchCfg, logger)

	ctrl := controller.New(jobRepo, segmentRepo, stitch, cfg.Controller, logger)

	// Segment workers
	processor := worker.NewProcessor(
		jobRepo,
		segmentRepo,
		ttsClient,
		fusionClient,
		cfg.TTS.MaxAttempts,
		cfg.Fusion.MaxAttempts,
		ctrl.OnSegmentTerminal,
		logger,
	)
	dispatcher := worker.NewDispatcher(segmentRepo, processor, cfg.Worker, logger)

	// HTTP server
	server := internalhttp.NewServer(
		internalhttp.FromConfig(cfg.Server),
		cfg.Auth.ServiceSecret,
		logger,
		version.Version,
	)

	handlers.NewLongformHandler(jobRepo, segmentRepo, store, cfg.Segmenter, logger).
		Register(server.API())
	handlers.NewHealthHandler(version.Version).WithDB(db.DB).Register(server.API())
	handlers.NewBlobHandler(store, signer, logger).Register(server.Router())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting job controller: %w", err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		ctrl.Stop()
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	logger.Info("starting longform server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.Int("workers", cfg.Worker.Count),
		slog.String("version", version.Version),
	)

	serveErr := server.ListenAndServe(ctx)

	// Stop intake first, then let in-flight work drain.
	dispatcher.Stop()
	ctrl.Stop()

	return serveErr
}

// Command pipeline is the video-generation job pipeline's entrypoint: it
// loads configuration, opens the store, wires the Supervisor, and serves
// the admin HTTP surface until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videopipe/internal/config"
	"videopipe/internal/logger"
	"videopipe/internal/paths"
	"videopipe/internal/store"
	"videopipe/internal/supervisor"

	"videopipe/internal/adminhttp"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := os.Getenv("PIPELINE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}

	logger.Log.Info().Str("dataDir", cfg.DataDir).Str("adminAddr", cfg.AdminAddr).Msg("pipeline starting up")

	p := paths.New(cfg.DataDir)
	if err := p.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, p.DB, "pipeline.db")
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	logger.Log.Info().Msg("database initialized")

	sup := supervisor.New(cfg, p, db, nil)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	logger.Log.Info().Msg("worker pools started")

	admin := adminhttp.New(sup, cfg.AdminAddr)
	admin.Start()

	<-ctx.Done()
	logger.Log.Info().Msg("shutdown signal received, draining workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn().Err(err).Msg("admin server did not shut down cleanly")
	}

	sup.Shutdown(shutdownGrace)
	logger.Log.Info().Msg("pipeline stopped")
	return nil
}

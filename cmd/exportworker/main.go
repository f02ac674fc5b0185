// Package main is the entry point for the export worker daemon.
//
// The worker claims queued export jobs, builds the order-history
// archive for the requested date range, uploads it to blob storage and
// stamps the job ready with a presigned download link. Expired
// artifacts are swept hourly. Several workers may run in parallel;
// per-route locks in the document store keep them off each other's
// jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/di"
	"github.com/routespark/routespark/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().Msg("Starting RouteSpark export worker")

	if !cfg.Storage.Configured() {
		// Jobs would fail fast with a config error; refuse to start
		// instead so the queue keeps them claimable for a worker that
		// can actually upload.
		log.Fatal().Msg("Blob storage is not configured, export worker cannot run (set S3_BUCKET and credentials)")
	}

	container, _, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go container.ExportWorker.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down export worker...")

	// Stop waits for the job in progress. Claimed jobs that were not
	// finished are recovered by heartbeat expiry on the next worker.
	container.ExportWorker.Stop()

	log.Info().Msg("Export worker stopped")
}

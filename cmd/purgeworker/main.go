// Package main is the entry point for the purge worker daemon.
//
// The worker walks routes against their retention policy, archives
// expiring deliveries to blob storage when configured, erases the rows
// and advances the per-route purge checkpoint so no delivery is
// processed twice. Purge runs strictly single-flight; the daemon is
// meant to run as one instance.
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

	log.Info().Msg("Starting RouteSpark purge worker")

	if !cfg.Purge.Enabled {
		log.Warn().Msg("Purge is disabled (PURGE_ENABLED=false), worker will poll without scanning")
	}

	container, _, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go container.PurgeWorker.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down purge worker...")

	// Stop waits for the delivery batch in progress; the checkpoint
	// write is part of the batch, so a resume never re-purges.
	container.PurgeWorker.Stop()

	log.Info().Msg("Purge worker stopped")
}

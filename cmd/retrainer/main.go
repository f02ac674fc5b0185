// Package main is the entry point for the retrain orchestrator daemon.
//
// The orchestrator ticks every route on a configurable interval: it
// retrains stale models, regenerates missing or expired forecast
// payloads, runs band calibration when due, and refreshes route
// snapshots. A finalized order in this process short-circuits the wait
// via the event bus. The daemon runs alongside the server process and
// shares its databases; SQLite WAL mode handles the concurrent access.
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

	log.Info().Msg("Starting RouteSpark retrainer")

	container, _, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go container.Orchestrator.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down retrainer...")

	// Stop waits for the tick in progress, so a route is never left with
	// a half-written model snapshot.
	container.Orchestrator.Stop()

	log.Info().Msg("Retrainer stopped")
}

// Package main is the entry point for the RouteSpark server, the hub
// process of the demand forecasting system for bakery route sales.
//
// The server owns the HTTP boundary (forecast envelopes, export jobs,
// system status, websocket event stream) and the in-process maintenance
// cron (WAL checkpoints, vacuum, forecast payload sweep, calibration
// sweep, integrity check). The retrain orchestrator and the export and
// purge workers run as separate processes; see cmd/retrainer,
// cmd/exportworker and cmd/purgeworker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/di"
	"github.com/routespark/routespark/internal/server"
	"github.com/routespark/routespark/pkg/logger"
)

// main orchestrates the startup sequence:
// 1. Loads configuration from environment variables (.env file)
// 2. Initializes structured logging
// 3. Wires all dependencies via the DI container (databases, repositories, services)
// 4. Starts the HTTP server
// 5. Starts the maintenance scheduler
// 6. Waits for a shutdown signal and shuts down gracefully
//
// The application uses a 3-database architecture:
// - orders.db: order history and per-item corrections
// - state.db: trained models, calibration state, purge checkpoints
// - docs.db: document collections (routes, forecasts, jobs, snapshots)
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible
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

	log.Info().Msg("Starting RouteSpark server")

	container, sched, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	// Start the server in a goroutine so the maintenance scheduler and
	// signal handling run on the main thread. ErrServerClosed is the
	// normal return after Shutdown.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Maintenance cron runs in the server process only. Worker processes
	// share the databases but never schedule maintenance, so checkpoints
	// and vacuums cannot collide.
	sched.Start()
	log.Info().Msg("Maintenance scheduler started")

	// Block until SIGINT (Ctrl+C) or SIGTERM (service stop).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop the scheduler first so no maintenance job starts while
	// connections are draining.
	sched.Stop()
	log.Info().Msg("Maintenance scheduler stopped")

	// In-flight requests get up to 10 seconds to complete. Websocket
	// stream connections are closed by the server shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

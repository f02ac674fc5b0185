// Package di provides dependency injection wiring and initialization.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	clockpkg "github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/scheduler"
)

// Wire initializes all dependencies and returns a fully configured container
// This is the main entry point for dependency injection
// Order of operations:
// 1. Initialize databases
// 2. Wire the clock, holiday calendar and event bus
// 3. Initialize repositories
// 4. Initialize services
// 5. Register maintenance jobs
// The returned scheduler is not started; only the server process runs it.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, *scheduler.Scheduler, error) {
	// Step 1: Initialize databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Clock, holidays and events. The document store and the
	// services both stamp time through the shared clock.
	container.Clock = clockpkg.SystemClock{}
	container.Holidays = clockpkg.NewHolidaySet(cfg.HolidayDates)
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	// Step 3: Initialize repositories
	if err := InitializeRepositories(container, log); err != nil {
		container.CloseDatabases()
		return nil, nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	// Step 4: Initialize services
	if err := InitializeServices(container, cfg, log); err != nil {
		container.CloseDatabases()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 5: Register maintenance jobs
	sched, err := RegisterMaintenanceJobs(container, log)
	if err != nil {
		container.CloseDatabases()
		return nil, nil, fmt.Errorf("failed to register maintenance jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, sched, nil
}

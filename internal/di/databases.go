// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/database"
)

// InitializeDatabases initializes all 3 databases and applies schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. orders.db - Immutable order history (orders, order_lines, corrections)
	ordersDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/orders.db",
		Profile: database.ProfileLedger, // Maximum safety for the order ledger
		Name:    "orders",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orders database: %w", err)
	}
	container.OrdersDB = ordersDB

	// 2. state.db - Derived state (models, calibration, shares, checkpoints)
	stateDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/state.db",
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		ordersDB.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}
	container.StateDB = stateDB

	// 3. docs.db - Document store (routes, forecasts, jobs, locks, patterns)
	docsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/docs.db",
		Profile: database.ProfileStandard,
		Name:    "docs",
	})
	if err != nil {
		ordersDB.Close()
		stateDB.Close()
		return nil, fmt.Errorf("failed to initialize docs database: %w", err)
	}
	container.DocsDB = docsDB

	// Apply schemas to all databases (single source of truth)
	for _, db := range []*database.DB{ordersDB, stateDB, docsDB} {
		if err := db.Migrate(); err != nil {
			ordersDB.Close()
			stateDB.Close()
			docsDB.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Msg("All databases initialized and schemas applied")

	return container, nil
}

// CloseDatabases closes every open database. Safe to call after a
// partial initialization failure.
func (c *Container) CloseDatabases() {
	if c.OrdersDB != nil {
		c.OrdersDB.Close()
	}
	if c.StateDB != nil {
		c.StateDB.Close()
	}
	if c.DocsDB != nil {
		c.DocsDB.Close()
	}
}

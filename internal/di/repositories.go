// Package di provides dependency injection for repository implementations.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/modules/calibration"
	"github.com/routespark/routespark/internal/modules/forecast"
	"github.com/routespark/routespark/internal/modules/orders"
	"github.com/routespark/routespark/internal/modules/purge"
	"github.com/routespark/routespark/internal/modules/snapshots"
)

// InitializeRepositories creates all repositories and stores them in the container
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Document store (needs docsDB and the shared clock)
	container.DocStore = docstore.New(container.DocsDB.Conn(), container.Clock, log)

	// Orders repository (needs ordersDB)
	container.OrdersRepo = orders.NewOrdersRepository(container.OrdersDB.Conn(), log)

	// Corrections repository (needs ordersDB, corrections live next to orders)
	container.CorrectionsRepo = orders.NewCorrectionsRepository(container.OrdersDB.Conn(), log)

	// Store-item shares repository (needs stateDB)
	container.SharesRepo = orders.NewSharesRepository(container.StateDB.Conn(), log)

	// Item allocation cache repository (needs stateDB)
	container.AllocationRepo = orders.NewAllocationRepository(container.StateDB.Conn(), log)

	// Calibration repository (needs stateDB)
	container.CalibrationRepo = calibration.NewRepository(container.StateDB.Conn(), log)

	// Snapshot refresh-state repository (needs stateDB)
	container.SnapshotsRepo = snapshots.NewRepository(container.StateDB.Conn(), log)

	// Purge checkpoint repository (needs stateDB)
	container.CheckpointRepo = purge.NewCheckpointRepository(container.StateDB.Conn(), log)

	// Model snapshot store (needs stateDB)
	container.ModelStore = forecast.NewModelStore(container.StateDB.Conn(), log)

	log.Info().Msg("All repositories initialized")

	return nil
}

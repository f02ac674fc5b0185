// Package di provides dependency injection type definitions.
//
// This package defines the Container type which holds all application
// dependencies. The Container is the single source of truth for all
// service instances and is shared by every RouteSpark binary; each
// process runs the subset of daemons it owns.
package di

import (
	"github.com/routespark/routespark/internal/blobstore"
	"github.com/routespark/routespark/internal/database"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/jobqueue"
	"github.com/routespark/routespark/internal/modules/backtest"
	"github.com/routespark/routespark/internal/modules/calibration"
	"github.com/routespark/routespark/internal/modules/exports"
	"github.com/routespark/routespark/internal/modules/features"
	"github.com/routespark/routespark/internal/modules/forecast"
	"github.com/routespark/routespark/internal/modules/forecastcache"
	"github.com/routespark/routespark/internal/modules/orchestrator"
	"github.com/routespark/routespark/internal/modules/orders"
	"github.com/routespark/routespark/internal/modules/purge"
	"github.com/routespark/routespark/internal/modules/schedule"
	"github.com/routespark/routespark/internal/modules/snapshots"
	"github.com/routespark/routespark/internal/modules/transfers"
	clockpkg "github.com/routespark/routespark/internal/clock"
)

// Container holds all dependencies for the application.
//
// Architecture:
//   - Databases: 3-database layout (orders ledger, derived state, documents)
//   - Repositories: relational data access (orders, corrections, shares,
//     allocations, bands, snapshots, checkpoints, models)
//   - Services: business logic (schedule resolution, forecasting,
//     calibration, backtesting, transfers, exports, purges)
//   - Daemons: long-running loops each binary decides to start
//     (orchestrator, export worker, purge worker)
//
// All dependencies are injected via constructor injection.
type Container struct {
	// Databases (3-database architecture)
	// Each database uses SQLite with WAL mode and profile-specific PRAGMAs.
	OrdersDB *database.DB // Immutable order history (orders, lines, corrections)
	StateDB  *database.DB // Derived state (models, bands, shares, checkpoints)
	DocsDB   *database.DB // Document store (routes, forecasts, jobs, locks)

	// Clock and calendar
	Clock    clockpkg.Clock      // Wall clock, swappable for tests
	Holidays *clockpkg.HolidaySet // Configured holiday dates

	// Event bus
	EventBus     *events.Bus     // In-process pub/sub
	EventManager *events.Manager // Typed emit wrapper over the bus

	// Document store
	DocStore *docstore.Store // Versioned JSON documents with change feed

	// Repositories - relational data access
	OrdersRepo      *orders.OrdersRepository      // Order and line history
	CorrectionsRepo *orders.CorrectionsRepository // Forecast-vs-final deltas
	SharesRepo      *orders.SharesRepository      // Store-item demand shares
	AllocationRepo  *orders.AllocationRepository  // Item allocation cache
	CalibrationRepo *calibration.Repository       // Band and source calibration
	SnapshotsRepo   *snapshots.Repository         // Weekly refresh state
	CheckpointRepo  *purge.CheckpointRepository   // Purge checkpoints
	ModelStore      *forecast.ModelStore          // Serialized demand models

	// Services - business logic
	OrdersService    *orders.Service         // Order finalization boundary
	ScheduleService  *schedule.Service       // Cycle resolution and delivery math
	FeatureBuilder   *features.Builder       // Training and scoring features
	ForecastEngine   *forecast.Engine        // Branch selection and generation
	ForecastCache    *forecastcache.Cache    // Forecast payloads with staleness
	Calibrator       *calibration.Calibrator // Uncertainty band learning
	BacktestRunner   *backtest.Runner        // Walk-forward evaluation
	SnapshotsService *snapshots.Service      // Weekly scorecard refresh
	TransferPlanner  *transfers.Planner      // Cross-route transfer suggestions
	BlobStore        *blobstore.Store        // S3-compatible artifacts, nil when unconfigured

	// Job queues
	ExportQueue *jobqueue.Queue // Export jobs with quotas and dedup
	PurgeQueue  *jobqueue.Queue // Retention purge jobs

	// Daemons - started per binary
	ExportWorker *exports.Worker            // Archive build and upload loop
	PurgeWorker  *purge.Worker              // Retention purge loop
	Orchestrator *orchestrator.Orchestrator // Daily order-cycle driver
}

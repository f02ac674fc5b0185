// Package di provides dependency injection for service implementations.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/blobstore"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
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
)

// InitializeServices creates all services and daemons and stores them in
// the container. Repositories must be initialized first.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// Schedule service (cycle resolution, delivery math, route lookups)
	container.ScheduleService = schedule.NewService(container.DocStore, container.OrdersRepo, log)

	// Feature builder (training and scoring rows, holiday-aware)
	container.FeatureBuilder = features.NewBuilder(container.Holidays, log)

	// Forecast cache (payloads with the staleness envelope)
	container.ForecastCache = forecastcache.New(container.DocStore, container.OrdersRepo, container.Clock, log)

	// Forecast engine (branch selection, calibration, whole-case rounding)
	container.ForecastEngine = forecast.NewEngine(
		container.OrdersRepo,
		container.CorrectionsRepo,
		container.CalibrationRepo,
		container.ModelStore,
		container.FeatureBuilder,
		container.ForecastCache,
		container.Clock,
		container.EventManager,
		cfg.Forecast,
		cfg.Calibration,
		log,
	)
	// Low-quantity expiry floors come from the document store; routes
	// without a floor document forecast unfloored.
	container.ForecastEngine.SetFloorProvider(forecast.NewDocFloorProvider(container.DocStore))

	// Orders service (finalization boundary: persists orders, derives
	// corrections, publishes ORDER_FINALIZED)
	container.OrdersService = orders.NewService(
		container.OrdersRepo,
		container.CorrectionsRepo,
		container.SharesRepo,
		container.AllocationRepo,
		container.DocStore,
		container.EventManager,
		container.Clock,
		container.Holidays,
		cfg.Forecast.LookbackDays,
		log,
	)

	// Band calibrator (coverage feedback loop over backtest folds)
	container.Calibrator = calibration.NewCalibrator(
		container.CalibrationRepo,
		cfg.Calibration,
		container.Clock,
		container.EventManager,
		log,
	)

	// Backtest runner (walk-forward folds feeding calibration and scorecards)
	container.BacktestRunner = backtest.NewRunner(
		container.OrdersRepo,
		container.CorrectionsRepo,
		container.CalibrationRepo,
		container.FeatureBuilder,
		container.DocStore,
		container.Clock,
		cfg.Backtest,
		cfg.Forecast,
		cfg.Calibration,
		log,
	)
	container.Calibrator.SetObservationProvider(container.BacktestRunner)

	// Snapshot service (weekly backtest refresh per route)
	container.SnapshotsService = snapshots.NewService(
		container.SnapshotsRepo,
		container.BacktestRunner,
		container.Clock,
		cfg.Calibration,
		log,
	)

	// Transfer planner (cross-route demand pooling, pattern gated)
	container.TransferPlanner = transfers.NewPlanner(
		container.DocStore,
		container.ForecastCache,
		container.Clock,
		container.EventManager,
		cfg.Transfer,
		log,
	)

	// Blob storage is optional. Workers receive a nil store when it is
	// not configured: exports fail fast with a config error and purges
	// skip the blob source.
	var artifactStore exports.ArtifactStore
	var archiveStore purge.ArchiveStore
	if cfg.Storage.Configured() {
		blobs, err := blobstore.New(context.Background(), cfg.Storage, log)
		if err != nil {
			return fmt.Errorf("failed to initialize blob storage: %w", err)
		}
		container.BlobStore = blobs
		artifactStore = blobs
		archiveStore = blobs
	} else {
		log.Warn().Msg("Blob storage not configured, export uploads and archive purges are disabled")
	}

	// Export queue and worker (quota-checked archive builds)
	container.ExportQueue = jobqueue.NewQueue(
		container.DocStore,
		container.Clock,
		domain.JobKindExport,
		jobqueue.ExportOptions(cfg.Export),
		container.EventManager,
		log,
	)
	archiveBuilder := exports.NewBuilder(container.OrdersRepo, container.CorrectionsRepo, log)
	container.ExportWorker = exports.NewWorker(
		container.ExportQueue,
		archiveBuilder,
		artifactStore,
		container.Clock,
		container.EventManager,
		cfg.Export,
		log,
	)

	// Purge queue and worker (retention erasure behind checkpoints)
	container.PurgeQueue = jobqueue.NewQueue(
		container.DocStore,
		container.Clock,
		domain.JobKindPurge,
		jobqueue.PurgeOptions(),
		container.EventManager,
		log,
	)
	container.PurgeWorker = purge.NewWorker(
		container.DocStore,
		container.OrdersRepo,
		container.ForecastCache,
		container.CheckpointRepo,
		container.PurgeQueue,
		archiveStore,
		container.Clock,
		container.EventManager,
		cfg.Purge,
		cfg.DataDir,
		log,
	)

	// Orchestrator (daily tick: schedule gaps, status, retrain, forecast)
	container.Orchestrator = orchestrator.NewOrchestrator(
		container.ScheduleService,
		container.OrdersRepo,
		container.ForecastEngine,
		container.ModelStore,
		container.ForecastCache,
		container.Calibrator,
		container.SnapshotsService,
		container.DocStore,
		container.Holidays,
		container.Clock,
		container.EventManager,
		cfg.Retrain,
		log,
	)
	// A finalized order kicks the orchestrator so the next delivery's
	// forecast lands without waiting for the daily tick.
	container.EventBus.Subscribe(events.OrderFinalized, container.Orchestrator.OnOrderFinalized)

	log.Info().Msg("All services initialized")

	return nil
}

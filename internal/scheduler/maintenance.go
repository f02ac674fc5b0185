package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/database"
	"github.com/routespark/routespark/internal/domain"
)

// WALCheckpointJob truncates the WAL on every database so the log files
// never grow unbounded between restarts.
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates the nightly WAL checkpoint job.
func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name.
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run checkpoints every database. A single failure is logged and the
// rest still checkpoint.
func (j *WALCheckpointJob) Run() error {
	checkpointed := 0
	for name, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
			continue
		}
		checkpointed++
	}

	j.log.Info().Int("databases", checkpointed).Msg("WAL checkpoint completed")
	return nil
}

// VacuumJob reclaims free pages from the standard-profile databases.
// The orders ledger is append-only with auto_vacuum off and is never
// vacuumed.
type VacuumJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewVacuumJob creates the weekly vacuum job.
func NewVacuumJob(databases map[string]*database.DB, log zerolog.Logger) *VacuumJob {
	return &VacuumJob{
		databases: databases,
		log:       log.With().Str("job", "vacuum").Logger(),
	}
}

// Name returns the job name.
func (j *VacuumJob) Name() string {
	return "vacuum"
}

// Run vacuums each eligible database, logging the space reclaimed.
func (j *VacuumJob) Run() error {
	started := time.Now()

	for name, db := range j.databases {
		if db == nil || db.Profile() == database.ProfileLedger {
			continue
		}

		var sizeBefore int64
		if stats, err := db.GetStats(); err == nil {
			sizeBefore = stats.PageCount * stats.PageSize
		}

		if err := db.Vacuum(); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("VACUUM failed")
			continue
		}

		var sizeAfter int64
		if stats, err := db.GetStats(); err == nil {
			sizeAfter = stats.PageCount * stats.PageSize
		}

		j.log.Info().
			Str("database", name).
			Float64("size_before_mb", float64(sizeBefore)/1024/1024).
			Float64("size_after_mb", float64(sizeAfter)/1024/1024).
			Float64("space_reclaimed_mb", float64(sizeBefore-sizeAfter)/1024/1024).
			Msg("VACUUM completed")
	}

	j.log.Info().Dur("duration_ms", time.Since(started)).Msg("Vacuum pass completed")
	return nil
}

// PayloadSweeper deletes long-expired forecast payloads. Satisfied by
// forecastcache.Cache.
type PayloadSweeper interface {
	PurgeExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

// ForecastSweepJob clears forecast payloads whose expiry lapsed more
// than the grace window ago. The grace keeps a just-expired payload
// around long enough to be reported as expired rather than missing.
type ForecastSweepJob struct {
	cache PayloadSweeper
	grace time.Duration
	log   zerolog.Logger
}

// NewForecastSweepJob creates the hourly forecast payload sweep.
func NewForecastSweepJob(cache PayloadSweeper, grace time.Duration, log zerolog.Logger) *ForecastSweepJob {
	return &ForecastSweepJob{
		cache: cache,
		grace: grace,
		log:   log.With().Str("job", "forecast_sweep").Logger(),
	}
}

// Name returns the job name.
func (j *ForecastSweepJob) Name() string {
	return "forecast_sweep"
}

// Run purges expired payloads past the grace window.
func (j *ForecastSweepJob) Run() error {
	purged, err := j.cache.PurgeExpired(context.Background(), j.grace)
	if err != nil {
		return fmt.Errorf("failed to purge expired forecasts: %w", err)
	}
	if purged > 0 {
		j.log.Info().Int("purged", purged).Msg("Expired forecast payloads swept")
	}
	return nil
}

// IntegrityCheckJob runs the full SQLite integrity scan on every
// database. The scan is expensive, so it runs weekly, off-peak.
type IntegrityCheckJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewIntegrityCheckJob creates the weekly database integrity check.
func NewIntegrityCheckJob(databases map[string]*database.DB, log zerolog.Logger) *IntegrityCheckJob {
	return &IntegrityCheckJob{
		databases: databases,
		log:       log.With().Str("job", "integrity_check").Logger(),
	}
}

// Name returns the job name.
func (j *IntegrityCheckJob) Name() string {
	return "integrity_check"
}

// Run checks every database, continuing past individual failures.
func (j *IntegrityCheckJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	failed := 0
	for name, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Database integrity check failed")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d databases failed integrity check", failed, len(j.databases))
	}

	j.log.Info().Int("databases", len(j.databases)).Msg("Database integrity check passed")
	return nil
}

// RouteLister lists routes for the sweep. Satisfied by schedule.Service.
type RouteLister interface {
	ListRoutes(ctx context.Context) ([]domain.Route, error)
}

// RouteCalibrator runs one route's calibration when due. Satisfied by
// calibration.Calibrator.
type RouteCalibrator interface {
	CalibrateRouteIfDue(route string, force bool) error
}

// CalibrationSweepJob runs the due-gated calibration pass over every
// synced route. The orchestrator fires the same hook on its daily tick;
// this weekly sweep catches routes whose ticks kept failing.
type CalibrationSweepJob struct {
	routes     RouteLister
	calibrator RouteCalibrator
	log        zerolog.Logger
}

// NewCalibrationSweepJob creates the weekly calibration sweep.
func NewCalibrationSweepJob(routes RouteLister, calibrator RouteCalibrator, log zerolog.Logger) *CalibrationSweepJob {
	return &CalibrationSweepJob{
		routes:     routes,
		calibrator: calibrator,
		log:        log.With().Str("job", "calibration_sweep").Logger(),
	}
}

// Name returns the job name.
func (j *CalibrationSweepJob) Name() string {
	return "calibration_sweep"
}

// Run calibrates every synced route, continuing past per-route failures.
func (j *CalibrationSweepJob) Run() error {
	routes, err := j.routes.ListRoutes(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list routes for calibration sweep: %w", err)
	}

	swept, failed := 0, 0
	for i := range routes {
		if !routes[i].Synced {
			continue
		}
		if err := j.calibrator.CalibrateRouteIfDue(routes[i].Number, false); err != nil {
			j.log.Error().Err(err).Str("route", routes[i].Number).Msg("Calibration sweep failed for route")
			failed++
			continue
		}
		swept++
	}

	j.log.Info().Int("routes", swept).Int("failed", failed).Msg("Calibration sweep completed")
	return nil
}

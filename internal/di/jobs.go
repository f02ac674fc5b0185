package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/database"
	"github.com/routespark/routespark/internal/scheduler"
)

// Maintenance schedules. Cron specs include a seconds field.
const (
	walCheckpointSchedule    = "0 0 2 * * *"  // daily 02:00 UTC
	vacuumSchedule           = "0 30 3 * * 0" // Sunday 03:30 UTC
	forecastSweepSchedule    = "0 0 * * * *"  // hourly
	calibrationSweepSchedule = "0 0 4 * * 0"  // Sunday 04:00 UTC
	integrityCheckSchedule   = "0 0 5 * * 0"  // Sunday 05:00 UTC
)

// forecastSweepGrace keeps an expired payload readable for a day so the
// stale envelope can explain the gap before the document disappears.
const forecastSweepGrace = 24 * time.Hour

// RegisterMaintenanceJobs builds the cron scheduler and registers the
// recurring database and cache maintenance jobs. The caller owns
// Start/Stop. Services must be initialized first.
func RegisterMaintenanceJobs(container *Container, log zerolog.Logger) (*scheduler.Scheduler, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	databases := map[string]*database.DB{
		"orders": container.OrdersDB,
		"state":  container.StateDB,
		"docs":   container.DocsDB,
	}

	sched := scheduler.New(log)

	if err := sched.AddJob(walCheckpointSchedule, scheduler.NewWALCheckpointJob(databases, log)); err != nil {
		return nil, fmt.Errorf("failed to register WAL checkpoint job: %w", err)
	}
	if err := sched.AddJob(vacuumSchedule, scheduler.NewVacuumJob(databases, log)); err != nil {
		return nil, fmt.Errorf("failed to register vacuum job: %w", err)
	}
	if err := sched.AddJob(forecastSweepSchedule, scheduler.NewForecastSweepJob(container.ForecastCache, forecastSweepGrace, log)); err != nil {
		return nil, fmt.Errorf("failed to register forecast sweep job: %w", err)
	}
	if err := sched.AddJob(calibrationSweepSchedule, scheduler.NewCalibrationSweepJob(container.ScheduleService, container.Calibrator, log)); err != nil {
		return nil, fmt.Errorf("failed to register calibration sweep job: %w", err)
	}
	if err := sched.AddJob(integrityCheckSchedule, scheduler.NewIntegrityCheckJob(databases, log)); err != nil {
		return nil, fmt.Errorf("failed to register integrity check job: %w", err)
	}

	log.Info().Int("jobs", 5).Msg("Maintenance jobs registered")

	return sched, nil
}

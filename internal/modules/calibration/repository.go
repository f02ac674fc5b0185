// Package calibration maintains the uncertainty band corrections learned
// from backtest coverage drift.
package calibration

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

// Repository persists band and per-source calibration rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new calibration repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "calibration").Logger(),
	}
}

// UpsertBand writes a band calibration row with ON CONFLICT DO UPDATE
// semantics.
func (r *Repository) UpsertBand(cal domain.BandCalibration) error {
	_, err := r.db.Exec(`
		INSERT INTO band_calibration (route_number, schedule_key, interval, band_scale,
			center_offset_units, observed_coverage, target_coverage, under_rate, over_rate,
			sample_lines, fold_count, last_backtest_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_number, schedule_key, interval) DO UPDATE SET
			band_scale = excluded.band_scale,
			center_offset_units = excluded.center_offset_units,
			observed_coverage = excluded.observed_coverage,
			target_coverage = excluded.target_coverage,
			under_rate = excluded.under_rate,
			over_rate = excluded.over_rate,
			sample_lines = excluded.sample_lines,
			fold_count = excluded.fold_count,
			last_backtest_at = excluded.last_backtest_at,
			updated_at = excluded.updated_at`,
		cal.RouteNumber,
		cal.ScheduleKey,
		cal.Interval,
		cal.BandScale,
		cal.CenterOffsetUnits,
		cal.ObservedCoverage,
		cal.TargetCoverage,
		cal.UnderRate,
		cal.OverRate,
		cal.SampleLines,
		cal.FoldCount,
		cal.LastBacktestAt.Unix(),
		cal.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert band calibration: %w", err)
	}

	r.log.Debug().
		Str("route", cal.RouteNumber).
		Str("schedule", cal.ScheduleKey).
		Float64("band_scale", cal.BandScale).
		Float64("center_offset", cal.CenterOffsetUnits).
		Msg("Band calibration upserted")
	return nil
}

// GetBand returns the calibration row for (route, schedule, interval), or
// nil when none exists yet.
func (r *Repository) GetBand(route, schedule, interval string) (*domain.BandCalibration, error) {
	rows, err := r.db.Query(selectBand+`
		WHERE route_number = ? AND schedule_key = ? AND interval = ?`,
		route, schedule, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to query band calibration: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cal, err := scanBand(rows)
	if err != nil {
		return nil, err
	}
	return &cal, nil
}

// BandsForRoute returns every band calibration row for the route.
func (r *Repository) BandsForRoute(route string) ([]domain.BandCalibration, error) {
	rows, err := r.db.Query(selectBand+`
		WHERE route_number = ? ORDER BY schedule_key, interval`, route)
	if err != nil {
		return nil, fmt.Errorf("failed to query band calibrations: %w", err)
	}
	defer rows.Close()

	var cals []domain.BandCalibration
	for rows.Next() {
		cal, err := scanBand(rows)
		if err != nil {
			return nil, err
		}
		cals = append(cals, cal)
	}
	return cals, rows.Err()
}

// LatestUpdatedAt returns the newest band calibration update for the
// route, or nil when the route has never been calibrated. Drives the
// weekly cadence gate.
func (r *Repository) LatestUpdatedAt(route string) (*time.Time, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(
		"SELECT MAX(updated_at) FROM band_calibration WHERE route_number = ?", route,
	).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest calibration time: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := time.Unix(ts.Int64, 0).UTC()
	return &t, nil
}

// UpsertSource writes a per-source calibration row.
func (r *Repository) UpsertSource(cal domain.SourceCalibration) error {
	_, err := r.db.Exec(`
		INSERT INTO source_calibration (route_number, schedule_key, interval, source,
			band_scale_mult, center_offset_units, observed_coverage, line_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_number, schedule_key, interval, source) DO UPDATE SET
			band_scale_mult = excluded.band_scale_mult,
			center_offset_units = excluded.center_offset_units,
			observed_coverage = excluded.observed_coverage,
			line_count = excluded.line_count,
			updated_at = excluded.updated_at`,
		cal.RouteNumber,
		cal.ScheduleKey,
		cal.Interval,
		string(cal.Source),
		cal.BandScaleMult,
		cal.CenterOffsetUnits,
		cal.ObservedCoverage,
		cal.LineCount,
		cal.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert source calibration: %w", err)
	}
	return nil
}

// SourcesFor returns per-source calibration rows for (route, schedule,
// interval) keyed by source tag.
func (r *Repository) SourcesFor(route, schedule, interval string) (map[domain.ForecastSource]domain.SourceCalibration, error) {
	rows, err := r.db.Query(`
		SELECT route_number, schedule_key, interval, source, band_scale_mult,
			center_offset_units, observed_coverage, line_count, updated_at
		FROM source_calibration
		WHERE route_number = ? AND schedule_key = ? AND interval = ?`,
		route, schedule, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to query source calibrations: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.ForecastSource]domain.SourceCalibration)
	for rows.Next() {
		var cal domain.SourceCalibration
		var source string
		var updatedAt int64
		err := rows.Scan(
			&cal.RouteNumber,
			&cal.ScheduleKey,
			&cal.Interval,
			&source,
			&cal.BandScaleMult,
			&cal.CenterOffsetUnits,
			&cal.ObservedCoverage,
			&cal.LineCount,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source calibration: %w", err)
		}
		cal.Source = domain.ForecastSource(source)
		cal.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		result[cal.Source] = cal
	}
	return result, rows.Err()
}

const selectBand = `SELECT route_number, schedule_key, interval, band_scale,
	center_offset_units, observed_coverage, target_coverage, under_rate, over_rate,
	sample_lines, fold_count, last_backtest_at, updated_at
	FROM band_calibration`

func scanBand(rows *sql.Rows) (domain.BandCalibration, error) {
	var cal domain.BandCalibration
	var lastBacktestAt sql.NullInt64
	var updatedAt int64

	err := rows.Scan(
		&cal.RouteNumber,
		&cal.ScheduleKey,
		&cal.Interval,
		&cal.BandScale,
		&cal.CenterOffsetUnits,
		&cal.ObservedCoverage,
		&cal.TargetCoverage,
		&cal.UnderRate,
		&cal.OverRate,
		&cal.SampleLines,
		&cal.FoldCount,
		&lastBacktestAt,
		&updatedAt,
	)
	if err != nil {
		return cal, fmt.Errorf("failed to scan band calibration: %w", err)
	}

	if lastBacktestAt.Valid {
		cal.LastBacktestAt = time.Unix(lastBacktestAt.Int64, 0).UTC()
	}
	cal.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return cal, nil
}

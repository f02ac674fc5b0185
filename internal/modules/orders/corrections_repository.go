package orders

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

// CorrectionsRepository handles correction database operations.
type CorrectionsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCorrectionsRepository creates a new corrections repository.
func NewCorrectionsRepository(db *sql.DB, log zerolog.Logger) *CorrectionsRepository {
	return &CorrectionsRepository{
		db:  db,
		log: log.With().Str("repo", "corrections").Logger(),
	}
}

// Save inserts a batch of corrections in one transaction.
func (r *CorrectionsRepository) Save(corrections []domain.Correction) error {
	if len(corrections) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO corrections (forecast_id, order_id, route_number, schedule_key,
			delivery_date, store_id, sap, predicted_units, final_units, delta, ratio,
			removed, promo, holiday_week, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare correction insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range corrections {
		_, err := stmt.Exec(
			c.ForecastID,
			c.OrderID,
			c.RouteNumber,
			c.ScheduleKey,
			domain.FormatDate(c.DeliveryDate),
			c.StoreID,
			c.SAP,
			c.PredictedUnits,
			c.FinalUnits,
			c.Delta,
			c.Ratio,
			boolToInt(c.Removed),
			boolToInt(c.Promo),
			boolToInt(c.HolidayWeek),
			c.SubmittedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert correction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug().Int("count", len(corrections)).Msg("Corrections saved")
	return nil
}

// AggregatesUpTo groups corrections submitted up to the cutoff by
// (store, sap, schedule) and emits the rollup the feature builder joins
// on. An empty schedule covers every schedule on the route. The temporal
// cutoff keeps backtest folds from seeing future corrections.
func (r *CorrectionsRepository) AggregatesUpTo(route, schedule string, cutoff time.Time) ([]domain.CorrectionAggregate, error) {
	query := `
		SELECT store_id, sap, schedule_key, COUNT(*),
			AVG(delta), AVG(ratio), AVG(ratio * ratio),
			AVG(removed), AVG(promo)
		FROM corrections
		WHERE route_number = ? AND submitted_at <= ?`
	args := []any{route, cutoff.Unix()}
	if schedule != "" {
		query += ` AND schedule_key = ?`
		args = append(args, schedule)
	}
	query += `
		GROUP BY store_id, sap, schedule_key
		ORDER BY store_id, sap, schedule_key`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query correction aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []domain.CorrectionAggregate
	for rows.Next() {
		var a domain.CorrectionAggregate
		var avgRatioSq float64
		err := rows.Scan(
			&a.StoreID,
			&a.SAP,
			&a.ScheduleKey,
			&a.Samples,
			&a.AvgDelta,
			&a.AvgRatio,
			&avgRatioSq,
			&a.RemovalRate,
			&a.PromoRate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correction aggregate: %w", err)
		}

		variance := avgRatioSq - a.AvgRatio*a.AvgRatio
		if variance > 0 {
			a.RatioStddev = math.Sqrt(variance)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// CountCorrectedOrders counts distinct orders with at least one correction
// submitted up to the cutoff. Feeds the cold-start gate.
func (r *CorrectionsRepository) CountCorrectedOrders(route, schedule string, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(DISTINCT order_id) FROM corrections
		WHERE route_number = ? AND schedule_key = ? AND submitted_at <= ?`,
		route, schedule, cutoff.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count corrected orders: %w", err)
	}
	return count, nil
}

// ForSchedule returns raw corrections for the schedule submitted up to the
// cutoff, oldest first.
func (r *CorrectionsRepository) ForSchedule(route, schedule string, cutoff time.Time) ([]domain.Correction, error) {
	rows, err := r.db.Query(`
		SELECT forecast_id, order_id, route_number, schedule_key, delivery_date,
			store_id, sap, predicted_units, final_units, delta, ratio,
			removed, promo, holiday_week, submitted_at
		FROM corrections
		WHERE route_number = ? AND schedule_key = ? AND submitted_at <= ?
		ORDER BY submitted_at ASC`,
		route, schedule, cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	return scanCorrections(rows)
}

// ForDelivery returns corrections recorded against one delivery date,
// every schedule included, ordered for stable export output.
func (r *CorrectionsRepository) ForDelivery(route string, delivery time.Time) ([]domain.Correction, error) {
	rows, err := r.db.Query(`
		SELECT forecast_id, order_id, route_number, schedule_key, delivery_date,
			store_id, sap, predicted_units, final_units, delta, ratio,
			removed, promo, holiday_week, submitted_at
		FROM corrections
		WHERE route_number = ? AND delivery_date = ?
		ORDER BY order_id, store_id, sap`,
		route, domain.FormatDate(delivery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	return scanCorrections(rows)
}

func scanCorrections(rows *sql.Rows) ([]domain.Correction, error) {
	var corrections []domain.Correction
	for rows.Next() {
		var c domain.Correction
		var deliveryDate string
		var removed, promo, holidayWeek int
		var submittedAt int64

		err := rows.Scan(
			&c.ForecastID,
			&c.OrderID,
			&c.RouteNumber,
			&c.ScheduleKey,
			&deliveryDate,
			&c.StoreID,
			&c.SAP,
			&c.PredictedUnits,
			&c.FinalUnits,
			&c.Delta,
			&c.Ratio,
			&removed,
			&promo,
			&holidayWeek,
			&submittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correction: %w", err)
		}

		if c.DeliveryDate, err = domain.ParseDate(deliveryDate); err != nil {
			return nil, fmt.Errorf("bad delivery_date %q: %w", deliveryDate, err)
		}
		c.Removed = removed != 0
		c.Promo = promo != 0
		c.HolidayWeek = holidayWeek != 0
		c.SubmittedAt = time.Unix(submittedAt, 0).UTC()
		corrections = append(corrections, c)
	}
	return corrections, rows.Err()
}

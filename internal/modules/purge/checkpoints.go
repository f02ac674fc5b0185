// Package purge erases order history that has aged past the retention
// window. Synced routes are scanned for delivery dates older than the
// retention anchor; each eligible delivery is deleted from the
// relational ledger, the forecast documents, the blob archive, and the
// filesystem archive behind a per-delivery checkpoint, so a crashed run
// resumes without deleting twice.
package purge

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

// CheckpointRepository persists per-(route, delivery) purge progress
// rows. A completed row marks the delivery as erased for good.
type CheckpointRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCheckpointRepository creates a purge checkpoint repository.
func NewCheckpointRepository(db *sql.DB, log zerolog.Logger) *CheckpointRepository {
	return &CheckpointRepository{
		db:  db,
		log: log.With().Str("repo", "purge_checkpoints").Logger(),
	}
}

// Set writes the checkpoint for one delivery, replacing any prior row.
func (r *CheckpointRepository) Set(cp domain.PurgeCheckpoint) error {
	_, err := r.db.Exec(`
		INSERT INTO purge_checkpoints (route_number, delivery_date, status,
			event_id, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_number, delivery_date) DO UPDATE SET
			status = excluded.status,
			event_id = excluded.event_id,
			details = excluded.details,
			recorded_at = excluded.recorded_at`,
		cp.RouteNumber,
		domain.FormatDate(cp.DeliveryDate),
		string(cp.Status),
		cp.EventID,
		cp.Details,
		cp.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert purge checkpoint: %w", err)
	}

	r.log.Debug().
		Str("route", cp.RouteNumber).
		Str("delivery", domain.FormatDate(cp.DeliveryDate)).
		Str("status", string(cp.Status)).
		Msg("Purge checkpoint recorded")
	return nil
}

// Get returns the checkpoint for one delivery, or nil when no purge has
// ever touched it.
func (r *CheckpointRepository) Get(route string, delivery time.Time) (*domain.PurgeCheckpoint, error) {
	row := r.db.QueryRow(`
		SELECT route_number, delivery_date, status, event_id, details, recorded_at
		FROM purge_checkpoints
		WHERE route_number = ? AND delivery_date = ?`,
		route, domain.FormatDate(delivery))

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query purge checkpoint: %w", err)
	}
	return cp, nil
}

// CompletedDates returns the delivery dates already erased for a route,
// keyed by formatted date.
func (r *CheckpointRepository) CompletedDates(route string) (map[string]bool, error) {
	rows, err := r.db.Query(`
		SELECT delivery_date FROM purge_checkpoints
		WHERE route_number = ? AND status = ?`,
		route, string(domain.PurgeCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed checkpoints: %w", err)
	}
	defer rows.Close()

	completed := make(map[string]bool)
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint date: %w", err)
		}
		completed[date] = true
	}
	return completed, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (*domain.PurgeCheckpoint, error) {
	var cp domain.PurgeCheckpoint
	var status string
	var delivery string
	var recordedAt int64
	err := row.Scan(&cp.RouteNumber, &delivery, &status, &cp.EventID,
		&cp.Details, &recordedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := domain.ParseDate(delivery)
	if err != nil {
		return nil, fmt.Errorf("bad delivery date %q: %w", delivery, err)
	}
	cp.DeliveryDate = parsed
	cp.Status = domain.PurgeCheckpointStatus(status)
	cp.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return &cp, nil
}

// Package snapshots drives the weekly walk-forward snapshot cadence:
// it decides when a route's backtest scorecard is stale, reruns the
// backtester, and records the outcome per route.
package snapshots

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

// Repository persists per-route refresh state rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new snapshot state repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// Upsert writes the refresh state for a route, replacing any prior row.
func (r *Repository) Upsert(state domain.RefreshState) error {
	_, err := r.db.Exec(`
		INSERT INTO refresh_state (route_number, last_refreshed_at, last_status,
			last_fold_count, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(route_number) DO UPDATE SET
			last_refreshed_at = excluded.last_refreshed_at,
			last_status = excluded.last_status,
			last_fold_count = excluded.last_fold_count,
			last_error = excluded.last_error`,
		state.RouteNumber,
		state.LastRefreshedAt.Unix(),
		state.LastStatus,
		state.LastFoldCount,
		state.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert refresh state: %w", err)
	}

	r.log.Debug().
		Str("route", state.RouteNumber).
		Str("status", state.LastStatus).
		Int("folds", state.LastFoldCount).
		Msg("Refresh state recorded")
	return nil
}

// Get returns the refresh state for a route, or nil when the route has
// never been refreshed.
func (r *Repository) Get(routeNumber string) (*domain.RefreshState, error) {
	row := r.db.QueryRow(`
		SELECT route_number, last_refreshed_at, last_status, last_fold_count, last_error
		FROM refresh_state WHERE route_number = ?`, routeNumber)

	state, err := scanRefreshState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh state: %w", err)
	}
	return state, nil
}

// All returns the refresh state for every route, ordered by route number.
func (r *Repository) All() ([]domain.RefreshState, error) {
	rows, err := r.db.Query(`
		SELECT route_number, last_refreshed_at, last_status, last_fold_count, last_error
		FROM refresh_state ORDER BY route_number ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh states: %w", err)
	}
	defer rows.Close()

	var states []domain.RefreshState
	for rows.Next() {
		state, err := scanRefreshState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh state: %w", err)
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRefreshState(row rowScanner) (*domain.RefreshState, error) {
	var state domain.RefreshState
	var refreshedAt int64
	err := row.Scan(&state.RouteNumber, &refreshedAt, &state.LastStatus,
		&state.LastFoldCount, &state.LastError)
	if err != nil {
		return nil, err
	}
	state.LastRefreshedAt = time.Unix(refreshedAt, 0).UTC()
	return &state, nil
}

package forecast

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/routespark/routespark/internal/domain"
)

// ModelStore persists fitted regressors per (route, schedule) so restarts
// and backtest comparisons reuse the last trained model.
type ModelStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewModelStore creates a model snapshot store.
func NewModelStore(db *sql.DB, log zerolog.Logger) *ModelStore {
	return &ModelStore{
		db:  db,
		log: log.With().Str("repo", "model_store").Logger(),
	}
}

// Save encodes and upserts the model snapshot.
func (s *ModelStore) Save(route, schedule string, mode domain.ForecastMode, model *GBMRegressor, trainedAt time.Time) error {
	payload, err := msgpack.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to encode model snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO model_snapshots (route_number, schedule_key, mode, payload, trained_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(route_number, schedule_key) DO UPDATE SET
			mode = excluded.mode,
			payload = excluded.payload,
			trained_at = excluded.trained_at`,
		route, schedule, string(mode), payload, trainedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save model snapshot: %w", err)
	}

	s.log.Info().
		Str("route", route).
		Str("schedule", schedule).
		Str("mode", string(mode)).
		Int("stumps", len(model.Stumps)).
		Int("bytes", len(payload)).
		Msg("Model snapshot saved")
	return nil
}

// Load decodes the snapshot for (route, schedule), or returns nil when no
// model has been trained yet.
func (s *ModelStore) Load(route, schedule string) (*GBMRegressor, domain.ForecastMode, error) {
	var mode string
	var payload []byte
	err := s.db.QueryRow(
		"SELECT mode, payload FROM model_snapshots WHERE route_number = ? AND schedule_key = ?",
		route, schedule,
	).Scan(&mode, &payload)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load model snapshot: %w", err)
	}

	var model GBMRegressor
	if err := msgpack.Unmarshal(payload, &model); err != nil {
		return nil, "", fmt.Errorf("failed to decode model snapshot: %w", err)
	}
	return &model, domain.ForecastMode(mode), nil
}

// HasTrainedModel reports whether any schedule of the route has a snapshot.
func (s *ModelStore) HasTrainedModel(route string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM model_snapshots WHERE route_number = ?", route,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count model snapshots: %w", err)
	}
	return count > 0, nil
}

// TrainedAt returns the snapshot training time for (route, schedule), or
// nil when absent.
func (s *ModelStore) TrainedAt(route, schedule string) (*time.Time, error) {
	var ts int64
	err := s.db.QueryRow(
		"SELECT trained_at FROM model_snapshots WHERE route_number = ? AND schedule_key = ?",
		route, schedule,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query model snapshot time: %w", err)
	}
	t := time.Unix(ts, 0).UTC()
	return &t, nil
}

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/database"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/forecastcache"
	"github.com/routespark/routespark/internal/modules/orders"
	"github.com/routespark/routespark/internal/modules/schedule"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

func TestWALCheckpointJob(t *testing.T) {
	stateDB, cleanupState := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanupState)
	docsDB, cleanupDocs := testingpkg.NewTestDB(t, "docs")
	t.Cleanup(cleanupDocs)

	job := NewWALCheckpointJob(map[string]*database.DB{
		"state": stateDB,
		"docs":  docsDB,
		"none":  nil,
	}, zerolog.Nop())

	assert.Equal(t, "wal_checkpoint", job.Name())
	require.NoError(t, job.Run())
}

func TestVacuumJobSkipsTheLedger(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "orders.db")
	ledgerDB, err := database.New(database.Config{
		Path:    ledgerPath,
		Profile: database.ProfileLedger,
		Name:    "orders",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ledgerDB.Close()
		_ = os.Remove(ledgerPath)
	})

	stateDB, cleanupState := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanupState)

	job := NewVacuumJob(map[string]*database.DB{
		"orders": ledgerDB,
		"state":  stateDB,
	}, zerolog.Nop())

	assert.Equal(t, "vacuum", job.Name())
	require.NoError(t, job.Run())
}

func TestIntegrityCheckJob(t *testing.T) {
	ordersDB, cleanupOrders := testingpkg.NewTestDB(t, "orders")
	t.Cleanup(cleanupOrders)
	stateDB, cleanupState := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanupState)

	job := NewIntegrityCheckJob(map[string]*database.DB{
		"orders": ordersDB,
		"state":  stateDB,
		"none":   nil,
	}, zerolog.Nop())

	assert.Equal(t, "integrity_check", job.Name())
	require.NoError(t, job.Run())
}

func TestForecastSweepJob(t *testing.T) {
	ctx := context.Background()

	ordersDB, cleanupOrders := testingpkg.NewTestDB(t, "orders")
	t.Cleanup(cleanupOrders)
	docsDB, cleanupDocs := testingpkg.NewTestDB(t, "docs")
	t.Cleanup(cleanupDocs)

	clk := clock.NewFixedClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	docs := docstore.New(docsDB.Conn(), clk, zerolog.Nop())
	ordersRepo := orders.NewOrdersRepository(ordersDB.Conn(), zerolog.Nop())
	cache := forecastcache.New(docs, ordersRepo, clk, zerolog.Nop())

	payload := func(id string, expires time.Time) domain.ForecastPayload {
		return domain.ForecastPayload{
			ForecastID:   id,
			RouteNumber:  "508",
			DeliveryDate: domain.MustParseDate("2025-06-05"),
			ScheduleKey:  "monday",
			GeneratedAt:  expires.Add(-72 * time.Hour),
			ExpiresAt:    expires,
		}
	}
	// Expired well past the grace, expired within it, and still live.
	require.NoError(t, docs.Set(ctx, docstore.ColForecasts, "fc-stale",
		payload("fc-stale", domain.MustParseDate("2025-05-20"))))
	require.NoError(t, docs.Set(ctx, docstore.ColForecasts, "fc-recent",
		payload("fc-recent", time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC))))
	require.NoError(t, docs.Set(ctx, docstore.ColForecasts, "fc-live",
		payload("fc-live", time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC))))

	job := NewForecastSweepJob(cache, 24*time.Hour, zerolog.Nop())
	assert.Equal(t, "forecast_sweep", job.Name())
	require.NoError(t, job.Run())

	for id, want := range map[string]bool{"fc-stale": false, "fc-recent": true, "fc-live": true} {
		exists, err := docs.Exists(ctx, docstore.ColForecasts, id)
		require.NoError(t, err)
		assert.Equal(t, want, exists, id)
	}
}

type sweepCalibrator struct {
	mu      sync.Mutex
	failFor string
	called  []string
}

func (s *sweepCalibrator) CalibrateRouteIfDue(route string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called = append(s.called, route)
	if route == s.failFor {
		return errors.New("not enough observations")
	}
	return nil
}

func (s *sweepCalibrator) routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.called...)
}

func TestCalibrationSweepJob(t *testing.T) {
	ctx := context.Background()

	docsDB, cleanupDocs := testingpkg.NewTestDB(t, "docs")
	t.Cleanup(cleanupDocs)
	ordersDB, cleanupOrders := testingpkg.NewTestDB(t, "orders")
	t.Cleanup(cleanupOrders)

	clk := clock.NewFixedClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	docs := docstore.New(docsDB.Conn(), clk, zerolog.Nop())
	require.NoError(t, docs.Set(ctx, docstore.ColRoutes, "508", testingpkg.NewRoute("508")))
	require.NoError(t, docs.Set(ctx, docstore.ColRoutes, "731", testingpkg.NewRoute("731")))
	paused := testingpkg.NewRoute("900")
	paused.Synced = false
	require.NoError(t, docs.Set(ctx, docstore.ColRoutes, "900", paused))

	ordersRepo := orders.NewOrdersRepository(ordersDB.Conn(), zerolog.Nop())
	routes := schedule.NewService(docs, ordersRepo, zerolog.Nop())

	calibrator := &sweepCalibrator{failFor: "508"}
	job := NewCalibrationSweepJob(routes, calibrator, zerolog.Nop())

	assert.Equal(t, "calibration_sweep", job.Name())
	// A route that fails to calibrate does not stop the sweep.
	require.NoError(t, job.Run())
	assert.Equal(t, []string{"508", "731"}, calibrator.routes())
}

package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/backtest"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

type stubRunner struct {
	result  *backtest.RouteResult
	runErr  error
	saveErr error
	runs    int
	saved   []*backtest.Scorecard
}

func (s *stubRunner) RunRoute(ctx context.Context, route *domain.Route) (*backtest.RouteResult, error) {
	s.runs++
	if s.runErr != nil {
		return nil, s.runErr
	}
	return s.result, nil
}

func (s *stubRunner) SaveScorecard(ctx context.Context, sc *backtest.Scorecard) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, sc)
	return nil
}

type serviceFixture struct {
	repo    *Repository
	runner  *stubRunner
	clk     *clock.FixedClock
	service *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanup)

	clk := clock.NewFixedClock(time.Date(2025, 6, 9, 4, 0, 0, 0, time.UTC))
	repo := NewRepository(db.Conn(), zerolog.Nop())
	runner := &stubRunner{result: &backtest.RouteResult{
		RouteNumber: "508",
		GeneratedAt: clk.Now(),
		Folds:       make([]backtest.FoldResult, 3),
	}}
	service := NewService(repo, runner, clk, config.CalibrationConfig{MinDaysBetweenRuns: 7}, zerolog.Nop())
	return &serviceFixture{repo: repo, runner: runner, clk: clk, service: service}
}

func (f *serviceFixture) seedState(t *testing.T, refreshedAt time.Time) {
	t.Helper()
	require.NoError(t, f.repo.Upsert(domain.RefreshState{
		RouteNumber:     "508",
		LastRefreshedAt: refreshedAt,
		LastStatus:      StatusOK,
		LastFoldCount:   9,
	}))
}

func TestServiceRunIfDue(t *testing.T) {
	route := testingpkg.NewRoute("508")

	t.Run("first run has no state and executes", func(t *testing.T) {
		f := newServiceFixture(t)

		ran, err := f.service.RunIfDue(context.Background(), &route, false)
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, 1, f.runner.runs)
		require.Len(t, f.runner.saved, 1)
		assert.Equal(t, "508", f.runner.saved[0].RouteNumber)

		state, err := f.repo.Get("508")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, StatusOK, state.LastStatus)
		assert.Equal(t, 3, state.LastFoldCount)
		assert.True(t, state.LastRefreshedAt.Equal(f.clk.Now()))
		assert.Empty(t, state.LastError)
	})

	t.Run("fresh snapshot skips the run", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedState(t, f.clk.Now().AddDate(0, 0, -3))

		ran, err := f.service.RunIfDue(context.Background(), &route, false)
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Equal(t, 0, f.runner.runs)
	})

	t.Run("stale snapshot reruns", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedState(t, f.clk.Now().AddDate(0, 0, -8))

		ran, err := f.service.RunIfDue(context.Background(), &route, false)
		require.NoError(t, err)
		assert.True(t, ran)

		state, err := f.repo.Get("508")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.True(t, state.LastRefreshedAt.Equal(f.clk.Now()))
		assert.Equal(t, 3, state.LastFoldCount)
	})

	t.Run("cadence boundary counts as due", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedState(t, f.clk.Now().AddDate(0, 0, -7))

		ran, err := f.service.RunIfDue(context.Background(), &route, false)
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("force bypasses the cadence", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedState(t, f.clk.Now().AddDate(0, 0, -1))

		ran, err := f.service.RunIfDue(context.Background(), &route, true)
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, 1, f.runner.runs)
	})

	t.Run("run failure records the attempt", func(t *testing.T) {
		f := newServiceFixture(t)
		f.runner.runErr = errors.New("no trainable rows")

		ran, err := f.service.RunIfDue(context.Background(), &route, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to run backtest snapshot")
		assert.False(t, ran)

		state, err := f.repo.Get("508")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, StatusFailed, state.LastStatus)
		assert.Equal(t, "no trainable rows", state.LastError)
		assert.Equal(t, 0, state.LastFoldCount)
		assert.True(t, state.LastRefreshedAt.Equal(f.clk.Now()))

		// The failed attempt consumes the cadence window.
		ran, err = f.service.RunIfDue(context.Background(), &route, false)
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Equal(t, 1, f.runner.runs)
	})

	t.Run("scorecard save failure records the attempt", func(t *testing.T) {
		f := newServiceFixture(t)
		f.runner.saveErr = errors.New("disk full")

		ran, err := f.service.RunIfDue(context.Background(), &route, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to store snapshot scorecard")
		assert.False(t, ran)

		state, err := f.repo.Get("508")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, StatusFailed, state.LastStatus)
		assert.Equal(t, "disk full", state.LastError)
	})
}

func TestServiceStates(t *testing.T) {
	f := newServiceFixture(t)
	f.seedState(t, f.clk.Now().AddDate(0, 0, -2))

	states, err := f.service.States()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "508", states[0].RouteNumber)
	assert.Equal(t, StatusOK, states[0].LastStatus)
}

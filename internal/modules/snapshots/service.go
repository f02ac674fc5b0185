package snapshots

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/backtest"
)

// Refresh outcome recorded in refresh_state.last_status.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// BacktestRunner runs walk-forward folds for a route and persists the
// resulting scorecard. Satisfied by backtest.Runner.
type BacktestRunner interface {
	RunRoute(ctx context.Context, route *domain.Route) (*backtest.RouteResult, error)
	SaveScorecard(ctx context.Context, sc *backtest.Scorecard) error
}

// Service refreshes route scorecards on a weekly cadence. A route is due
// when its last refresh is older than the calibration run spacing; a
// forced refresh (after a retrain) bypasses the cadence check.
type Service struct {
	repo   *Repository
	runner BacktestRunner
	clk    clock.Clock
	cfg    config.CalibrationConfig
	log    zerolog.Logger
}

// NewService creates a new snapshot service.
func NewService(repo *Repository, runner BacktestRunner, clk clock.Clock, cfg config.CalibrationConfig, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		runner: runner,
		clk:    clk,
		cfg:    cfg,
		log:    log.With().Str("service", "snapshots").Logger(),
	}
}

// RunIfDue reruns the backtester for the route when its snapshot is stale
// or force is set. It reports whether a run happened. Failures are
// recorded in the refresh state with the attempt time, so a broken route
// waits out the cadence window instead of rerunning every tick.
func (s *Service) RunIfDue(ctx context.Context, route *domain.Route, force bool) (bool, error) {
	now := s.clk.Now()
	if !force {
		state, err := s.repo.Get(route.Number)
		if err != nil {
			return false, err
		}
		minAge := time.Duration(s.cfg.MinDaysBetweenRuns) * 24 * time.Hour
		if state != nil && now.Sub(state.LastRefreshedAt) < minAge {
			return false, nil
		}
	}

	result, err := s.runner.RunRoute(ctx, route)
	if err != nil {
		s.recordFailure(route.Number, now, err)
		return false, fmt.Errorf("failed to run backtest snapshot: %w", err)
	}
	if err := s.runner.SaveScorecard(ctx, result.Scorecard()); err != nil {
		s.recordFailure(route.Number, now, err)
		return false, fmt.Errorf("failed to store snapshot scorecard: %w", err)
	}

	if err := s.repo.Upsert(domain.RefreshState{
		RouteNumber:     route.Number,
		LastRefreshedAt: now,
		LastStatus:      StatusOK,
		LastFoldCount:   result.FoldCount(),
	}); err != nil {
		return true, err
	}

	s.log.Info().
		Str("route", route.Number).
		Int("folds", result.FoldCount()).
		Bool("forced", force).
		Msg("Snapshot refreshed")
	return true, nil
}

// States returns the refresh state of every route for status reporting.
func (s *Service) States() ([]domain.RefreshState, error) {
	return s.repo.All()
}

func (s *Service) recordFailure(route string, now time.Time, cause error) {
	err := s.repo.Upsert(domain.RefreshState{
		RouteNumber:     route,
		LastRefreshedAt: now,
		LastStatus:      StatusFailed,
		LastError:       cause.Error(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("route", route).Msg("Failed to record snapshot failure")
	}
}

// Package backtest replays each route's finalized order history as
// walk-forward folds, scoring what the forecaster would have recommended
// against what the operator actually submitted.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/calibration"
	"github.com/routespark/routespark/internal/modules/features"
	"github.com/routespark/routespark/internal/modules/forecast"
	"github.com/routespark/routespark/internal/modules/orders"
	"github.com/routespark/routespark/internal/modules/schedule"
)

// Runner generates and scores walk-forward folds. Each fold rebuilds the
// production pipeline at a historical cutoff: same branch selector, same
// feature frame, same band calibration.
type Runner struct {
	orders      *orders.OrdersRepository
	corrections *orders.CorrectionsRepository
	bands       *calibration.Repository
	builder     *features.Builder
	docs        *docstore.Store
	clk         clock.Clock
	cfg         config.BacktestConfig
	forecastCfg config.ForecastConfig
	interval    string
	log         zerolog.Logger
}

// NewRunner creates a walk-forward backtest runner.
func NewRunner(
	ordersRepo *orders.OrdersRepository,
	correctionsRepo *orders.CorrectionsRepository,
	bandRepo *calibration.Repository,
	builder *features.Builder,
	docs *docstore.Store,
	clk clock.Clock,
	cfg config.BacktestConfig,
	forecastCfg config.ForecastConfig,
	calibrationCfg config.CalibrationConfig,
	log zerolog.Logger,
) *Runner {
	return &Runner{
		orders:      ordersRepo,
		corrections: correctionsRepo,
		bands:       bandRepo,
		builder:     builder,
		docs:        docs,
		clk:         clk,
		cfg:         cfg,
		forecastCfg: forecastCfg,
		interval:    calibrationCfg.IntervalName,
		log:         log.With().Str("service", "backtest").Logger(),
	}
}

// RouteResult is one route's full walk-forward run: every scored fold
// plus the per-schedule rollup.
type RouteResult struct {
	RouteNumber string
	GeneratedAt time.Time
	Folds       []FoldResult
	Schedules   []ScheduleScore
	Summary     RouteSummary
}

// FoldCount returns the number of scored folds across all schedules.
func (r *RouteResult) FoldCount() int { return len(r.Folds) }

// RunRoute folds every active schedule of the route. Schedules with at
// most min_train_orders finalized orders produce no folds.
func (r *Runner) RunRoute(ctx context.Context, route *domain.Route) (*RouteResult, error) {
	all, err := r.orders.AllFinalized(route.Number, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}
	bySchedule := groupBySchedule(all)

	keys := make([]string, 0, len(bySchedule))
	for key := range bySchedule {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := &RouteResult{
		RouteNumber: route.Number,
		GeneratedAt: r.clk.Now(),
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cycle := schedule.CycleForKey(route, key)
		if cycle == nil {
			r.log.Debug().
				Str("route", route.Number).
				Str("schedule", key).
				Msg("No active cycle for schedule, skipping folds")
			continue
		}
		folds, err := r.foldSchedule(ctx, route, key, *cycle, bySchedule, all)
		if err != nil {
			return nil, err
		}
		result.Folds = append(result.Folds, folds...)
	}

	result.Schedules = aggregateSchedules(result.Folds)
	result.Summary = summarize(result.Schedules)

	r.log.Info().
		Str("route", route.Number).
		Int("orders", len(all)).
		Int("folds", len(result.Folds)).
		Int("schedules", len(result.Schedules)).
		Msg("Backtest complete")
	return result, nil
}

// RunAll backtests routes with bounded parallelism, persisting each
// scorecard. A route that fails is logged and skipped so one broken
// history cannot sink the sweep.
func (r *Runner) RunAll(ctx context.Context, routes []*domain.Route) ([]*RouteResult, error) {
	limit := r.cfg.Parallelism
	if limit <= 0 {
		limit = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	results := make([]*RouteResult, 0, len(routes))
	for _, route := range routes {
		route := route
		g.Go(func() error {
			result, err := r.RunRoute(ctx, route)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Error().Err(err).Str("route", route.Number).Msg("Backtest failed")
				return nil
			}
			if err := r.SaveScorecard(ctx, result.Scorecard()); err != nil {
				r.log.Error().Err(err).Str("route", route.Number).Msg("Scorecard save failed")
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].RouteNumber < results[j].RouteNumber
	})
	return results, nil
}

// foldSchedule walks one schedule's history. Fold k trains on everything
// delivered strictly before the k-th order's delivery date and predicts
// that order.
func (r *Runner) foldSchedule(ctx context.Context, route *domain.Route, key string, cycle domain.OrderCycle, bySchedule map[string][]domain.Order, all []domain.Order) ([]FoldResult, error) {
	history := bySchedule[key]
	n := len(history)
	if n <= r.cfg.MinTrainOrders {
		return nil, nil
	}

	startK := r.cfg.MinTrainOrders
	if n-startK > r.cfg.MaxFolds {
		startK = n - r.cfg.MaxFolds
	}

	band, err := r.bands.GetBand(route.Number, key, r.interval)
	if err != nil {
		return nil, err
	}
	sources, err := r.bands.SourcesFor(route.Number, key, r.interval)
	if err != nil {
		return nil, err
	}

	now := r.clk.Now()
	invalid := schedule.HasInvalidCycle(route)
	ambiguous := schedule.IsAmbiguous(route)
	leadTime := schedule.LeadTimeDays(cycle)

	var folds []FoldResult
	for k := startK; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := history[k]
		cutoff := target.DeliveryDate

		train := history[:k]
		for len(train) > 0 && !train[len(train)-1].DeliveryDate.Before(cutoff) {
			train = train[:len(train)-1]
		}
		if len(train) == 0 {
			continue
		}

		corrCutoff := cutoff
		if r.cfg.LegacyCorrections {
			corrCutoff = now
		}
		corrected, err := r.corrections.CountCorrectedOrders(route.Number, key, corrCutoff)
		if err != nil {
			return nil, err
		}

		sel := forecast.SelectMode(r.forecastCfg, forecast.SelectorInput{
			ScheduleOrders:    len(train),
			CorrectedOrders:   corrected,
			PerScheduleOrders: countBefore(bySchedule, cutoff),
			InvalidCycles:     invalid,
			AmbiguousCycles:   ambiguous,
		})

		trainOrders := train
		aggScope := key
		if sel.Mode == domain.ModeStoreCentric {
			trainOrders = ordersBefore(all, cutoff)
			aggScope = ""
		}
		aggs, err := r.corrections.AggregatesUpTo(route.Number, aggScope, corrCutoff)
		if err != nil {
			return nil, err
		}

		meta := r.builder.PredictionRows(trainOrders, aggs, target.DeliveryDate, key,
			schedule.DaysToNextDelivery(route, target.DeliveryDate), leadTime)

		var items []domain.ForecastItem
		if sel.Mode == domain.ModeCopyLastOrder {
			items = cloneItems(&train[len(train)-1])
		} else {
			items, err = r.modelItems(trainOrders, aggs, meta, sel.Mode)
			if err != nil {
				r.log.Debug().Err(err).
					Str("route", route.Number).
					Str("schedule", key).
					Int("fold", k).
					Msg("Fold model unfit, skipping")
				continue
			}
		}
		forecast.ApplyCalibration(items, band, sources)

		fold := scoreFold(key, k, target.DeliveryDate, sel.Mode, evalLines(items, &target, meta))
		fold.BaselineWAPE = baselineWAPE(&train[len(train)-1], &target)
		folds = append(folds, fold)
	}
	return folds, nil
}

// modelItems fits a fresh regressor on the fold's training history and
// predicts every (store, sap) pair in scope.
func (r *Runner) modelItems(trainOrders []domain.Order, aggs []domain.CorrectionAggregate, rows []features.Row, mode domain.ForecastMode) ([]domain.ForecastItem, error) {
	frame := r.builder.TrainingFrame(trainOrders, aggs)
	if frame.Len() == 0 {
		return nil, fmt.Errorf("no trainable rows")
	}
	reg := forecast.NewRegressor()
	if err := reg.Fit(frame.Rows); err != nil {
		return nil, err
	}

	items := make([]domain.ForecastItem, 0, len(rows))
	for _, row := range rows {
		pred := reg.Predict(row)
		source := domain.SourceScheduleAware
		if mode == domain.ModeStoreCentric {
			source = domain.SourceStoreCentric
		}
		if row.IsSlowMover {
			source = domain.SourceSlowIntermittent
		}
		items = append(items, domain.ForecastItem{
			StoreID:          row.StoreID,
			SAP:              row.SAP,
			RecommendedUnits: int(math.Round(pred.P50)),
			CasePack:         maxInt(row.CasePack, 1),
			P10:              pred.P10,
			P50:              pred.P50,
			P90:              pred.P90,
			Source:           source,
		})
	}
	return items, nil
}

// cloneItems mirrors the cold-start anchor: the previous order's pairs
// with a fixed +/-30% band.
func cloneItems(prev *domain.Order) []domain.ForecastItem {
	units := make(map[string]int)
	packs := make(map[string]int)
	var keys []string
	for _, line := range prev.Lines {
		k := line.StoreID + "|" + line.SAP
		if _, ok := units[k]; !ok {
			keys = append(keys, k)
		}
		units[k] += line.Units
		if line.CasePack > packs[k] {
			packs[k] = line.CasePack
		}
	}
	sort.Strings(keys)

	items := make([]domain.ForecastItem, 0, len(keys))
	for _, k := range keys {
		store, sap, _ := strings.Cut(k, "|")
		q := float64(units[k])
		items = append(items, domain.ForecastItem{
			StoreID:          store,
			SAP:              sap,
			RecommendedUnits: units[k],
			CasePack:         maxInt(packs[k], 1),
			P10:              math.Round(0.7 * q),
			P50:              q,
			P90:              math.Round(1.3 * q),
			Source:           domain.SourceLastOrderAnchor,
		})
	}
	return items
}

func groupBySchedule(all []domain.Order) map[string][]domain.Order {
	by := make(map[string][]domain.Order)
	for _, o := range all {
		by[o.ScheduleKey] = append(by[o.ScheduleKey], o)
	}
	return by
}

// countBefore counts each schedule's finalized orders delivered strictly
// before the cutoff.
func countBefore(bySchedule map[string][]domain.Order, cutoff time.Time) map[string]int {
	counts := make(map[string]int, len(bySchedule))
	for key, scheduleOrders := range bySchedule {
		n := 0
		for _, o := range scheduleOrders {
			if !o.DeliveryDate.Before(cutoff) {
				break
			}
			n++
		}
		counts[key] = n
	}
	return counts
}

// ordersBefore returns the prefix of the date-sorted history delivered
// strictly before the cutoff.
func ordersBefore(all []domain.Order, cutoff time.Time) []domain.Order {
	n := sort.Search(len(all), func(i int) bool {
		return !all[i].DeliveryDate.Before(cutoff)
	})
	return all[:n]
}

// Package orchestrator drives the daily order cycle for every synced
// route. Each tick runs a fixed pipeline per route: check whether every
// active schedule ordered recently, publish the route's status document,
// retrain models once the cycle is complete, forecast the next unordered
// delivery, then hand off to calibration and the weekly scorecard.
// Routes are sequenced internally but fail independently of each other.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/modules/schedule"
)

const kickBuffer = 16

// RouteSource resolves routes and their upcoming deliveries. Satisfied
// by schedule.Service.
type RouteSource interface {
	ListRoutes(ctx context.Context) ([]domain.Route, error)
	GetRoute(ctx context.Context, number string) (*domain.Route, error)
	NextUnorderedDelivery(route *domain.Route, today time.Time) (*schedule.Delivery, error)
}

// OrdersReader answers the order-history questions the pipeline asks.
// Satisfied by orders.OrdersRepository.
type OrdersReader interface {
	HasOrderSince(route, schedule string, since time.Time) (bool, error)
	CountFinalized(route, schedule string) (int, error)
	FinalizedDeliveryDates(route, schedule string) ([]string, error)
}

// Engine trains models and generates forecasts. Satisfied by
// forecast.Engine.
type Engine interface {
	TrainRoute(route *domain.Route) (int, error)
	Generate(ctx context.Context, route *domain.Route, delivery schedule.Delivery) (*domain.ForecastPayload, error)
}

// ModelChecker reports whether a route has any trained model. Satisfied
// by forecast.ModelStore.
type ModelChecker interface {
	HasTrainedModel(route string) (bool, error)
}

// PayloadChecker reports whether a live forecast already covers a
// delivery. Satisfied by forecastcache.Cache.
type PayloadChecker interface {
	HasFresh(ctx context.Context, route string, date time.Time, schedule string) (bool, error)
}

// Calibrator is the per-route calibration hook. Satisfied by
// calibration.Calibrator. Nil disables the hook.
type Calibrator interface {
	CalibrateRouteIfDue(route string, force bool) error
}

// SnapshotRunner refreshes the weekly scorecard. Satisfied by
// snapshots.Service. Nil disables the refresh.
type SnapshotRunner interface {
	RunIfDue(ctx context.Context, route *domain.Route, force bool) (bool, error)
}

// Orchestrator ticks every synced route on a fixed interval and reacts
// to finalized orders by forecasting the route's next delivery early.
type Orchestrator struct {
	routes     RouteSource
	orders     OrdersReader
	engine     Engine
	models     ModelChecker
	payloads   PayloadChecker
	calibrator Calibrator
	snapshots  SnapshotRunner
	docs       *docstore.Store
	holidays   *clock.HolidaySet
	clk        clock.Clock
	events     *events.Manager
	cfg        config.RetrainConfig
	log        zerolog.Logger

	kick    chan string
	stop    chan struct{}
	stopped chan struct{}
}

// NewOrchestrator wires the pipeline. Wire OnOrderFinalized to the event
// bus separately so construction stays side-effect free.
func NewOrchestrator(routes RouteSource, orders OrdersReader, engine Engine, models ModelChecker, payloads PayloadChecker, calibrator Calibrator, snapshots SnapshotRunner, docs *docstore.Store, holidays *clock.HolidaySet, clk clock.Clock, eventManager *events.Manager, cfg config.RetrainConfig, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		routes:     routes,
		orders:     orders,
		engine:     engine,
		models:     models,
		payloads:   payloads,
		calibrator: calibrator,
		snapshots:  snapshots,
		docs:       docs,
		holidays:   holidays,
		clk:        clk,
		events:     eventManager,
		cfg:        cfg,
		log:        log.With().Str("service", "orchestrator").Logger(),
		kick:       make(chan string, kickBuffer),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run ticks all routes once at startup and then on the configured
// interval, serving kicks between ticks. Blocks until Stop is called or
// the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.stopped)

	interval := time.Duration(o.cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info().Dur("interval", interval).Msg("Orchestrator started")
	o.TickAll(ctx)

	for {
		select {
		case <-o.stop:
			o.log.Info().Msg("Orchestrator stopped")
			return
		case <-ctx.Done():
			o.log.Info().Msg("Orchestrator context canceled")
			return
		case <-ticker.C:
			o.TickAll(ctx)
		case route := <-o.kick:
			o.forecastRoute(ctx, route)
		}
	}
}

// Stop signals Run to exit and waits for the current tick to finish.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.stopped
}

// OnOrderFinalized nudges the loop to forecast the route's next
// delivery without waiting for the daily tick. The bus dispatches
// handlers on the emitter's goroutine, so the send never blocks; a full
// buffer drops the nudge and the next tick covers it.
func (o *Orchestrator) OnOrderFinalized(event *events.Event) {
	data, ok := event.GetTypedData().(*events.OrderFinalizedData)
	if !ok || data.RouteNumber == "" {
		return
	}
	select {
	case o.kick <- data.RouteNumber:
	default:
		o.log.Warn().Str("route", data.RouteNumber).Msg("Kick buffer full, waiting for the next tick")
	}
}

// TickAll runs the pipeline for every synced route. A failed route is
// logged and the sweep continues with the rest.
func (o *Orchestrator) TickAll(ctx context.Context) {
	routes, err := o.routes.ListRoutes(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to list routes for tick")
		return
	}

	ticked := 0
	for i := range routes {
		if !routes[i].Synced {
			continue
		}
		if err := o.tickRoute(ctx, &routes[i]); err != nil {
			o.log.Error().Err(err).Str("route", routes[i].Number).Msg("Route tick failed")
			continue
		}
		ticked++
	}
	o.log.Info().Int("routes", ticked).Msg("Tick finished")
}

// tickRoute runs the per-route pipeline in order: cycle check, status
// publish, retrain, forecast, calibration, scorecard. Only the first two
// steps abort the tick; training and forecasting failures leave the
// route on its previous models and payloads.
func (o *Orchestrator) tickRoute(ctx context.Context, route *domain.Route) error {
	started := o.clk.Now()
	log := o.log.With().Str("route", route.Number).Logger()

	missing, err := o.missingSchedules(route, started)
	if err != nil {
		return err
	}
	cycleComplete := len(missing) == 0
	if !cycleComplete {
		log.Debug().Strs("missing", missing).Msg("Order cycle incomplete")
	}

	if err := o.publishStatus(ctx, route, started); err != nil {
		return err
	}

	retrained := false
	schedulesTrained := 0
	if cycleComplete {
		eligible, err := o.trainingEligible(route)
		if err != nil {
			return err
		}
		if eligible {
			n, err := o.engine.TrainRoute(route)
			if err != nil {
				log.Warn().Err(err).Msg("Retrain failed")
			} else {
				retrained = true
				schedulesTrained = n
				log.Info().Int("schedules", n).Msg("Route retrained")
			}
		}
	}

	forecastWritten := o.forecastNext(ctx, route)

	if o.calibrator != nil {
		if err := o.calibrator.CalibrateRouteIfDue(route.Number, false); err != nil {
			log.Warn().Err(err).Msg("Calibration hook failed")
		}
	}

	if o.snapshots != nil {
		if _, err := o.snapshots.RunIfDue(ctx, route, schedulesTrained > 0); err != nil {
			log.Warn().Err(err).Msg("Scorecard refresh failed")
		}
	}

	if retrained && o.events != nil {
		o.events.EmitTyped(events.RetrainCompleted, "orchestrator", &events.RetrainCompletedData{
			RouteNumber:      route.Number,
			SchedulesTrained: schedulesTrained,
			ForecastWritten:  forecastWritten,
			DurationMS:       o.clk.Now().Sub(started).Milliseconds(),
		})
	}
	return nil
}

// missingSchedules returns the active schedule keys without any order
// inside the cycle window. Empty means the order cycle is complete.
func (o *Orchestrator) missingSchedules(route *domain.Route, now time.Time) ([]string, error) {
	cutoff := domain.TruncateToDate(now).AddDate(0, 0, -o.cfg.CycleWindowDays)

	var missing []string
	for _, key := range schedule.ActiveKeys(route) {
		ok, err := o.orders.HasOrderSince(route.Number, key, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s orders: %w", key, err)
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// publishStatus writes the route's public status document. The write
// happens on every tick so the document always reflects the latest
// counts, complete cycle or not.
func (o *Orchestrator) publishStatus(ctx context.Context, route *domain.Route, now time.Time) error {
	orderCount, err := o.orders.CountFinalized(route.Number, "")
	if err != nil {
		return fmt.Errorf("failed to count orders: %w", err)
	}
	hasModel, err := o.models.HasTrainedModel(route.Number)
	if err != nil {
		return fmt.Errorf("failed to check trained models: %w", err)
	}

	status := domain.RouteStatus{
		RouteNumber:       route.Number,
		OrderCount:        orderCount,
		MinOrdersRequired: o.cfg.MinOrdersForTraining,
		HasTrainedModel:   hasModel,
		LastUpdated:       now,
	}
	if err := o.docs.Set(ctx, docstore.ColRouteStatus, route.Number, status); err != nil {
		return fmt.Errorf("failed to publish route status: %w", err)
	}
	return nil
}

// trainingEligible reports whether every active schedule carries the
// minimum finalized order history. Holiday-week deliveries do not count
// toward the minimum since their demand is not representative.
func (o *Orchestrator) trainingEligible(route *domain.Route) (bool, error) {
	for _, key := range schedule.ActiveKeys(route) {
		dates, err := o.orders.FinalizedDeliveryDates(route.Number, key)
		if err != nil {
			return false, fmt.Errorf("failed to load %s delivery dates: %w", key, err)
		}
		count := 0
		for _, raw := range dates {
			day, err := domain.ParseDate(raw)
			if err != nil {
				continue
			}
			if !o.holidays.IsHolidayWeek(day) {
				count++
			}
		}
		if count < o.cfg.MinOrdersForTraining {
			return false, nil
		}
	}
	return true, nil
}

// forecastNext generates a forecast for the route's next unordered
// delivery unless a live payload already covers it. Reports whether a
// new payload was written. Failures are logged, never fatal: a route
// that cannot forecast today still calibrates and snapshots.
func (o *Orchestrator) forecastNext(ctx context.Context, route *domain.Route) bool {
	log := o.log.With().Str("route", route.Number).Logger()

	next, err := o.routes.NextUnorderedDelivery(route, o.clk.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve next delivery")
		return false
	}
	if next == nil {
		log.Debug().Msg("Every upcoming delivery is already ordered")
		return false
	}

	fresh, err := o.payloads.HasFresh(ctx, route.Number, next.Date, next.ScheduleKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check forecast freshness")
		return false
	}
	if fresh {
		log.Debug().Str("delivery", domain.FormatDate(next.Date)).Msg("Live forecast already covers the next delivery")
		return false
	}

	if _, err := o.engine.Generate(ctx, route, *next); err != nil {
		switch {
		case domain.IsCode(err, domain.ErrInsufficientHistory):
			log.Info().Str("schedule", next.ScheduleKey).Msg("Not enough history to forecast, order manually")
		case domain.IsCode(err, domain.ErrWholeCaseInvariant):
			log.Warn().Err(err).Str("delivery", domain.FormatDate(next.Date)).Msg("Whole-case rounding failed")
		default:
			log.Error().Err(err).Str("delivery", domain.FormatDate(next.Date)).Msg("Forecast generation failed")
		}
		return false
	}
	return true
}

// forecastRoute serves the order-finalized kick. The freshly ordered
// delivery unblocks the next one in the chain, so its forecast should
// not wait for the daily tick.
func (o *Orchestrator) forecastRoute(ctx context.Context, number string) {
	route, err := o.routes.GetRoute(ctx, number)
	if err != nil {
		o.log.Error().Err(err).Str("route", number).Msg("Failed to load kicked route")
		return
	}
	if route == nil || !route.Synced {
		return
	}
	o.forecastNext(ctx, route)
}

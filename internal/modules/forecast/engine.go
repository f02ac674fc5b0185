package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/modules/features"
	"github.com/routespark/routespark/internal/modules/schedule"
)

// anchorConfidence is the fixed confidence of cold-start forecasts. The
// last order is a strong prior but carries no model signal.
const anchorConfidence = 0.72

// OrdersReader is the order history surface the engine reads.
type OrdersReader interface {
	OrdersInWindow(route string, sinceDays int, schedule string, now time.Time) ([]domain.Order, error)
	CountFinalized(route, schedule string) (int, error)
	CountFinalizedPerSchedule(route string) (map[string]int, error)
	LastFinalized(route, schedule string) (*domain.Order, error)
}

// CorrectionsReader exposes driver-correction history to the engine.
type CorrectionsReader interface {
	CountCorrectedOrders(route, schedule string, cutoff time.Time) (int, error)
	AggregatesUpTo(route, schedule string, cutoff time.Time) ([]domain.CorrectionAggregate, error)
}

// BandReader loads calibration state for band application.
type BandReader interface {
	GetBand(route, schedule, interval string) (*domain.BandCalibration, error)
	SourcesFor(route, schedule, interval string) (map[domain.ForecastSource]domain.SourceCalibration, error)
}

// PayloadWriter persists a finished forecast. Put replaces any prior
// payload for the same (route, delivery, schedule) key.
type PayloadWriter interface {
	Put(ctx context.Context, payload *domain.ForecastPayload) error
}

// Engine produces order recommendations for upcoming deliveries.
type Engine struct {
	orders      OrdersReader
	corrections CorrectionsReader
	bands       BandReader
	models      *ModelStore
	builder     *features.Builder
	cache       PayloadWriter
	floors      FloorProvider
	clk         clock.Clock
	events      *events.Manager
	cfg         config.ForecastConfig
	interval    string
	log         zerolog.Logger
}

// NewEngine creates a new forecast engine.
func NewEngine(
	orders OrdersReader,
	corrections CorrectionsReader,
	bands BandReader,
	models *ModelStore,
	builder *features.Builder,
	cache PayloadWriter,
	clk clock.Clock,
	eventManager *events.Manager,
	forecastCfg config.ForecastConfig,
	calibrationCfg config.CalibrationConfig,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		orders:      orders,
		corrections: corrections,
		bands:       bands,
		models:      models,
		builder:     builder,
		cache:       cache,
		clk:         clk,
		events:      eventManager,
		cfg:         forecastCfg,
		interval:    calibrationCfg.IntervalName,
		log:         log.With().Str("service", "forecast_engine").Logger(),
	}
}

// SetFloorProvider wires the low-quantity expiry floor source. Optional;
// without it forecasts carry no floors.
func (e *Engine) SetFloorProvider(p FloorProvider) {
	e.floors = p
}

// Generate builds, calibrates, and persists the forecast for one delivery.
// The route must have at least one finalized order in the delivery's
// schedule; below that there is nothing to anchor on and the caller gets
// an insufficient-history error it can surface as "order manually".
func (e *Engine) Generate(ctx context.Context, route *domain.Route, delivery schedule.Delivery) (*domain.ForecastPayload, error) {
	key := delivery.ScheduleKey
	now := e.clk.Now()

	scheduleOrders, err := e.orders.CountFinalized(route.Number, key)
	if err != nil {
		return nil, err
	}
	if scheduleOrders == 0 {
		return nil, domain.NewError(domain.ErrInsufficientHistory,
			"route %s has no finalized %s orders", route.Number, key)
	}

	corrected, err := e.corrections.CountCorrectedOrders(route.Number, key, now)
	if err != nil {
		return nil, err
	}
	perSchedule, err := e.orders.CountFinalizedPerSchedule(route.Number)
	if err != nil {
		return nil, err
	}

	sel := SelectMode(e.cfg, SelectorInput{
		ScheduleOrders:    scheduleOrders,
		CorrectedOrders:   corrected,
		PerScheduleOrders: perSchedule,
		InvalidCycles:     schedule.HasInvalidCycle(route),
		AmbiguousCycles:   schedule.IsAmbiguous(route),
	})

	var items []domain.ForecastItem
	if sel.Mode == domain.ModeCopyLastOrder {
		items, err = e.anchorItems(route.Number, key)
	} else {
		items, err = e.modelItems(route, delivery, sel.Mode, now)
	}
	if err != nil {
		return nil, err
	}

	band, err := e.bands.GetBand(route.Number, key, e.interval)
	if err != nil {
		return nil, err
	}
	sources, err := e.bands.SourcesFor(route.Number, key, e.interval)
	if err != nil {
		return nil, err
	}
	ApplyCalibration(items, band, sources)

	daysUntilNext := schedule.DaysToNextDelivery(route, delivery.Date)
	var minTotals map[string]int
	if e.floors != nil {
		floors, err := e.floors.FloorsForRoute(ctx, route.Number)
		if err != nil {
			e.log.Warn().Err(err).Str("route", route.Number).
				Msg("Expiry floor lookup failed, forecasting without floors")
		} else {
			items, minTotals = ApplyExpiryFloors(items, floors, delivery.Date, daysUntilNext)
		}
	}

	if err := EnforceWholeCases(items, e.cfg.WholeCaseRoundUpThreshold, minTotals); err != nil {
		return nil, err
	}
	sortItems(items)

	payload := &domain.ForecastPayload{
		ForecastID:   uuid.NewString(),
		RouteNumber:  route.Number,
		DeliveryDate: delivery.Date,
		ScheduleKey:  key,
		Mode:         sel.Mode,
		GeneratedAt:  now,
		ExpiresAt:    now.Add(time.Duration(e.cfg.TTLHours) * time.Hour),
		Items:        items,
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, payload); err != nil {
			return nil, fmt.Errorf("failed to store forecast: %w", err)
		}
	}

	e.log.Info().
		Str("route", route.Number).
		Str("schedule", key).
		Str("delivery_date", domain.FormatDate(delivery.Date)).
		Str("mode", string(sel.Mode)).
		Str("reason", sel.Reason).
		Int("items", len(items)).
		Msg("Forecast generated")

	if e.events != nil {
		e.events.EmitTyped(events.ForecastGenerated, "forecast", &events.ForecastGeneratedData{
			RouteNumber:  route.Number,
			ScheduleKey:  key,
			DeliveryDate: domain.FormatDate(delivery.Date),
			ForecastID:   payload.ForecastID,
			ItemCount:    len(items),
			Mode:         string(sel.Mode),
			Confidence:   meanConfidence(items),
		})
	}
	return payload, nil
}

// TrainRoute refits and snapshots the model for every active schedule that
// currently resolves to a model branch. Returns how many schedules were
// trained; cold-start schedules are skipped, not errors.
func (e *Engine) TrainRoute(route *domain.Route) (int, error) {
	now := e.clk.Now()
	perSchedule, err := e.orders.CountFinalizedPerSchedule(route.Number)
	if err != nil {
		return 0, err
	}

	invalid := schedule.HasInvalidCycle(route)
	ambiguous := schedule.IsAmbiguous(route)

	trained := 0
	for _, key := range schedule.ActiveKeys(route) {
		corrected, err := e.corrections.CountCorrectedOrders(route.Number, key, now)
		if err != nil {
			return trained, err
		}

		sel := SelectMode(e.cfg, SelectorInput{
			ScheduleOrders:    perSchedule[key],
			CorrectedOrders:   corrected,
			PerScheduleOrders: perSchedule,
			InvalidCycles:     invalid,
			AmbiguousCycles:   ambiguous,
		})
		if sel.Mode == domain.ModeCopyLastOrder {
			continue
		}

		model, _, err := e.fitModel(route.Number, key, sel.Mode, now)
		if err != nil {
			if domain.IsCode(err, domain.ErrInsufficientHistory) {
				continue
			}
			return trained, err
		}
		if err := e.models.Save(route.Number, key, sel.Mode, model, now); err != nil {
			return trained, err
		}
		trained++
	}
	return trained, nil
}

// anchorItems clones the most recent finalized order of the schedule as
// the recommendation, with a fixed ±30% band around each quantity.
func (e *Engine) anchorItems(route, key string) ([]domain.ForecastItem, error) {
	last, err := e.orders.LastFinalized(route, key)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, domain.NewError(domain.ErrInsufficientHistory,
			"route %s has no finalized %s order to anchor on", route, key)
	}

	items := make([]domain.ForecastItem, 0, len(last.Lines))
	for _, line := range last.Lines {
		prior := line.Units
		q := float64(line.Units)
		items = append(items, domain.ForecastItem{
			StoreID:          line.StoreID,
			SAP:              line.SAP,
			RecommendedUnits: line.Units,
			CasePack:         maxInt(line.CasePack, 1),
			P10:              math.Round(0.7 * q),
			P50:              q,
			P90:              math.Round(1.3 * q),
			Promo:            line.Promo,
			Confidence:       anchorConfidence,
			Source:           domain.SourceLastOrderAnchor,
			PriorOrderUnits:  &prior,
		})
	}
	return items, nil
}

// modelItems fits the branch model on lookback history and predicts every
// (store, sap) pair in scope for the delivery.
func (e *Engine) modelItems(route *domain.Route, delivery schedule.Delivery, mode domain.ForecastMode, now time.Time) ([]domain.ForecastItem, error) {
	key := delivery.ScheduleKey

	model, hist, err := e.fitModel(route.Number, key, mode, now)
	if err != nil {
		return nil, err
	}
	if err := e.models.Save(route.Number, key, mode, model, now); err != nil {
		e.log.Warn().Err(err).Str("route", route.Number).Str("schedule", key).
			Msg("Model snapshot save failed")
	}

	daysUntilNext := schedule.DaysToNextDelivery(route, delivery.Date)
	leadTime := schedule.LeadTimeDays(delivery.Cycle)
	rows := e.builder.PredictionRows(hist.orders, hist.aggregates, delivery.Date, key, daysUntilNext, leadTime)

	source := domain.SourceScheduleAware
	if mode == domain.ModeStoreCentric {
		source = domain.SourceStoreCentric
	}

	items := make([]domain.ForecastItem, 0, len(rows))
	for _, row := range rows {
		pred := model.Predict(row)
		src := source
		if row.IsSlowMover {
			src = domain.SourceSlowIntermittent
		}
		items = append(items, domain.ForecastItem{
			StoreID:          row.StoreID,
			SAP:              row.SAP,
			RecommendedUnits: int(math.Round(pred.P50)),
			CasePack:         maxInt(row.CasePack, 1),
			P10:              pred.P10,
			P50:              pred.P50,
			P90:              pred.P90,
			Promo:            row.PromoActive,
			Confidence:       pred.Confidence,
			Source:           src,
		})
	}
	return items, nil
}

// trainingHistory is the raw material a fitted model was built from, kept
// so prediction rows see the same orders and aggregates.
type trainingHistory struct {
	orders     []domain.Order
	aggregates []domain.CorrectionAggregate
}

// fitModel loads history for the branch scope and fits a fresh regressor.
// Store-centric training pools every schedule; schedule-aware stays inside
// the target schedule.
func (e *Engine) fitModel(route, key string, mode domain.ForecastMode, now time.Time) (*GBMRegressor, trainingHistory, error) {
	scope := key
	if mode == domain.ModeStoreCentric {
		scope = ""
	}

	orders, err := e.orders.OrdersInWindow(route, e.cfg.LookbackDays, scope, now)
	if err != nil {
		return nil, trainingHistory{}, err
	}
	aggs, err := e.corrections.AggregatesUpTo(route, scope, now)
	if err != nil {
		return nil, trainingHistory{}, err
	}

	frame := e.builder.TrainingFrame(orders, aggs)
	if frame.Len() == 0 {
		return nil, trainingHistory{}, domain.NewError(domain.ErrInsufficientHistory,
			"route %s %s has no trainable history", route, key)
	}

	model := NewRegressor()
	if err := model.Fit(frame.Rows); err != nil {
		return nil, trainingHistory{}, fmt.Errorf("failed to fit %s model: %w", mode, err)
	}
	return model, trainingHistory{orders: orders, aggregates: aggs}, nil
}

func sortItems(items []domain.ForecastItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].StoreID != items[j].StoreID {
			return items[i].StoreID < items[j].StoreID
		}
		return items[i].SAP < items[j].SAP
	})
}

func meanConfidence(items []domain.ForecastItem) float64 {
	if len(items) == 0 {
		return 0
	}
	sum := 0.0
	for _, item := range items {
		sum += item.Confidence
	}
	return sum / float64(len(items))
}

package orders

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
)

// Service is the ingestion boundary for orders. Finalizing an order
// persists it with its corrections, keeps the route document and derived
// caches current, and notifies downstream.
type Service struct {
	orders       *OrdersRepository
	corrections  *CorrectionsRepository
	shares       *SharesRepository
	allocations  *AllocationRepository
	docs         *docstore.Store
	events       *events.Manager
	clock        clock.Clock
	holidays     *clock.HolidaySet
	lookbackDays int
	log          zerolog.Logger
}

// NewService creates the orders service.
func NewService(
	ordersRepo *OrdersRepository,
	correctionsRepo *CorrectionsRepository,
	sharesRepo *SharesRepository,
	allocationRepo *AllocationRepository,
	docs *docstore.Store,
	eventManager *events.Manager,
	clk clock.Clock,
	holidays *clock.HolidaySet,
	lookbackDays int,
	log zerolog.Logger,
) *Service {
	return &Service{
		orders:       ordersRepo,
		corrections:  correctionsRepo,
		shares:       sharesRepo,
		allocations:  allocationRepo,
		docs:         docs,
		events:       eventManager,
		clock:        clk,
		holidays:     holidays,
		lookbackDays: lookbackDays,
		log:          log.With().Str("service", "orders").Logger(),
	}
}

// SaveDraft persists a draft order. Rewriting a finalized order back to
// draft is disallowed; status transitions are monotonic.
func (s *Service) SaveDraft(order *domain.Order) error {
	existing, err := s.orders.GetByID(order.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == domain.OrderStatusFinalized {
		return fmt.Errorf("order %s is finalized and immutable", order.ID)
	}

	if order.Status == "" {
		order.Status = domain.OrderStatusDraft
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.clock.Now()
	}
	return s.orders.SaveOrder(order)
}

// FinalizeOrder persists the order as finalized, derives corrections
// against the forecast that produced its draft, refreshes share and
// allocation caches, and emits an OrderFinalized event.
func (s *Service) FinalizeOrder(ctx context.Context, order *domain.Order) error {
	existing, err := s.orders.GetByID(order.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == domain.OrderStatusFinalized {
		return fmt.Errorf("order %s is already finalized", order.ID)
	}

	now := s.clock.Now()
	order.Status = domain.OrderStatusFinalized
	order.FinalizedAt = &now
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	corrections := s.buildCorrections(order)
	if err := s.orders.SaveOrder(order); err != nil {
		return err
	}
	if err := s.corrections.Save(corrections); err != nil {
		return err
	}

	if err := s.ensureRoute(ctx, order); err != nil {
		return err
	}

	// Derived caches are best-effort; a failure here must not undo the
	// finalization itself.
	if err := s.refreshDerivedState(order.RouteNumber, order.ScheduleKey); err != nil {
		s.log.Warn().Err(err).
			Str("route", order.RouteNumber).
			Str("schedule", order.ScheduleKey).
			Msg("Failed to refresh derived caches after finalize")
	}

	s.events.EmitTyped(events.OrderFinalized, "orders", &events.OrderFinalizedData{
		RouteNumber:  order.RouteNumber,
		OrderID:      order.ID,
		ScheduleKey:  order.ScheduleKey,
		DeliveryDate: domain.FormatDate(order.DeliveryDate),
		TotalUnits:   order.TotalUnits(),
		LineCount:    len(order.Lines),
	})

	s.log.Info().
		Str("order_id", order.ID).
		Str("route", order.RouteNumber).
		Str("schedule", order.ScheduleKey).
		Int("corrections", len(corrections)).
		Msg("Order finalized")
	return nil
}

// FinalizeByID loads a stored draft and finalizes it as-is.
func (s *Service) FinalizeByID(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order not found: %s", orderID)
	}
	return s.FinalizeOrder(ctx, order)
}

// buildCorrections compares final line units against forecasted units.
// Lines without a forecast context produce no correction.
func (s *Service) buildCorrections(order *domain.Order) []domain.Correction {
	if order.ForecastID == "" {
		return nil
	}

	now := s.clock.Now()
	holidayWeek := s.holidays.IsHolidayWeek(order.DeliveryDate)

	var corrections []domain.Correction
	for i := range order.Lines {
		line := &order.Lines[i]
		if line.ForecastedUnits == nil {
			continue
		}

		predicted := *line.ForecastedUnits
		line.UserAdjusted = predicted != line.Units

		delta, ratio := domain.NewCorrection(predicted, line.Units)
		corrections = append(corrections, domain.Correction{
			ForecastID:     order.ForecastID,
			OrderID:        order.ID,
			RouteNumber:    order.RouteNumber,
			ScheduleKey:    order.ScheduleKey,
			DeliveryDate:   order.DeliveryDate,
			StoreID:        line.StoreID,
			SAP:            line.SAP,
			PredictedUnits: predicted,
			FinalUnits:     line.Units,
			Delta:          delta,
			Ratio:          ratio,
			Removed:        line.Units == 0 && predicted > 0,
			Promo:          line.Promo,
			HolidayWeek:    holidayWeek,
			SubmittedAt:    now,
		})
	}
	return corrections
}

// ensureRoute creates the route document on the first finalized order and
// keeps its cycle list covering the schedules we have seen.
func (s *Service) ensureRoute(ctx context.Context, order *domain.Order) error {
	cycle := domain.OrderCycle{
		OrderDay:    clock.WeekdayNumber(order.OrderDate),
		LoadDay:     clock.WeekdayNumber(order.DeliveryDate),
		DeliveryDay: clock.WeekdayNumber(order.DeliveryDate),
	}

	var route domain.Route
	err := s.docs.Get(ctx, docstore.ColRoutes, order.RouteNumber, &route)
	if err == docstore.ErrNotFound {
		route = domain.Route{
			Number:    order.RouteNumber,
			Cycles:    []domain.OrderCycle{cycle},
			Timezone:  "UTC",
			StartDate: order.OrderDate,
			Synced:    true,
		}
		if err := s.docs.Set(ctx, docstore.ColRoutes, route.Number, &route); err != nil {
			return fmt.Errorf("failed to create route document: %w", err)
		}
		s.log.Info().Str("route", route.Number).Msg("Route created from first finalized order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load route document: %w", err)
	}

	for _, c := range route.Cycles {
		if c.OrderDay == cycle.OrderDay && c.DeliveryDay == cycle.DeliveryDay {
			return nil
		}
	}
	route.Cycles = append(route.Cycles, cycle)
	if err := s.docs.Set(ctx, docstore.ColRoutes, route.Number, &route); err != nil {
		return fmt.Errorf("failed to update route cycles: %w", err)
	}
	return nil
}

// refreshDerivedState recomputes share and allocation caches from the
// lookback window.
func (s *Service) refreshDerivedState(route, schedule string) error {
	now := s.clock.Now()

	scheduleOrders, err := s.orders.OrdersInWindow(route, s.lookbackDays, schedule, now)
	if err != nil {
		return err
	}
	shares := ComputeStoreItemShares(route, schedule, scheduleOrders)
	if err := s.shares.Upsert(shares, now); err != nil {
		return err
	}

	allOrders, err := s.orders.OrdersInWindow(route, s.lookbackDays, "", now)
	if err != nil {
		return err
	}
	allocations := ComputeItemAllocations(route, allOrders, now)
	return s.allocations.Upsert(allocations)
}

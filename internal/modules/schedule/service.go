package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
)

// scanHorizonDays bounds the next-delivery scan. Two weeks covers every
// weekly cycle with room for holiday skips.
const scanHorizonDays = 14

// Delivery is one resolved (delivery date, schedule) pair.
type Delivery struct {
	Date        time.Time
	ScheduleKey string
	Cycle       domain.OrderCycle
}

// OrderChecker answers whether a finalized order already covers a delivery.
type OrderChecker interface {
	HasFinalizedForDelivery(route, schedule string, delivery time.Time) (bool, error)
}

// Service resolves routes and their upcoming deliveries.
type Service struct {
	docs   *docstore.Store
	orders OrderChecker
	log    zerolog.Logger
}

// NewService creates a new schedule service.
func NewService(docs *docstore.Store, orders OrderChecker, log zerolog.Logger) *Service {
	return &Service{
		docs:   docs,
		orders: orders,
		log:    log.With().Str("service", "schedule").Logger(),
	}
}

// GetRoute loads a route document, or nil when the route is unknown.
func (s *Service) GetRoute(ctx context.Context, number string) (*domain.Route, error) {
	var route domain.Route
	err := s.docs.Get(ctx, docstore.ColRoutes, number, &route)
	if err == docstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route %s: %w", number, err)
	}
	return &route, nil
}

// ListRoutes streams every route document.
func (s *Service) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	docs, err := s.docs.List(ctx, docstore.ColRoutes)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	routes := make([]domain.Route, 0, len(docs))
	for _, doc := range docs {
		var route domain.Route
		if err := doc.Unmarshal(&route); err != nil {
			return nil, fmt.Errorf("failed to decode route %s: %w", doc.ID, err)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// NextUnorderedDelivery returns the soonest future delivery within the scan
// horizon that no finalized order covers yet, or nil when every upcoming
// delivery is already ordered. Returning at most one delivery keeps the
// forecast chain serial: the next forecast is generated only after the
// previous delivery's order lands.
func (s *Service) NextUnorderedDelivery(route *domain.Route, today time.Time) (*Delivery, error) {
	day := today.In(clock.RouteLocation(route.Timezone))
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	for i := 1; i <= scanHorizonDays; i++ {
		date := day.AddDate(0, 0, i)
		cycle := cycleForWeekday(route, clock.WeekdayNumber(date))
		if cycle == nil {
			continue
		}

		key := KeyForCycle(*cycle)
		ordered, err := s.orders.HasFinalizedForDelivery(route.Number, key, date)
		if err != nil {
			return nil, fmt.Errorf("failed to check orders for %s %s: %w", route.Number, domain.FormatDate(date), err)
		}
		if ordered {
			continue
		}

		s.log.Debug().
			Str("route", route.Number).
			Str("delivery_date", domain.FormatDate(date)).
			Str("schedule", key).
			Msg("Next unordered delivery resolved")
		return &Delivery{Date: date, ScheduleKey: key, Cycle: *cycle}, nil
	}
	return nil, nil
}

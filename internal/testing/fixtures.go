package testing

import (
	"fmt"
	"time"

	"github.com/routespark/routespark/internal/domain"
)

// Line builds an order line for fixtures.
func Line(storeID, sap string, units int) domain.LineItem {
	return domain.LineItem{
		StoreID:  storeID,
		SAP:      sap,
		Units:    units,
		CasePack: 1,
	}
}

// LineWithCasePack builds an order line with an explicit case pack.
func LineWithCasePack(storeID, sap string, units, casePack int) domain.LineItem {
	l := Line(storeID, sap, units)
	l.CasePack = casePack
	return l
}

// NewRoute builds a route fixture with the given cycles. The start date
// is pinned well in the past so date validations pass by default.
func NewRoute(number string, cycles ...domain.OrderCycle) domain.Route {
	if len(cycles) == 0 {
		// Order Monday, load Tuesday, deliver Thursday.
		cycles = []domain.OrderCycle{{OrderDay: 1, LoadDay: 2, DeliveryDay: 4}}
	}
	return domain.Route{
		Number:    number,
		OwnerUID:  "user-" + number,
		Cycles:    cycles,
		Timezone:  "UTC",
		StartDate: domain.MustParseDate("2020-01-01"),
		Synced:    true,
	}
}

// NewFinalizedOrder builds a finalized order fixture. The order date is
// three days before delivery and finalization happens on the order date.
func NewFinalizedOrder(route, schedule, delivery string, lines ...domain.LineItem) domain.Order {
	deliveryDate := domain.MustParseDate(delivery)
	orderDate := deliveryDate.AddDate(0, 0, -3)
	finalizedAt := orderDate.Add(18 * time.Hour)

	if len(lines) == 0 {
		lines = []domain.LineItem{Line("store-1", "10001", 6)}
	}

	return domain.Order{
		ID:           fmt.Sprintf("%s-%s-%s", route, schedule, delivery),
		RouteNumber:  route,
		ScheduleKey:  schedule,
		DeliveryDate: deliveryDate,
		OrderDate:    orderDate,
		Status:       domain.OrderStatusFinalized,
		CreatedAt:    orderDate,
		FinalizedAt:  &finalizedAt,
		Lines:        lines,
	}
}

// NewDraftOrder builds a draft order fixture.
func NewDraftOrder(route, schedule, delivery string, lines ...domain.LineItem) domain.Order {
	o := NewFinalizedOrder(route, schedule, delivery, lines...)
	o.Status = domain.OrderStatusDraft
	o.FinalizedAt = nil
	return o
}

// WeeklyOrders builds n finalized orders for the schedule, one per week,
// ending at the given last delivery date. Units follow the base slice
// cyclically so histories have mild variation.
func WeeklyOrders(route, schedule, lastDelivery string, n int, baseUnits []int) []domain.Order {
	if len(baseUnits) == 0 {
		baseUnits = []int{6}
	}
	last := domain.MustParseDate(lastDelivery)

	orders := make([]domain.Order, 0, n)
	for i := n - 1; i >= 0; i-- {
		delivery := last.AddDate(0, 0, -7*i)
		units := baseUnits[(n-1-i)%len(baseUnits)]
		orders = append(orders, NewFinalizedOrder(
			route, schedule, domain.FormatDate(delivery),
			Line("store-1", "10001", units),
		))
	}
	return orders
}

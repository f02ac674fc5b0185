// Package schedule resolves order cycles: which weekday an order is placed,
// loaded, and delivered, and which delivery is next in line for a forecast.
package schedule

import (
	"sort"
	"time"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/domain"
)

// KeyForCycle returns the canonical schedule key for a cycle: the lowercase
// weekday name of its order day.
func KeyForCycle(c domain.OrderCycle) string {
	return clock.WeekdayName(c.OrderDay)
}

// CycleForDelivery finds the cycle serving the given delivery date. Matches
// on delivery_day first, then falls back to load_day for routes that load
// and deliver the same day. Fails with NO_MATCHING_CYCLE when the route has
// no cycle for that weekday.
func CycleForDelivery(route *domain.Route, date time.Time) (*domain.OrderCycle, error) {
	if c := cycleForWeekday(route, clock.WeekdayNumber(date)); c != nil {
		return c, nil
	}
	return nil, domain.NewError(domain.ErrNoMatchingCycle,
		"route %s has no cycle delivering on %s", route.Number, clock.WeekdayName(clock.WeekdayNumber(date)))
}

// KeyForDelivery resolves a delivery date to its schedule key.
func KeyForDelivery(route *domain.Route, date time.Time) (string, error) {
	c, err := CycleForDelivery(route, date)
	if err != nil {
		return "", err
	}
	return KeyForCycle(*c), nil
}

// CycleForKey returns the first cycle whose order day matches the schedule
// key, or nil when the route has no such cycle.
func CycleForKey(route *domain.Route, key string) *domain.OrderCycle {
	day := clock.WeekdayFromName(key)
	if day == 0 {
		return nil
	}
	for i := range route.Cycles {
		if route.Cycles[i].OrderDay == day {
			return &route.Cycles[i]
		}
	}
	return nil
}

// ActiveKeys returns the route's schedule keys, deduplicated and sorted by
// weekday order.
func ActiveKeys(route *domain.Route) []string {
	seen := make(map[int]bool)
	var days []int
	for _, c := range route.Cycles {
		if !seen[c.OrderDay] {
			seen[c.OrderDay] = true
			days = append(days, c.OrderDay)
		}
	}
	sort.Ints(days)

	keys := make([]string, 0, len(days))
	for _, d := range days {
		keys = append(keys, clock.WeekdayName(d))
	}
	return keys
}

// HasInvalidCycle reports whether any cycle orders after it delivers within
// the same week row. Such configurations come from hand-entered cycles and
// force the engine onto the same-schedule branch.
func HasInvalidCycle(route *domain.Route) bool {
	for _, c := range route.Cycles {
		if c.OrderDay > c.DeliveryDay {
			return true
		}
	}
	return false
}

// IsAmbiguous reports whether any order day maps to more than one delivery
// day, which makes the order->delivery gap undefined for that schedule.
func IsAmbiguous(route *domain.Route) bool {
	deliveries := make(map[int]int)
	for _, c := range route.Cycles {
		if prev, ok := deliveries[c.OrderDay]; ok && prev != c.DeliveryDay {
			return true
		}
		deliveries[c.OrderDay] = c.DeliveryDay
	}
	return false
}

// LeadTimeDays returns the order-to-delivery gap in days for a cycle.
func LeadTimeDays(c domain.OrderCycle) int {
	return clock.CycleDays(c.OrderDay, c.DeliveryDay)
}

// OrderDateFor returns the order date that feeds a delivery on the given
// date under the cycle.
func OrderDateFor(c domain.OrderCycle, delivery time.Time) time.Time {
	return delivery.AddDate(0, 0, -LeadTimeDays(c))
}

// DaysToNextDelivery returns the gap in days from a delivery on date to
// the route's next delivery of any schedule. Defaults to a week when the
// route has no cycles.
func DaysToNextDelivery(route *domain.Route, date time.Time) int {
	for i := 1; i <= 7; i++ {
		next := date.AddDate(0, 0, i)
		if cycleForWeekday(route, clock.WeekdayNumber(next)) != nil {
			return i
		}
	}
	return 7
}

func cycleForWeekday(route *domain.Route, weekday int) *domain.OrderCycle {
	for i := range route.Cycles {
		if route.Cycles[i].DeliveryDay == weekday {
			return &route.Cycles[i]
		}
	}
	for i := range route.Cycles {
		if route.Cycles[i].LoadDay == weekday {
			return &route.Cycles[i]
		}
	}
	return nil
}

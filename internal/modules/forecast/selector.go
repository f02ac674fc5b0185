// Package forecast generates per-delivery demand forecasts: branch
// selection, model fitting, band calibration, whole-case enforcement, and
// expiry floors.
package forecast

import (
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
)

// SelectorInput is the history depth and cycle shape the branch selector
// evaluates.
type SelectorInput struct {
	ScheduleOrders    int            // finalized orders in the target schedule
	CorrectedOrders   int            // distinct corrected orders in the target schedule
	PerScheduleOrders map[string]int // finalized orders across all schedules
	InvalidCycles     bool           // any cycle with order_day > delivery_day
	AmbiguousCycles   bool           // same order_day feeding multiple delivery_days
}

// Selection is the resolved operational branch.
type Selection struct {
	Mode   domain.ForecastMode
	Reason string
}

// SelectMode resolves the forecast branch. Rules are evaluated in order;
// the first match wins.
func SelectMode(cfg config.ForecastConfig, in SelectorInput) Selection {
	if in.ScheduleOrders < cfg.MinScheduleOrdersForML || in.CorrectedOrders < cfg.MinCorrectedOrdersForML {
		return Selection{Mode: domain.ModeCopyLastOrder, Reason: "insufficient_history"}
	}
	if in.InvalidCycles && cfg.StrictScheduleValidation {
		return Selection{Mode: domain.ModeScheduleAware, Reason: "invalid_schedule_configuration"}
	}
	if in.AmbiguousCycles && !cfg.AllowStoreContextOnAmbiguous {
		return Selection{Mode: domain.ModeScheduleAware, Reason: "ambiguous_schedule"}
	}
	if storeContextDepthMet(cfg, in.PerScheduleOrders) {
		return Selection{Mode: domain.ModeStoreCentric, Reason: "store_context_depth"}
	}
	return Selection{Mode: domain.ModeScheduleAware, Reason: "schedule_history"}
}

func storeContextDepthMet(cfg config.ForecastConfig, perSchedule map[string]int) bool {
	total := 0
	deepSchedules := 0
	for _, n := range perSchedule {
		total += n
		if n >= cfg.StoreContextMinPerSchedule {
			deepSchedules++
		}
	}
	return total >= cfg.StoreContextMinTotalOrders && deepSchedules >= cfg.StoreContextMinSchedules
}

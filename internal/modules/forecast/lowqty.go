package forecast

import (
	"context"
	"time"

	"github.com/routespark/routespark/internal/domain"
)

// FloorReasonLowQtyExpiry marks lines raised or injected by the expiry
// floor pass.
const FloorReasonLowQtyExpiry = "low_qty_expiry"

// FloorProvider supplies low-quantity expiry entries for a route.
type FloorProvider interface {
	FloorsForRoute(ctx context.Context, route string) ([]domain.ExpiryFloor, error)
}

// ApplyExpiryFloors raises forecast lines to the minimum units required for
// products that expire before the next delivery can replace them, and
// injects replacement lines for (store, sap) pairs the forecast skipped.
// Returns the item slice and the per-SAP minimum totals that whole-case
// rounding must not undercut.
func ApplyExpiryFloors(items []domain.ForecastItem, floors []domain.ExpiryFloor, deliveryDate time.Time, daysUntilNext int) ([]domain.ForecastItem, map[string]int) {
	if len(floors) == 0 {
		return items, nil
	}

	horizon := deliveryDate.AddDate(0, 0, daysUntilNext)
	index := make(map[string]int, len(items))
	for i := range items {
		index[items[i].StoreID+"|"+items[i].SAP] = i
	}

	minTotals := make(map[string]int)
	for _, floor := range floors {
		if floor.MinUnitsRequired <= 0 || floor.ExpiryDate.After(horizon) {
			continue
		}
		minTotals[floor.SAP] += floor.MinUnitsRequired

		if i, ok := index[floor.StoreID+"|"+floor.SAP]; ok {
			item := &items[i]
			if item.RecommendedUnits < floor.MinUnitsRequired {
				item.RecommendedUnits = floor.MinUnitsRequired
				item.FloorReason = FloorReasonLowQtyExpiry
			}
			continue
		}

		units := floor.MinUnitsRequired
		items = append(items, domain.ForecastItem{
			StoreID:          floor.StoreID,
			SAP:              floor.SAP,
			RecommendedUnits: units,
			CasePack:         1,
			P10:              float64(units),
			P50:              float64(units),
			P90:              float64(units),
			Confidence:       0.5,
			Source:           domain.SourceExpiryReplacement,
			FloorReason:      FloorReasonLowQtyExpiry,
		})
		index[floor.StoreID+"|"+floor.SAP] = len(items) - 1
	}

	if len(minTotals) == 0 {
		return items, nil
	}
	return items, minTotals
}

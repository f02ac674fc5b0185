package forecast

import (
	"math"
	"sort"

	"github.com/routespark/routespark/internal/domain"
)

const (
	triggerRoundedUp   = "rounded_up"
	triggerRoundedDown = "rounded_down"
)

// EnforceWholeCases rounds each SAP's cross-store unit total to a multiple
// of its case pack, in place. Rounding goes up when the needed increment is
// at most threshold x case_pack, otherwise down; a total is never rounded
// below minTotals[sap] (expiry floors) or all the way to zero while demand
// exists. The store with the largest demand absorbs the residual, ties
// broken by the lexicographically smallest store id. Every touched group
// gets a per-line adjustment record.
//
// Fails with WHOLE_CASE_INVARIANT_VIOLATION when a group must grow but no
// store has any demand to anchor the additional units on.
func EnforceWholeCases(items []domain.ForecastItem, threshold float64, minTotals map[string]int) error {
	groups := make(map[string][]int)
	order := make([]string, 0)
	for i := range items {
		sap := items[i].SAP
		if _, ok := groups[sap]; !ok {
			order = append(order, sap)
		}
		groups[sap] = append(groups[sap], i)
	}
	sort.Strings(order)

	for _, sap := range order {
		if err := enforceGroup(items, groups[sap], threshold, minTotals[sap]); err != nil {
			return err
		}
	}
	return nil
}

func enforceGroup(items []domain.ForecastItem, idxs []int, threshold float64, minTotal int) error {
	pack := 0
	sum := 0
	for _, i := range idxs {
		if items[i].CasePack > pack {
			pack = items[i].CasePack
		}
		sum += items[i].RecommendedUnits
	}
	if pack < 0 {
		return domain.NewError(domain.ErrWholeCaseInvariant,
			"sap %s has an invalid case pack %d", items[idxs[0]].SAP, pack)
	}
	if pack <= 1 {
		for _, i := range idxs {
			items[i].CasePack = maxInt(pack, 1)
			items[i].RecommendedCases = items[i].RecommendedUnits
		}
		return nil
	}

	target := roundTarget(sum, pack, threshold)
	if minTotal > 0 && target < minTotal {
		target = ceilMultiple(minTotal, pack)
	}
	if target == 0 && sum > 0 {
		// Never zero out a SAP the stores asked for.
		target = pack
	}

	if target == sum {
		setCases(items, idxs, pack)
		return nil
	}

	trigger := triggerRoundedDown
	if target > sum {
		trigger = triggerRoundedUp
	}

	absorber := pickAbsorber(items, idxs, target > sum)
	if absorber < 0 {
		return domain.NewError(domain.ErrWholeCaseInvariant,
			"sap %s requires %d units but every store is at zero", items[idxs[0]].SAP, target)
	}

	pre := make(map[int]int, len(idxs))
	for _, i := range idxs {
		pre[i] = items[i].RecommendedUnits
	}

	if target > sum {
		items[absorber].RecommendedUnits += target - sum
	} else {
		removeUnits(items, idxs, sum-target)
	}

	absorberStore := items[absorber].StoreID
	for _, i := range idxs {
		items[i].WholeCase = &domain.WholeCaseAdjustment{
			PreUnits:       pre[i],
			PostUnits:      items[i].RecommendedUnits,
			CasePack:       pack,
			Trigger:        trigger,
			AbsorbsResidue: items[i].RecommendedUnits != pre[i],
			AbsorberStore:  absorberStore,
		}
	}
	setCases(items, idxs, pack)
	return nil
}

// roundTarget picks the adjacent case-pack multiple: up when the increment
// is within the threshold fraction of a case, down otherwise.
func roundTarget(sum, pack int, threshold float64) int {
	rem := sum % pack
	if rem == 0 {
		return sum
	}
	incUp := pack - rem
	if float64(incUp) <= threshold*float64(pack) {
		return sum + incUp
	}
	return sum - rem
}

func ceilMultiple(v, pack int) int {
	if v%pack == 0 {
		return v
	}
	return (v/pack + 1) * pack
}

// pickAbsorber returns the index of the largest-demand line, ties broken
// by store id. Growth requires a line with actual demand; shrink accepts
// any line.
func pickAbsorber(items []domain.ForecastItem, idxs []int, needsDemand bool) int {
	best := -1
	for _, i := range idxs {
		if needsDemand && items[i].RecommendedUnits == 0 {
			continue
		}
		if best < 0 ||
			items[i].RecommendedUnits > items[best].RecommendedUnits ||
			(items[i].RecommendedUnits == items[best].RecommendedUnits && items[i].StoreID < items[best].StoreID) {
			best = i
		}
	}
	return best
}

// removeUnits takes the excess off the largest-demand stores first, never
// dropping a line below zero. Lines raised by an expiry floor are touched
// only after every other line is exhausted.
func removeUnits(items []domain.ForecastItem, idxs []int, excess int) {
	sorted := append([]int(nil), idxs...)
	sort.Slice(sorted, func(a, b int) bool {
		fa := items[sorted[a]].FloorReason != ""
		fb := items[sorted[b]].FloorReason != ""
		if fa != fb {
			return !fa
		}
		if items[sorted[a]].RecommendedUnits != items[sorted[b]].RecommendedUnits {
			return items[sorted[a]].RecommendedUnits > items[sorted[b]].RecommendedUnits
		}
		return items[sorted[a]].StoreID < items[sorted[b]].StoreID
	})

	for _, i := range sorted {
		if excess == 0 {
			return
		}
		take := minInt(excess, items[i].RecommendedUnits)
		items[i].RecommendedUnits -= take
		excess -= take
	}
}

func setCases(items []domain.ForecastItem, idxs []int, pack int) {
	for _, i := range idxs {
		items[i].CasePack = pack
		items[i].RecommendedCases = int(math.Round(float64(items[i].RecommendedUnits) / float64(pack)))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

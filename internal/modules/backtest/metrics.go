package backtest

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/features"
)

// Segment keys for the per-fold breakdowns.
const (
	SegmentSlowMover   = "slow_mover"
	SegmentStale14     = "stale_14d"
	SegmentStale21     = "stale_21d"
	SegmentHighRemoval = "high_removal"
)

// Lines whose correction history shows removals at or above this rate get
// the high_removal segment.
const highRemovalThreshold = 0.3

// SegmentMetrics is one segment's slice of a fold.
type SegmentMetrics struct {
	Lines    int     `json:"lines"`
	WAPE     float64 `json:"wape"`
	Coverage float64 `json:"coverage"`
}

// SourceMetrics is one forecast source's slice of a fold. Synthetic
// missing_pred lines are never grouped here.
type SourceMetrics struct {
	Lines     int     `json:"lines"`
	WAPE      float64 `json:"wape"`
	Coverage  float64 `json:"coverage"`
	UnderRate float64 `json:"under_rate"`
	OverRate  float64 `json:"over_rate"`
	AvgWidth  float64 `json:"avg_width"`
}

// FoldResult scores one walk-forward fold: the forecast for the k-th
// order of a schedule against the lines the operator actually submitted.
// WAPE-style ratios are NaN when the fold carries no actual demand;
// aggregation skips those folds.
type FoldResult struct {
	ScheduleKey  string              `json:"schedule_key"`
	FoldIndex    int                 `json:"fold_index"`
	DeliveryDate time.Time           `json:"delivery_date"`
	Mode         domain.ForecastMode `json:"mode"`

	Lines     int `json:"lines"`
	PredLines int `json:"pred_lines"`

	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	WAPE float64 `json:"wape"`

	SAPWape       float64 `json:"sap_wape"`
	CaseMatchRate float64 `json:"case_match_rate"`
	OrderWape     float64 `json:"order_wape"`

	ExactLineRate float64 `json:"exact_line_rate"`
	ExactSAPRate  float64 `json:"exact_sap_rate"`
	ZeroTouch     bool    `json:"zero_touch"`

	Coverage    float64 `json:"coverage"`
	UnderRate   float64 `json:"under_rate"`
	OverRate    float64 `json:"over_rate"`
	AvgWidth    float64 `json:"avg_width"`
	MedianWidth float64 `json:"median_width"`

	BaselineWAPE float64 `json:"baseline_wape"`

	Segments map[string]SegmentMetrics               `json:"segments,omitempty"`
	Sources  map[domain.ForecastSource]SourceMetrics `json:"sources,omitempty"`
}

// evalLine joins one (store, sap) prediction with its ground truth.
type evalLine struct {
	StoreID string
	SAP     string

	Pred   float64
	P10    float64
	P90    float64
	Actual float64

	CasePack      int
	Source        domain.ForecastSource
	SlowMover     bool
	DaysSinceLast int
	RemovalRate   float64
}

// evalLines builds the fold's evaluation rows: one per (store, sap) pair
// in the union of predicted items and the target order's lines. Pairs the
// operator ordered but the model never predicted enter with a zero
// prediction under the missing_pred source.
func evalLines(items []domain.ForecastItem, target *domain.Order, meta []features.Row) []evalLine {
	type pairMeta struct {
		slow    bool
		days    int
		removal float64
	}
	metaByPair := make(map[string]pairMeta, len(meta))
	for _, row := range meta {
		metaByPair[row.StoreID+"|"+row.SAP] = pairMeta{
			slow:    row.IsSlowMover,
			days:    row.DaysSinceLast,
			removal: row.Feature("corr_removal_rate"),
		}
	}

	actualUnits := make(map[string]float64)
	actualPacks := make(map[string]int)
	for _, line := range target.Lines {
		k := line.StoreID + "|" + line.SAP
		actualUnits[k] += float64(line.Units)
		if line.CasePack > actualPacks[k] {
			actualPacks[k] = line.CasePack
		}
	}

	lines := make([]evalLine, 0, len(items)+len(actualUnits))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		k := item.StoreID + "|" + item.SAP
		seen[k] = true
		m := metaByPair[k]
		lines = append(lines, evalLine{
			StoreID:       item.StoreID,
			SAP:           item.SAP,
			Pred:          float64(item.RecommendedUnits),
			P10:           item.P10,
			P90:           item.P90,
			Actual:        actualUnits[k],
			CasePack:      maxInt(item.CasePack, 1),
			Source:        item.Source,
			SlowMover:     m.slow,
			DaysSinceLast: m.days,
			RemovalRate:   m.removal,
		})
	}

	var missing []string
	for k := range actualUnits {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		store, sap, _ := strings.Cut(k, "|")
		m := metaByPair[k]
		lines = append(lines, evalLine{
			StoreID:       store,
			SAP:           sap,
			Actual:        actualUnits[k],
			CasePack:      maxInt(actualPacks[k], 1),
			Source:        domain.SourceMissingPred,
			SlowMover:     m.slow,
			DaysSinceLast: m.days,
			RemovalRate:   m.removal,
		})
	}
	return lines
}

type tally struct {
	lines    int
	absErr   float64
	actual   float64
	covered  int
	under    int
	over     int
	widthSum float64
}

func (t *tally) add(absErr, actual float64, inBand, under, over bool, width float64) {
	t.lines++
	t.absErr += absErr
	t.actual += actual
	if inBand {
		t.covered++
	}
	if under {
		t.under++
	}
	if over {
		t.over++
	}
	t.widthSum += width
}

// scoreFold computes every per-fold metric from the joined lines.
func scoreFold(scheduleKey string, foldIdx int, delivery time.Time, mode domain.ForecastMode, lines []evalLine) FoldResult {
	fold := FoldResult{
		ScheduleKey:  scheduleKey,
		FoldIndex:    foldIdx,
		DeliveryDate: delivery,
		Mode:         mode,
		Lines:        len(lines),
		Segments:     make(map[string]SegmentMetrics),
		Sources:      make(map[domain.ForecastSource]SourceMetrics),
	}
	if len(lines) == 0 {
		return fold
	}

	var (
		sumAbsErr float64
		sumSqErr  float64
		sumActual float64
		sumPred   float64
		widths    []float64
	)
	exact, covered, under, over := 0, 0, 0, 0

	sapPred := make(map[string]float64)
	sapActual := make(map[string]float64)
	sapPack := make(map[string]int)

	segs := map[string]*tally{
		SegmentSlowMover:   {},
		SegmentStale14:     {},
		SegmentStale21:     {},
		SegmentHighRemoval: {},
	}
	srcs := make(map[domain.ForecastSource]*tally)

	for _, l := range lines {
		err := l.Pred - l.Actual
		abs := math.Abs(err)
		sumAbsErr += abs
		sumSqErr += err * err
		sumActual += l.Actual
		sumPred += l.Pred
		if l.Pred == l.Actual {
			exact++
		}

		inBand := l.P10 <= l.Actual && l.Actual <= l.P90
		belowBand := l.Actual < l.P10
		aboveBand := l.Actual > l.P90
		if inBand {
			covered++
		}
		if belowBand {
			under++
		}
		if aboveBand {
			over++
		}

		sapPred[l.SAP] += l.Pred
		sapActual[l.SAP] += l.Actual
		if l.CasePack > sapPack[l.SAP] {
			sapPack[l.SAP] = l.CasePack
		}

		width := l.P90 - l.P10
		if l.Source != domain.SourceMissingPred {
			fold.PredLines++
			widths = append(widths, width)
			s := srcs[l.Source]
			if s == nil {
				s = &tally{}
				srcs[l.Source] = s
			}
			s.add(abs, l.Actual, inBand, belowBand, aboveBand, width)
		}

		if l.SlowMover {
			segs[SegmentSlowMover].add(abs, l.Actual, inBand, belowBand, aboveBand, width)
		}
		if l.DaysSinceLast >= 14 {
			segs[SegmentStale14].add(abs, l.Actual, inBand, belowBand, aboveBand, width)
		}
		if l.DaysSinceLast >= 21 {
			segs[SegmentStale21].add(abs, l.Actual, inBand, belowBand, aboveBand, width)
		}
		if l.RemovalRate >= highRemovalThreshold {
			segs[SegmentHighRemoval].add(abs, l.Actual, inBand, belowBand, aboveBand, width)
		}
	}

	n := float64(len(lines))
	fold.MAE = sumAbsErr / n
	fold.RMSE = math.Sqrt(sumSqErr / n)
	fold.WAPE = wape(sumAbsErr, sumActual)
	fold.OrderWape = wape(math.Abs(sumPred-sumActual), sumActual)
	fold.ExactLineRate = float64(exact) / n
	fold.ZeroTouch = exact == len(lines)
	fold.Coverage = float64(covered) / n
	fold.UnderRate = float64(under) / n
	fold.OverRate = float64(over) / n

	var sapAbs, sapActSum float64
	caseMatches, sapExact := 0, 0
	for sap, actual := range sapActual {
		pred := sapPred[sap]
		sapAbs += math.Abs(pred - actual)
		sapActSum += actual
		pack := float64(maxInt(sapPack[sap], 1))
		if math.Round(pred/pack) == math.Round(actual/pack) {
			caseMatches++
		}
		if pred == actual {
			sapExact++
		}
	}
	numSAPs := float64(len(sapActual))
	fold.SAPWape = wape(sapAbs, sapActSum)
	fold.CaseMatchRate = float64(caseMatches) / numSAPs
	fold.ExactSAPRate = float64(sapExact) / numSAPs

	if len(widths) > 0 {
		sort.Float64s(widths)
		fold.AvgWidth = stat.Mean(widths, nil)
		fold.MedianWidth = stat.Quantile(0.5, stat.Empirical, widths, nil)
	}

	for name, t := range segs {
		if t.lines == 0 {
			continue
		}
		fold.Segments[name] = SegmentMetrics{
			Lines:    t.lines,
			WAPE:     wape(t.absErr, t.actual),
			Coverage: float64(t.covered) / float64(t.lines),
		}
	}
	for source, t := range srcs {
		fold.Sources[source] = SourceMetrics{
			Lines:     t.lines,
			WAPE:      wape(t.absErr, t.actual),
			Coverage:  float64(t.covered) / float64(t.lines),
			UnderRate: float64(t.under) / float64(t.lines),
			OverRate:  float64(t.over) / float64(t.lines),
			AvgWidth:  t.widthSum / float64(t.lines),
		}
	}
	return fold
}

// baselineWAPE scores the naive copy-last baseline for a fold: predict
// the previous order's units pair for pair.
func baselineWAPE(prev, target *domain.Order) float64 {
	pred := unitsByPair(prev)
	actual := unitsByPair(target)

	var absErr, sum float64
	for k, a := range actual {
		absErr += math.Abs(pred[k] - a)
		sum += a
	}
	for k, p := range pred {
		if _, ok := actual[k]; !ok {
			absErr += p
		}
	}
	return wape(absErr, sum)
}

func unitsByPair(o *domain.Order) map[string]float64 {
	units := make(map[string]float64, len(o.Lines))
	for _, line := range o.Lines {
		units[line.StoreID+"|"+line.SAP] += float64(line.Units)
	}
	return units
}

// wape is sum(|error|) / sum(actual), NaN when there is no actual demand
// to normalize by.
func wape(absErr, actual float64) float64 {
	if actual == 0 {
		return math.NaN()
	}
	return absErr / actual
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

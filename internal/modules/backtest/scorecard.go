package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/calibration"
)

// Scorecard is the persisted rollup of a route's walk-forward run,
// grouped by schedule. One document per route, replaced on every run.
type Scorecard struct {
	RouteNumber string          `json:"route_number"`
	GeneratedAt time.Time       `json:"generated_at"`
	FoldCount   int             `json:"fold_count"`
	Schedules   []ScheduleScore `json:"schedules"`
	Summary     RouteSummary    `json:"summary"`
}

// ScheduleScore aggregates one schedule's folds. Ratio metrics are plain
// means over folds; coverage and band stats are pooled line-weighted so
// a thin fold cannot swing them.
type ScheduleScore struct {
	ScheduleKey string `json:"schedule_key"`
	FoldCount   int    `json:"fold_count"`
	Lines       int    `json:"lines"`
	PredLines   int    `json:"pred_lines"`

	WAPE          float64 `json:"wape"`
	SAPWape       float64 `json:"sap_wape"`
	OrderWape     float64 `json:"order_wape"`
	MAE           float64 `json:"mae"`
	RMSE          float64 `json:"rmse"`
	CaseMatchRate float64 `json:"case_match_rate"`
	ExactLineRate float64 `json:"exact_line_rate"`
	ZeroTouchRate float64 `json:"zero_touch_rate"`

	Coverage    float64 `json:"coverage"`
	UnderRate   float64 `json:"under_rate"`
	OverRate    float64 `json:"over_rate"`
	AvgWidth    float64 `json:"avg_width"`
	MedianWidth float64 `json:"median_width"`

	BaselineWAPE   float64 `json:"baseline_wape"`
	ImprovementPct float64 `json:"improvement_pct"`

	Sources []SourceScore `json:"sources,omitempty"`
}

// SourceScore pools one forecast source's lines across a schedule's folds.
type SourceScore struct {
	Source    domain.ForecastSource `json:"source"`
	Lines     int                   `json:"lines"`
	WAPE      float64               `json:"wape"`
	Coverage  float64               `json:"coverage"`
	UnderRate float64               `json:"under_rate"`
	OverRate  float64               `json:"over_rate"`
	AvgWidth  float64               `json:"avg_width"`
}

// RouteSummary rolls schedule scores up to the route, weighted by each
// schedule's fold count.
type RouteSummary struct {
	FoldCount      int     `json:"fold_count"`
	WAPE           float64 `json:"wape"`
	Coverage       float64 `json:"coverage"`
	ZeroTouchRate  float64 `json:"zero_touch_rate"`
	ImprovementPct float64 `json:"improvement_pct"`
}

// Scorecard converts the run into its persisted form.
func (r *RouteResult) Scorecard() *Scorecard {
	return &Scorecard{
		RouteNumber: r.RouteNumber,
		GeneratedAt: r.GeneratedAt,
		FoldCount:   len(r.Folds),
		Schedules:   r.Schedules,
		Summary:     r.Summary,
	}
}

// SaveScorecard stores the scorecard as the route's scorecard document,
// replacing any prior run.
func (r *Runner) SaveScorecard(ctx context.Context, sc *Scorecard) error {
	if err := r.docs.Set(ctx, docstore.ColScorecards, sc.RouteNumber, sc); err != nil {
		return fmt.Errorf("failed to store scorecard: %w", err)
	}
	return nil
}

// LoadScorecard returns the route's latest persisted scorecard, or
// docstore.ErrNotFound when the route was never backtested.
func (r *Runner) LoadScorecard(ctx context.Context, route string) (*Scorecard, error) {
	var sc Scorecard
	if err := r.docs.Get(ctx, docstore.ColScorecards, route, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

var _ calibration.ObservationProvider = (*Runner)(nil)

// CoverageObservations runs a fresh walk-forward pass for the route and
// converts the per-schedule rollups into calibration observations. The
// scorecard document is refreshed as a side effect so readers see the
// same run the calibrator consumed.
func (r *Runner) CoverageObservations(route string) ([]calibration.CoverageObservation, error) {
	ctx := context.Background()

	var rt domain.Route
	if err := r.docs.Get(ctx, docstore.ColRoutes, route, &rt); err != nil {
		return nil, fmt.Errorf("failed to load route %s: %w", route, err)
	}
	result, err := r.RunRoute(ctx, &rt)
	if err != nil {
		return nil, err
	}
	if err := r.SaveScorecard(ctx, result.Scorecard()); err != nil {
		r.log.Warn().Err(err).Str("route", route).Msg("Scorecard save failed")
	}

	observations := make([]calibration.CoverageObservation, 0, len(result.Schedules))
	for _, s := range result.Schedules {
		observations = append(observations, observationFor(result.RouteNumber, result.GeneratedAt, s))
	}
	return observations, nil
}

// observationFor pools the schedule's per-source stats into one coverage
// observation. Only predicted lines count: a pair the model missed says
// nothing about band width.
func observationFor(route string, generatedAt time.Time, s ScheduleScore) calibration.CoverageObservation {
	obs := calibration.CoverageObservation{
		RouteNumber: route,
		ScheduleKey: s.ScheduleKey,
		SampleLines: s.PredLines,
		FoldCount:   s.FoldCount,
		BacktestAt:  generatedAt,
	}

	var covered, under, over, width float64
	total := 0
	for _, src := range s.Sources {
		w := float64(src.Lines)
		covered += src.Coverage * w
		under += src.UnderRate * w
		over += src.OverRate * w
		width += src.AvgWidth * w
		total += src.Lines
		obs.PerSource = append(obs.PerSource, calibration.SourceObservation{
			Source:           src.Source,
			ObservedCoverage: src.Coverage,
			UnderRate:        src.UnderRate,
			OverRate:         src.OverRate,
			AvgWidthUnits:    src.AvgWidth,
			LineCount:        src.Lines,
		})
	}
	if total > 0 {
		n := float64(total)
		obs.ObservedCoverage = covered / n
		obs.UnderRate = under / n
		obs.OverRate = over / n
		obs.AvgWidthUnits = width / n
	}
	return obs
}

// aggregateSchedules rolls folds up per schedule, in schedule key order.
func aggregateSchedules(folds []FoldResult) []ScheduleScore {
	byKey := make(map[string][]FoldResult)
	var keys []string
	for _, fold := range folds {
		if _, ok := byKey[fold.ScheduleKey]; !ok {
			keys = append(keys, fold.ScheduleKey)
		}
		byKey[fold.ScheduleKey] = append(byKey[fold.ScheduleKey], fold)
	}
	sort.Strings(keys)

	scores := make([]ScheduleScore, 0, len(keys))
	for _, key := range keys {
		scores = append(scores, scoreSchedule(key, byKey[key]))
	}
	return scores
}

func scoreSchedule(key string, folds []FoldResult) ScheduleScore {
	score := ScheduleScore{
		ScheduleKey: key,
		FoldCount:   len(folds),
	}

	var (
		wapes, sapWapes, orderWapes, baselines []float64
		maes, rmses, caseMatches, exacts       []float64
		medians                                []float64
	)
	var coverage, under, over, avgWidth weightedMean
	zeroTouch := 0

	srcs := make(map[domain.ForecastSource]*sourceAcc)
	var srcOrder []domain.ForecastSource

	for _, fold := range folds {
		score.Lines += fold.Lines
		score.PredLines += fold.PredLines

		wapes = append(wapes, fold.WAPE)
		sapWapes = append(sapWapes, fold.SAPWape)
		orderWapes = append(orderWapes, fold.OrderWape)
		baselines = append(baselines, fold.BaselineWAPE)
		maes = append(maes, fold.MAE)
		rmses = append(rmses, fold.RMSE)
		caseMatches = append(caseMatches, fold.CaseMatchRate)
		exacts = append(exacts, fold.ExactLineRate)
		if fold.PredLines > 0 {
			medians = append(medians, fold.MedianWidth)
		}
		if fold.ZeroTouch {
			zeroTouch++
		}

		w := float64(fold.Lines)
		coverage.add(fold.Coverage, w)
		under.add(fold.UnderRate, w)
		over.add(fold.OverRate, w)
		avgWidth.add(fold.AvgWidth, float64(fold.PredLines))

		for source, m := range fold.Sources {
			acc := srcs[source]
			if acc == nil {
				acc = &sourceAcc{}
				srcs[source] = acc
				srcOrder = append(srcOrder, source)
			}
			acc.add(m)
		}
	}

	score.WAPE = meanValid(wapes)
	score.SAPWape = meanValid(sapWapes)
	score.OrderWape = meanValid(orderWapes)
	score.BaselineWAPE = meanValid(baselines)
	score.MAE = meanValid(maes)
	score.RMSE = meanValid(rmses)
	score.CaseMatchRate = meanValid(caseMatches)
	score.ExactLineRate = meanValid(exacts)
	score.MedianWidth = meanValid(medians)
	score.ZeroTouchRate = float64(zeroTouch) / float64(len(folds))

	score.Coverage = coverage.value()
	score.UnderRate = under.value()
	score.OverRate = over.value()
	score.AvgWidth = avgWidth.value()
	score.ImprovementPct = improvementPct(score.BaselineWAPE, score.WAPE)

	sort.Slice(srcOrder, func(i, j int) bool { return srcOrder[i] < srcOrder[j] })
	for _, source := range srcOrder {
		score.Sources = append(score.Sources, srcs[source].score(source))
	}
	return score
}

// summarize rolls schedule scores up to the route, weighting by fold
// count.
func summarize(schedules []ScheduleScore) RouteSummary {
	summary := RouteSummary{}
	var wape, coverage, zeroTouch, baseline weightedMean
	for _, s := range schedules {
		w := float64(s.FoldCount)
		summary.FoldCount += s.FoldCount
		wape.add(s.WAPE, w)
		coverage.add(s.Coverage, w)
		zeroTouch.add(s.ZeroTouchRate, w)
		baseline.add(s.BaselineWAPE, w)
	}
	summary.WAPE = wape.value()
	summary.Coverage = coverage.value()
	summary.ZeroTouchRate = zeroTouch.value()
	summary.ImprovementPct = improvementPct(baseline.value(), summary.WAPE)
	return summary
}

// improvementPct is the relative WAPE reduction against the baseline, in
// percent. Zero when the baseline carries no signal.
func improvementPct(baseline, model float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (baseline - model) / baseline * 100
}

type sourceAcc struct {
	lines    int
	wape     weightedMean
	coverage weightedMean
	under    weightedMean
	over     weightedMean
	width    weightedMean
}

func (a *sourceAcc) add(m SourceMetrics) {
	w := float64(m.Lines)
	a.lines += m.Lines
	if !math.IsNaN(m.WAPE) {
		a.wape.add(m.WAPE, w)
	}
	a.coverage.add(m.Coverage, w)
	a.under.add(m.UnderRate, w)
	a.over.add(m.OverRate, w)
	a.width.add(m.AvgWidth, w)
}

func (a *sourceAcc) score(source domain.ForecastSource) SourceScore {
	return SourceScore{
		Source:    source,
		Lines:     a.lines,
		WAPE:      a.wape.value(),
		Coverage:  a.coverage.value(),
		UnderRate: a.under.value(),
		OverRate:  a.over.value(),
		AvgWidth:  a.width.value(),
	}
}

type weightedMean struct {
	sum    float64
	weight float64
}

func (m *weightedMean) add(v, w float64) {
	if w <= 0 {
		return
	}
	m.sum += v * w
	m.weight += w
}

func (m *weightedMean) value() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / m.weight
}

// meanValid averages the values that are not NaN, zero when none are.
func meanValid(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Package features turns order history into the dense numeric frame the
// forecast models train and predict on.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/domain"
)

// Vector layout. The regressor indexes rows positionally, so the order here
// is part of any persisted model snapshot.
const (
	idxLag1 = iota
	idxLag2
	idxRollingMean4
	idxDayOfWeek
	idxMonth
	idxFirstWeekend
	idxLastWeekend
	idxHolidayWeek
	idxDaysUntilFirstWeekend
	idxDaysUntilNextDelivery
	idxCoversFirstWeekend
	idxCoversWeekend
	idxPromoActive
	idxLeadTimeDays
	idxCorrSamples
	idxCorrAvgDelta
	idxCorrAvgRatio
	idxCorrRatioStddev
	idxCorrRemovalRate
	idxCorrPromoRate
	numColumns
)

// Columns names the vector layout, in index order.
var Columns = []string{
	"lag_1", "lag_2", "rolling_mean_4",
	"day_of_week", "month",
	"is_first_weekend_of_month", "is_last_weekend_of_month", "is_holiday_week",
	"days_until_first_weekend", "days_until_next_delivery",
	"covers_first_weekend", "covers_weekend",
	"promo_active", "lead_time_days",
	"corr_samples", "corr_avg_delta", "corr_avg_ratio", "corr_ratio_stddev",
	"corr_removal_rate", "corr_promo_rate",
}

// Pairs with sparse or tiny demand get the slow-mover treatment downstream
// (intermittent source tag, expiry floors).
const (
	slowMoverPresenceRate = 0.5
	slowMoverMeanUnits    = 2.0
)

const rollingWindow = 4

// Row is one (store, sap, delivery_date) observation.
type Row struct {
	StoreID      string
	SAP          string
	ScheduleKey  string
	DeliveryDate time.Time

	// TargetUnits is the actual demand for training rows, zero for
	// prediction rows.
	TargetUnits float64
	Vector      []float64

	CasePack      int
	PromoActive   bool
	IsSlowMover   bool
	DaysSinceLast int
}

// Feature returns a vector entry by column name, for diagnostics.
func (r Row) Feature(name string) float64 {
	for i, col := range Columns {
		if col == name {
			return r.Vector[i]
		}
	}
	return 0
}

// Frame is an ordered set of rows sharing one vector layout.
type Frame struct {
	Rows []Row
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Builder assembles feature frames from finalized orders.
type Builder struct {
	holidays *clock.HolidaySet
	log      zerolog.Logger
}

// NewBuilder creates a feature builder.
func NewBuilder(holidays *clock.HolidaySet, log zerolog.Logger) *Builder {
	return &Builder{
		holidays: holidays,
		log:      log.With().Str("service", "features").Logger(),
	}
}

// TrainingFrame builds one row per (store, sap, delivery_date), dense from
// each pair's first appearance onward (absent lines count as zero demand).
// The first observation of a pair has no lag and is dropped.
func (b *Builder) TrainingFrame(orders []domain.Order, aggregates []domain.CorrectionAggregate) *Frame {
	h := newHistory(orders)
	if len(h.dates) == 0 {
		return &Frame{}
	}
	corr := indexAggregates(aggregates)

	frame := &Frame{}
	for _, key := range h.sortedPairs() {
		pair := h.pairs[key]
		series := pair.series
		smaOut := priorMeans(series)

		lastNonzero := -1
		if series[0] > 0 {
			lastNonzero = 0
		}
		for p := 1; p < len(series); p++ {
			dateIdx := pair.firstIdx + p
			date := h.dates[dateIdx]

			row := Row{
				StoreID:      key.store,
				SAP:          key.sap,
				ScheduleKey:  h.schedules[dateIdx],
				DeliveryDate: date,
				TargetUnits:  series[p],
				CasePack:     pair.casePack,
				PromoActive:  pair.promo[p],
				IsSlowMover:  pair.slow,
			}
			if lastNonzero >= 0 {
				row.DaysSinceLast = domain.DaysBetween(h.dates[pair.firstIdx+lastNonzero], date)
			} else {
				row.DaysSinceLast = domain.DaysBetween(h.dates[pair.firstIdx], date)
			}

			vec := make([]float64, numColumns)
			vec[idxLag1] = series[p-1]
			if p >= 2 {
				vec[idxLag2] = series[p-2]
			}
			vec[idxRollingMean4] = rollingOrLag(smaOut, p, vec[idxLag1])
			b.fillCalendar(vec, date, h.medianGap)
			vec[idxPromoActive] = boolFeature(pair.promo[p])
			vec[idxLeadTimeDays] = h.leadTimeFor(dateIdx)
			fillCorrections(vec, corr, key, h.schedules[dateIdx])
			row.Vector = vec

			frame.Rows = append(frame.Rows, row)
			if series[p] > 0 {
				lastNonzero = p
			}
		}
	}

	b.log.Debug().
		Int("orders", len(orders)).
		Int("rows", frame.Len()).
		Msg("Training frame built")
	return frame
}

// PredictionRows builds one row per observed (store, sap) pair for the
// target delivery date. daysUntilNext is the gap to the route's following
// delivery and leadTimeDays the active cycle's order-to-delivery gap.
func (b *Builder) PredictionRows(orders []domain.Order, aggregates []domain.CorrectionAggregate, target time.Time, scheduleKey string, daysUntilNext, leadTimeDays int) []Row {
	h := newHistory(orders)
	if len(h.dates) == 0 {
		return nil
	}
	corr := indexAggregates(aggregates)

	var rows []Row
	for _, key := range h.sortedPairs() {
		pair := h.pairs[key]
		series := pair.series
		p := len(series)
		smaOut := priorMeans(series)

		row := Row{
			StoreID:      key.store,
			SAP:          key.sap,
			ScheduleKey:  scheduleKey,
			DeliveryDate: target,
			CasePack:     pair.casePack,
			IsSlowMover:  pair.slow,
		}
		if idx := lastNonzeroIndex(series); idx >= 0 {
			row.DaysSinceLast = domain.DaysBetween(h.dates[pair.firstIdx+idx], target)
		} else {
			row.DaysSinceLast = domain.DaysBetween(h.dates[pair.firstIdx], target)
		}

		vec := make([]float64, numColumns)
		vec[idxLag1] = series[p-1]
		if p >= 2 {
			vec[idxLag2] = series[p-2]
		}
		vec[idxRollingMean4] = rollingOrLag(smaOut, p, vec[idxLag1])
		b.fillCalendar(vec, target, daysUntilNext)
		vec[idxLeadTimeDays] = float64(leadTimeDays)
		fillCorrections(vec, corr, key, scheduleKey)
		row.Vector = vec

		rows = append(rows, row)
	}
	return rows
}

func (b *Builder) fillCalendar(vec []float64, date time.Time, gapDays int) {
	vec[idxDayOfWeek] = float64(clock.WeekdayNumber(date))
	vec[idxMonth] = float64(date.Month())
	vec[idxFirstWeekend] = boolFeature(clock.IsFirstWeekendOfMonth(date))
	vec[idxLastWeekend] = boolFeature(clock.IsLastWeekendOfMonth(date))
	vec[idxHolidayWeek] = boolFeature(b.holidays.IsHolidayWeek(date))
	vec[idxDaysUntilFirstWeekend] = float64(clock.DaysUntilFirstWeekend(date))
	vec[idxDaysUntilNextDelivery] = float64(gapDays)
	vec[idxCoversFirstWeekend] = boolFeature(clock.CoversFirstWeekend(date, gapDays))
	vec[idxCoversWeekend] = boolFeature(clock.CoversWeekend(date, gapDays))
}

type pairKey struct {
	store string
	sap   string
}

type pairHistory struct {
	firstIdx int
	series   []float64
	promo    []bool
	casePack int
	slow     bool
}

// history is the per-route order timeline: unique delivery dates ascending
// plus the dense unit series per (store, sap).
type history struct {
	dates     []time.Time
	schedules []string
	leadTimes []int // -1 when the order date is unknown
	medianGap int
	medianLT  float64
	pairs     map[pairKey]*pairHistory
}

func newHistory(orders []domain.Order) *history {
	sorted := make([]domain.Order, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DeliveryDate.Before(sorted[j].DeliveryDate)
	})

	h := &history{pairs: make(map[pairKey]*pairHistory)}
	dateIdx := make(map[string]int)

	type seen struct {
		units map[int]float64
		promo map[int]bool
	}
	observed := make(map[pairKey]*seen)
	firstSeen := make(map[pairKey]int)
	casePacks := make(map[pairKey]int)

	for _, o := range sorted {
		key := domain.FormatDate(o.DeliveryDate)
		idx, ok := dateIdx[key]
		if !ok {
			idx = len(h.dates)
			dateIdx[key] = idx
			h.dates = append(h.dates, domain.TruncateToDate(o.DeliveryDate))
			h.schedules = append(h.schedules, o.ScheduleKey)
			lt := -1
			if !o.OrderDate.IsZero() {
				lt = domain.DaysBetween(o.OrderDate, o.DeliveryDate)
			}
			h.leadTimes = append(h.leadTimes, lt)
		}

		for _, line := range o.Lines {
			pk := pairKey{store: line.StoreID, sap: line.SAP}
			s, ok := observed[pk]
			if !ok {
				s = &seen{units: make(map[int]float64), promo: make(map[int]bool)}
				observed[pk] = s
				firstSeen[pk] = idx
			}
			s.units[idx] += float64(line.Units)
			if line.Promo {
				s.promo[idx] = true
			}
			if line.CasePack > 0 {
				casePacks[pk] = line.CasePack
			}
		}
	}

	h.medianGap = medianDateGap(h.dates)
	h.medianLT = medianLeadTime(h.leadTimes)

	for pk, s := range observed {
		first := firstSeen[pk]
		n := len(h.dates) - first
		pair := &pairHistory{
			firstIdx: first,
			series:   make([]float64, n),
			promo:    make([]bool, n),
			casePack: casePacks[pk],
		}
		nonzero := 0
		sum := 0.0
		for i := 0; i < n; i++ {
			pair.series[i] = s.units[first+i]
			pair.promo[i] = s.promo[first+i]
			if pair.series[i] > 0 {
				nonzero++
				sum += pair.series[i]
			}
		}
		if nonzero > 0 {
			rate := float64(nonzero) / float64(n)
			pair.slow = rate < slowMoverPresenceRate || sum/float64(nonzero) < slowMoverMeanUnits
		} else {
			pair.slow = true
		}
		h.pairs[pk] = pair
	}
	return h
}

func (h *history) sortedPairs() []pairKey {
	keys := make([]pairKey, 0, len(h.pairs))
	for pk := range h.pairs {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].store != keys[j].store {
			return keys[i].store < keys[j].store
		}
		return keys[i].sap < keys[j].sap
	})
	return keys
}

func (h *history) leadTimeFor(dateIdx int) float64 {
	if h.leadTimes[dateIdx] >= 0 {
		return float64(h.leadTimes[dateIdx])
	}
	return h.medianLT
}

// priorMeans computes, per index, the mean of the preceding rollingWindow
// values: out[p] is valid when p >= rollingWindow and equals
// mean(series[p-4..p-1]).
func priorMeans(series []float64) []float64 {
	if len(series) < rollingWindow {
		return nil
	}
	return talib.Sma(series, rollingWindow)
}

func rollingOrLag(smaOut []float64, p int, lag1 float64) float64 {
	if p >= rollingWindow && smaOut != nil {
		v := smaOut[p-1]
		if !math.IsNaN(v) {
			return v
		}
	}
	return lag1
}

func lastNonzeroIndex(series []float64) int {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] > 0 {
			return i
		}
	}
	return -1
}

func indexAggregates(aggregates []domain.CorrectionAggregate) map[string]domain.CorrectionAggregate {
	m := make(map[string]domain.CorrectionAggregate, len(aggregates))
	for _, a := range aggregates {
		m[a.StoreID+"|"+a.SAP+"|"+a.ScheduleKey] = a
	}
	return m
}

func fillCorrections(vec []float64, corr map[string]domain.CorrectionAggregate, key pairKey, schedule string) {
	agg, ok := corr[key.store+"|"+key.sap+"|"+schedule]
	if !ok {
		agg, ok = corr[key.store+"|"+key.sap+"|"]
	}
	if !ok {
		return
	}
	vec[idxCorrSamples] = float64(agg.Samples)
	vec[idxCorrAvgDelta] = agg.AvgDelta
	vec[idxCorrAvgRatio] = agg.AvgRatio
	vec[idxCorrRatioStddev] = agg.RatioStddev
	vec[idxCorrRemovalRate] = agg.RemovalRate
	vec[idxCorrPromoRate] = agg.PromoRate
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func medianDateGap(dates []time.Time) int {
	if len(dates) < 2 {
		return 7
	}
	gaps := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		gaps = append(gaps, float64(domain.DaysBetween(dates[i-1], dates[i])))
	}
	return int(math.Round(median(gaps)))
}

func medianLeadTime(leadTimes []int) float64 {
	var known []float64
	for _, lt := range leadTimes {
		if lt >= 0 {
			known = append(known, float64(lt))
		}
	}
	if len(known) == 0 {
		return 0
	}
	return median(known)
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
)

const (
	// minZScore floors the observed quantile so a near-zero coverage cannot
	// produce an unbounded widening factor.
	minZScore = 0.05

	// Per-source multipliers stay inside a tighter corridor than the
	// schedule-level scale, and move in smaller steps.
	sourceScaleMin     = 0.5
	sourceScaleMax     = 4.0
	sourceMaxStepUnits = 1.0
)

// CoverageObservation is one schedule's empirical band performance from a
// walk-forward backtest.
type CoverageObservation struct {
	RouteNumber      string
	ScheduleKey      string
	ObservedCoverage float64
	UnderRate        float64
	OverRate         float64
	AvgWidthUnits    float64
	SampleLines      int
	FoldCount        int
	BacktestAt       time.Time
	PerSource        []SourceObservation
}

// SourceObservation is the coverage slice for a single forecast source tag.
type SourceObservation struct {
	Source           domain.ForecastSource
	ObservedCoverage float64
	UnderRate        float64
	OverRate         float64
	AvgWidthUnits    float64
	LineCount        int
}

// ObservationProvider supplies fresh coverage observations for a route,
// typically by running a walk-forward backtest.
type ObservationProvider interface {
	CoverageObservations(route string) ([]CoverageObservation, error)
}

// Calibrator nudges band scale and center offset toward the target
// coverage, one damped step per run.
type Calibrator struct {
	repo     *Repository
	cfg      config.CalibrationConfig
	clock    clock.Clock
	events   *events.Manager
	provider ObservationProvider
	log      zerolog.Logger
}

// NewCalibrator creates a new band calibrator.
func NewCalibrator(repo *Repository, cfg config.CalibrationConfig, clk clock.Clock, eventManager *events.Manager, log zerolog.Logger) *Calibrator {
	return &Calibrator{
		repo:   repo,
		cfg:    cfg,
		clock:  clk,
		events: eventManager,
		log:    log.With().Str("service", "calibrator").Logger(),
	}
}

// SetObservationProvider wires the backtest-backed observation source.
func (c *Calibrator) SetObservationProvider(p ObservationProvider) {
	c.provider = p
}

// CalibrateRouteIfDue runs calibration for the route unless it ran within
// the configured cadence. force bypasses the cadence gate, never the
// minimum-sample gate.
func (c *Calibrator) CalibrateRouteIfDue(route string, force bool) error {
	if !c.cfg.Enabled {
		c.log.Debug().Str("route", route).Msg("Calibration disabled, skipping")
		return nil
	}

	if !force {
		last, err := c.repo.LatestUpdatedAt(route)
		if err != nil {
			return err
		}
		if last != nil {
			age := c.clock.Now().Sub(*last)
			if age < time.Duration(c.cfg.MinDaysBetweenRuns)*24*time.Hour {
				c.log.Debug().
					Str("route", route).
					Dur("age", age).
					Msg("Calibration ran recently, skipping")
				return nil
			}
		}
	}

	if c.provider == nil {
		return fmt.Errorf("no observation provider configured")
	}

	observations, err := c.provider.CoverageObservations(route)
	if err != nil {
		return fmt.Errorf("failed to collect coverage observations: %w", err)
	}
	return c.ApplyObservations(observations)
}

// ApplyObservations folds each observation into the stored calibration
// state. Observations below the minimum line count are skipped so a thin
// backtest cannot swing the bands.
func (c *Calibrator) ApplyObservations(observations []CoverageObservation) error {
	for _, obs := range observations {
		if err := c.applyOne(obs); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calibrator) applyOne(obs CoverageObservation) error {
	if obs.SampleLines < c.cfg.MinLines {
		c.log.Info().
			Str("route", obs.RouteNumber).
			Str("schedule", obs.ScheduleKey).
			Int("sample_lines", obs.SampleLines).
			Int("min_lines", c.cfg.MinLines).
			Msg("Too few backtest lines, calibration unchanged")
		return nil
	}

	now := c.clock.Now()
	prior, err := c.repo.GetBand(obs.RouteNumber, obs.ScheduleKey, c.cfg.IntervalName)
	if err != nil {
		return err
	}
	if prior == nil {
		prior = &domain.BandCalibration{
			RouteNumber: obs.RouteNumber,
			ScheduleKey: obs.ScheduleKey,
			Interval:    c.cfg.IntervalName,
			BandScale:   1.0,
		}
	}

	next := *prior
	next.BandScale = scaleStep(prior.BandScale, obs.ObservedCoverage, c.cfg.TargetCoverage,
		c.cfg.Damping, c.cfg.ScaleMin, c.cfg.ScaleMax)
	next.CenterOffsetUnits = centerStep(prior.CenterOffsetUnits, obs.OverRate, obs.UnderRate,
		obs.AvgWidthUnits, c.cfg.CenterDamping, c.cfg.MaxStepUnits, c.cfg.CenterOffsetMaxAbs)
	next.ObservedCoverage = obs.ObservedCoverage
	next.TargetCoverage = c.cfg.TargetCoverage
	next.UnderRate = obs.UnderRate
	next.OverRate = obs.OverRate
	next.SampleLines = obs.SampleLines
	next.FoldCount = obs.FoldCount
	next.LastBacktestAt = obs.BacktestAt
	next.UpdatedAt = now

	if err := c.repo.UpsertBand(next); err != nil {
		return err
	}

	if len(obs.PerSource) > 0 {
		existing, err := c.repo.SourcesFor(obs.RouteNumber, obs.ScheduleKey, c.cfg.IntervalName)
		if err != nil {
			return err
		}
		for _, src := range obs.PerSource {
			if err := c.applySource(obs, src, existing, now); err != nil {
				return err
			}
		}
	}

	c.log.Info().
		Str("route", obs.RouteNumber).
		Str("schedule", obs.ScheduleKey).
		Float64("observed", obs.ObservedCoverage).
		Float64("target", c.cfg.TargetCoverage).
		Float64("band_scale", next.BandScale).
		Float64("center_offset", next.CenterOffsetUnits).
		Msg("Band calibration updated")

	if c.events != nil {
		c.events.EmitTyped(events.CalibrationUpdated, "calibration", &events.CalibrationUpdatedData{
			RouteNumber:      obs.RouteNumber,
			ScheduleKey:      obs.ScheduleKey,
			Interval:         c.cfg.IntervalName,
			ObservedCoverage: obs.ObservedCoverage,
			ScaleFactor:      next.BandScale,
			CenterOffset:     next.CenterOffsetUnits,
			LineCount:        obs.SampleLines,
		})
	}
	return nil
}

func (c *Calibrator) applySource(obs CoverageObservation, src SourceObservation, existing map[domain.ForecastSource]domain.SourceCalibration, now time.Time) error {
	if src.LineCount < c.cfg.MinLines {
		return nil
	}

	minScale := math.Max(sourceScaleMin, c.cfg.ScaleMin)
	maxScale := math.Min(sourceScaleMax, c.cfg.ScaleMax)
	maxStep := math.Min(sourceMaxStepUnits, c.cfg.MaxStepUnits)

	prior, ok := existing[src.Source]
	if !ok {
		prior = domain.SourceCalibration{
			RouteNumber:   obs.RouteNumber,
			ScheduleKey:   obs.ScheduleKey,
			Interval:      c.cfg.IntervalName,
			Source:        src.Source,
			BandScaleMult: 1.0,
		}
	}

	prior.BandScaleMult = scaleStep(prior.BandScaleMult, src.ObservedCoverage,
		c.cfg.TargetCoverage, c.cfg.Damping, minScale, maxScale)
	prior.CenterOffsetUnits = centerStep(prior.CenterOffsetUnits, src.OverRate, src.UnderRate,
		src.AvgWidthUnits, c.cfg.CenterDamping, maxStep, c.cfg.CenterOffsetMaxAbs)
	prior.ObservedCoverage = src.ObservedCoverage
	prior.LineCount = src.LineCount
	prior.UpdatedAt = now

	return c.repo.UpsertSource(prior)
}

// scaleStep converts the coverage miss into a multiplicative width
// adjustment. Coverages map through the standard normal quantile so a
// symmetric band at coverage c spans +/- z(c) standard deviations; the
// width correction is the ratio of target to observed z, damped.
func scaleStep(oldScale, observed, target, damping, minScale, maxScale float64) float64 {
	zObs := coverageZ(observed)
	if zObs < minZScore {
		zObs = minZScore
	}
	zTgt := coverageZ(target)
	factor := math.Pow(zTgt/zObs, damping)
	return clampFloat(oldScale*factor, minScale, maxScale)
}

// centerStep shifts the band toward whichever tail the actuals escape
// through more often. over > under means actuals land above p90, so the
// band moves up.
func centerStep(oldCenter, overRate, underRate, avgWidthUnits, damping, maxStep, maxAbs float64) float64 {
	skew := overRate - underRate
	halfWidth := math.Max(1.0, avgWidthUnits/2)
	step := clampFloat(skew*halfWidth*damping, -maxStep, maxStep)
	return clampFloat(oldCenter+step, -maxAbs, maxAbs)
}

func coverageZ(coverage float64) float64 {
	c := clampFloat(coverage, 0.01, 0.99)
	return distuv.UnitNormal.Quantile((1 + c) / 2)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

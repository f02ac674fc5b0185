package calibration

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

func testCalibrationConfig() config.CalibrationConfig {
	return config.CalibrationConfig{
		Enabled:            true,
		IntervalName:       "p10_p90",
		TargetCoverage:     0.80,
		MinLines:           200,
		Damping:            1.0,
		CenterDamping:      0.5,
		MaxStepUnits:       2.0,
		ScaleMin:           0.25,
		ScaleMax:           8.0,
		CenterOffsetMaxAbs: 5.0,
		MinDaysBetweenRuns: 7,
	}
}

func TestScaleStep(t *testing.T) {
	t.Run("on-target coverage leaves scale unchanged", func(t *testing.T) {
		got := scaleStep(1.3, 0.80, 0.80, 1.0, 0.25, 8.0)
		assert.InDelta(t, 1.3, got, 1e-9)
	})

	t.Run("undercoverage widens by the z ratio", func(t *testing.T) {
		// z(0.60) ~ 0.842, z(0.80) ~ 1.282, ratio ~ 1.523
		got := scaleStep(1.0, 0.60, 0.80, 1.0, 0.25, 8.0)
		assert.InDelta(t, 1.523, got, 0.01)
	})

	t.Run("overcoverage narrows", func(t *testing.T) {
		got := scaleStep(1.0, 0.95, 0.80, 1.0, 0.25, 8.0)
		assert.Less(t, got, 1.0)
		assert.Greater(t, got, 0.25)
	})

	t.Run("damping softens the step", func(t *testing.T) {
		full := scaleStep(1.0, 0.60, 0.80, 1.0, 0.25, 8.0)
		damped := scaleStep(1.0, 0.60, 0.80, 0.5, 0.25, 8.0)
		assert.Less(t, damped, full)
		assert.Greater(t, damped, 1.0)
		assert.InDelta(t, 1.234, damped, 0.01)
	})

	t.Run("near-zero coverage is clamped to the max scale", func(t *testing.T) {
		got := scaleStep(1.0, 0.0, 0.80, 1.0, 0.25, 8.0)
		assert.Equal(t, 8.0, got)
	})

	t.Run("result stays within bounds", func(t *testing.T) {
		for _, obs := range []float64{0.0, 0.10, 0.45, 0.80, 0.95, 1.0} {
			for _, old := range []float64{0.25, 1.0, 8.0} {
				got := scaleStep(old, obs, 0.80, 1.0, 0.25, 8.0)
				assert.GreaterOrEqual(t, got, 0.25)
				assert.LessOrEqual(t, got, 8.0)
			}
		}
	})
}

func TestCenterStep(t *testing.T) {
	t.Run("balanced tails leave center unchanged", func(t *testing.T) {
		got := centerStep(0.7, 0.10, 0.10, 8.0, 0.5, 2.0, 5.0)
		assert.InDelta(t, 0.7, got, 1e-9)
	})

	t.Run("over-heavy tail shifts the band up", func(t *testing.T) {
		// skew 0.10, half-width 4, damping 0.5 -> step 0.2
		got := centerStep(0.0, 0.15, 0.05, 8.0, 0.5, 2.0, 5.0)
		assert.InDelta(t, 0.2, got, 1e-9)
	})

	t.Run("under-heavy tail shifts the band down", func(t *testing.T) {
		got := centerStep(0.0, 0.05, 0.15, 8.0, 0.5, 2.0, 5.0)
		assert.InDelta(t, -0.2, got, 1e-9)
	})

	t.Run("narrow bands use the one-unit half-width floor", func(t *testing.T) {
		// avg width 0.8 -> half-width floors at 1.0
		got := centerStep(0.0, 0.25, 0.05, 0.8, 0.5, 2.0, 5.0)
		assert.InDelta(t, 0.1, got, 1e-9)
	})

	t.Run("step is capped", func(t *testing.T) {
		got := centerStep(0.0, 0.90, 0.0, 100.0, 0.5, 2.0, 5.0)
		assert.InDelta(t, 2.0, got, 1e-9)
	})

	t.Run("center offset is capped in absolute value", func(t *testing.T) {
		got := centerStep(4.5, 0.90, 0.0, 100.0, 0.5, 2.0, 5.0)
		assert.InDelta(t, 5.0, got, 1e-9)

		got = centerStep(-4.5, 0.0, 0.90, 100.0, 0.5, 2.0, 5.0)
		assert.InDelta(t, -5.0, got, 1e-9)
	})
}

type stubObservationProvider struct {
	calls int
	obs   []CoverageObservation
	err   error
}

func (s *stubObservationProvider) CoverageObservations(route string) ([]CoverageObservation, error) {
	s.calls++
	return s.obs, s.err
}

func newTestCalibrator(t *testing.T, cfg config.CalibrationConfig) (*Calibrator, *Repository, *events.Bus, *clock.FixedClock) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanup)

	log := zerolog.Nop()
	repo := NewRepository(db.Conn(), log)
	bus := events.NewBus(log)
	manager := events.NewManager(bus, log)
	clk := clock.NewFixedClock(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC))

	return NewCalibrator(repo, cfg, clk, manager, log), repo, bus, clk
}

func TestApplyObservations(t *testing.T) {
	cal, repo, bus, clk := newTestCalibrator(t, testCalibrationConfig())

	var updated []*events.Event
	bus.Subscribe(events.CalibrationUpdated, func(e *events.Event) {
		updated = append(updated, e)
	})

	obs := CoverageObservation{
		RouteNumber:      "508",
		ScheduleKey:      "monday",
		ObservedCoverage: 0.60,
		UnderRate:        0.25,
		OverRate:         0.15,
		AvgWidthUnits:    8.0,
		SampleLines:      320,
		FoldCount:        12,
		BacktestAt:       clk.Now().Add(-time.Hour),
		PerSource: []SourceObservation{
			{Source: domain.SourceScheduleAware, ObservedCoverage: 0.70, UnderRate: 0.20, OverRate: 0.10, AvgWidthUnits: 8.0, LineCount: 250},
			{Source: domain.SourceStoreCentric, ObservedCoverage: 0.50, UnderRate: 0.30, OverRate: 0.20, AvgWidthUnits: 6.0, LineCount: 50},
		},
	}
	require.NoError(t, cal.ApplyObservations([]CoverageObservation{obs}))

	t.Run("band row is created and stepped", func(t *testing.T) {
		band, err := repo.GetBand("508", "monday", "p10_p90")
		require.NoError(t, err)
		require.NotNil(t, band)
		assert.InDelta(t, 1.523, band.BandScale, 0.01)
		// skew 0.15-0.25 = -0.10, half-width 4, damping 0.5 -> step -0.2
		assert.InDelta(t, -0.2, band.CenterOffsetUnits, 1e-9)
		assert.InDelta(t, 0.60, band.ObservedCoverage, 1e-9)
		assert.InDelta(t, 0.80, band.TargetCoverage, 1e-9)
		assert.Equal(t, 320, band.SampleLines)
		assert.Equal(t, 12, band.FoldCount)
	})

	t.Run("sources below the line threshold are skipped", func(t *testing.T) {
		sources, err := repo.SourcesFor("508", "monday", "p10_p90")
		require.NoError(t, err)
		require.Len(t, sources, 1)

		src, ok := sources[domain.SourceScheduleAware]
		require.True(t, ok)
		// z(0.70) ~ 1.036, z(0.80) ~ 1.282, ratio ~ 1.237
		assert.InDelta(t, 1.237, src.BandScaleMult, 0.01)
		assert.Equal(t, 250, src.LineCount)
	})

	t.Run("update event carries typed data", func(t *testing.T) {
		require.Len(t, updated, 1)
		data, ok := updated[0].GetTypedData().(*events.CalibrationUpdatedData)
		require.True(t, ok)
		assert.Equal(t, "508", data.RouteNumber)
		assert.Equal(t, "monday", data.ScheduleKey)
		assert.InDelta(t, 0.60, data.ObservedCoverage, 1e-9)
		assert.InDelta(t, 1.523, data.ScaleFactor, 0.01)
	})

	t.Run("on-target follow-up leaves the scale in place", func(t *testing.T) {
		band, err := repo.GetBand("508", "monday", "p10_p90")
		require.NoError(t, err)

		followUp := obs
		followUp.ObservedCoverage = 0.80
		followUp.UnderRate = 0.10
		followUp.OverRate = 0.10
		followUp.PerSource = nil
		require.NoError(t, cal.ApplyObservations([]CoverageObservation{followUp}))

		after, err := repo.GetBand("508", "monday", "p10_p90")
		require.NoError(t, err)
		assert.InDelta(t, band.BandScale, after.BandScale, 1e-9)
		assert.InDelta(t, band.CenterOffsetUnits, after.CenterOffsetUnits, 1e-9)
	})

	t.Run("thin backtests are ignored", func(t *testing.T) {
		thin := CoverageObservation{
			RouteNumber:      "508",
			ScheduleKey:      "thursday",
			ObservedCoverage: 0.40,
			SampleLines:      150,
		}
		require.NoError(t, cal.ApplyObservations([]CoverageObservation{thin}))

		band, err := repo.GetBand("508", "thursday", "p10_p90")
		require.NoError(t, err)
		assert.Nil(t, band)
	})
}

func TestCalibrateRouteIfDue(t *testing.T) {
	cfg := testCalibrationConfig()
	cal, _, _, clk := newTestCalibrator(t, cfg)

	provider := &stubObservationProvider{obs: []CoverageObservation{{
		RouteNumber:      "508",
		ScheduleKey:      "monday",
		ObservedCoverage: 0.70,
		UnderRate:        0.20,
		OverRate:         0.10,
		AvgWidthUnits:    6.0,
		SampleLines:      400,
		FoldCount:        10,
		BacktestAt:       clk.Now(),
	}}}
	cal.SetObservationProvider(provider)

	t.Run("first run always calibrates", func(t *testing.T) {
		require.NoError(t, cal.CalibrateRouteIfDue("508", false))
		assert.Equal(t, 1, provider.calls)
	})

	t.Run("second run inside the cadence window is skipped", func(t *testing.T) {
		require.NoError(t, cal.CalibrateRouteIfDue("508", false))
		assert.Equal(t, 1, provider.calls)
	})

	t.Run("force bypasses the cadence gate", func(t *testing.T) {
		require.NoError(t, cal.CalibrateRouteIfDue("508", true))
		assert.Equal(t, 2, provider.calls)
	})

	t.Run("run after the cadence window calibrates again", func(t *testing.T) {
		clk.Advance(8 * 24 * time.Hour)
		require.NoError(t, cal.CalibrateRouteIfDue("508", false))
		assert.Equal(t, 3, provider.calls)
	})
}

func TestCalibrateRouteIfDueDisabled(t *testing.T) {
	cfg := testCalibrationConfig()
	cfg.Enabled = false
	cal, _, _, _ := newTestCalibrator(t, cfg)

	provider := &stubObservationProvider{}
	cal.SetObservationProvider(provider)

	require.NoError(t, cal.CalibrateRouteIfDue("508", false))
	assert.Equal(t, 0, provider.calls)
}

package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/modules/features"
	"github.com/routespark/routespark/internal/modules/schedule"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

type stubEngineOrders struct {
	window    []domain.Order
	finalized map[string]int
	last      map[string]*domain.Order
}

func (s *stubEngineOrders) OrdersInWindow(route string, sinceDays int, scheduleKey string, now time.Time) ([]domain.Order, error) {
	if scheduleKey == "" {
		return s.window, nil
	}
	var out []domain.Order
	for _, o := range s.window {
		if o.ScheduleKey == scheduleKey {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *stubEngineOrders) CountFinalized(route, scheduleKey string) (int, error) {
	return s.finalized[scheduleKey], nil
}

func (s *stubEngineOrders) CountFinalizedPerSchedule(route string) (map[string]int, error) {
	return s.finalized, nil
}

func (s *stubEngineOrders) LastFinalized(route, scheduleKey string) (*domain.Order, error) {
	return s.last[scheduleKey], nil
}

type stubEngineCorrections struct {
	corrected map[string]int
	aggs      []domain.CorrectionAggregate
}

func (s *stubEngineCorrections) CountCorrectedOrders(route, scheduleKey string, cutoff time.Time) (int, error) {
	return s.corrected[scheduleKey], nil
}

func (s *stubEngineCorrections) AggregatesUpTo(route, scheduleKey string, cutoff time.Time) ([]domain.CorrectionAggregate, error) {
	if scheduleKey == "" {
		return s.aggs, nil
	}
	var out []domain.CorrectionAggregate
	for _, a := range s.aggs {
		if a.ScheduleKey == scheduleKey {
			out = append(out, a)
		}
	}
	return out, nil
}

type stubBandReader struct {
	band    *domain.BandCalibration
	sources map[domain.ForecastSource]domain.SourceCalibration
}

func (s *stubBandReader) GetBand(route, scheduleKey, interval string) (*domain.BandCalibration, error) {
	return s.band, nil
}

func (s *stubBandReader) SourcesFor(route, scheduleKey, interval string) (map[domain.ForecastSource]domain.SourceCalibration, error) {
	return s.sources, nil
}

type captureCache struct {
	payloads []*domain.ForecastPayload
	err      error
}

func (c *captureCache) Put(ctx context.Context, payload *domain.ForecastPayload) error {
	if c.err != nil {
		return c.err
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

type stubFloorProvider struct {
	floors []domain.ExpiryFloor
	err    error
}

func (s *stubFloorProvider) FloorsForRoute(ctx context.Context, route string) ([]domain.ExpiryFloor, error) {
	return s.floors, s.err
}

type engineFixture struct {
	engine *Engine
	orders *stubEngineOrders
	corr   *stubEngineCorrections
	bands  *stubBandReader
	cache  *captureCache
	models *ModelStore
	bus    *events.Bus
	clk    *clock.FixedClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanup)

	f := &engineFixture{
		orders: &stubEngineOrders{finalized: map[string]int{}, last: map[string]*domain.Order{}},
		corr:   &stubEngineCorrections{corrected: map[string]int{}},
		bands:  &stubBandReader{},
		cache:  &captureCache{},
		models: NewModelStore(db.Conn(), zerolog.Nop()),
		bus:    events.NewBus(zerolog.Nop()),
		clk:    clock.NewFixedClock(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)),
	}

	cfg := config.ForecastConfig{
		MinScheduleOrdersForML:       7,
		MinCorrectedOrdersForML:      3,
		StrictScheduleValidation:     true,
		AllowStoreContextOnAmbiguous: false,
		StoreContextMinTotalOrders:   24,
		StoreContextMinPerSchedule:   6,
		StoreContextMinSchedules:     2,
		LookbackDays:                 365,
		TTLHours:                     72,
		WholeCaseRoundUpThreshold:    0.75,
	}
	calCfg := config.CalibrationConfig{IntervalName: "p10_p90"}

	f.engine = NewEngine(
		f.orders,
		f.corr,
		f.bands,
		f.models,
		features.NewBuilder(clock.NewHolidaySet(nil), zerolog.Nop()),
		f.cache,
		f.clk,
		events.NewManager(f.bus, zerolog.Nop()),
		cfg,
		calCfg,
		zerolog.Nop(),
	)
	return f
}

func mondayDelivery(route *domain.Route) schedule.Delivery {
	return schedule.Delivery{
		Date:        domain.MustParseDate("2025-03-13"),
		ScheduleKey: "monday",
		Cycle:       route.Cycles[0],
	}
}

func TestEngineGenerate(t *testing.T) {
	route := testingpkg.NewRoute("989262")

	t.Run("cold start clones the last order with a fixed band", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3
		last := testingpkg.NewFinalizedOrder("989262", "monday", "2025-03-06",
			testingpkg.Line("store-102", "4411", 10),
			testingpkg.Line("store-102", "4412", 4),
		)
		f.orders.last["monday"] = &last

		var captured []*events.Event
		f.bus.Subscribe(events.ForecastGenerated, func(e *events.Event) {
			captured = append(captured, e)
		})

		payload, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.NoError(t, err)
		require.NotNil(t, payload)

		assert.Equal(t, domain.ModeCopyLastOrder, payload.Mode)
		assert.Equal(t, "monday", payload.ScheduleKey)
		assert.NotEmpty(t, payload.ForecastID)
		assert.Equal(t, f.clk.Now(), payload.GeneratedAt)
		assert.Equal(t, f.clk.Now().Add(72*time.Hour), payload.ExpiresAt)

		require.Len(t, payload.Items, 2)
		first := payload.Items[0]
		assert.Equal(t, "4411", first.SAP)
		assert.Equal(t, 10, first.RecommendedUnits)
		assert.Equal(t, 7.0, first.P10)
		assert.Equal(t, 10.0, first.P50)
		assert.Equal(t, 13.0, first.P90)
		assert.Equal(t, 0.72, first.Confidence)
		assert.Equal(t, domain.SourceLastOrderAnchor, first.Source)
		require.NotNil(t, first.PriorOrderUnits)
		assert.Equal(t, 10, *first.PriorOrderUnits)

		second := payload.Items[1]
		assert.Equal(t, 3.0, second.P10) // round(0.7 * 4)
		assert.Equal(t, 5.0, second.P90) // round(1.3 * 4)

		require.Len(t, f.cache.payloads, 1)
		assert.Same(t, payload, f.cache.payloads[0])

		require.Len(t, captured, 1)
		data, ok := captured[0].GetTypedData().(*events.ForecastGeneratedData)
		require.True(t, ok)
		assert.Equal(t, "copy_last_order", data.Mode)
		assert.Equal(t, 2, data.ItemCount)
		assert.InDelta(t, 0.72, data.Confidence, 1e-9)
	})

	t.Run("no finalized orders fails closed", func(t *testing.T) {
		f := newEngineFixture(t)

		_, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.Error(t, err)
		assert.True(t, domain.IsCode(err, domain.ErrInsufficientHistory))
		assert.Empty(t, f.cache.payloads)
	})

	t.Run("cold start enforces whole cases on the cloned order", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3
		last := testingpkg.NewFinalizedOrder("989262", "monday", "2025-03-06",
			testingpkg.LineWithCasePack("store-101", "15210", 5, 12),
			testingpkg.LineWithCasePack("store-102", "15210", 7, 12),
			testingpkg.LineWithCasePack("store-103", "15210", 3, 12),
		)
		f.orders.last["monday"] = &last

		payload, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.NoError(t, err)

		total := 0
		for _, item := range payload.Items {
			total += item.RecommendedUnits
		}
		assert.Equal(t, 24, total)
		assert.Zero(t, total%12)

		absorber := payload.Items[1]
		assert.Equal(t, "store-102", absorber.StoreID)
		assert.Equal(t, 16, absorber.RecommendedUnits)
		require.NotNil(t, absorber.WholeCase)
		assert.True(t, absorber.WholeCase.AbsorbsResidue)
	})

	t.Run("deep schedule history fits a schedule aware model", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 10
		f.corr.corrected["monday"] = 5
		f.orders.window = testingpkg.WeeklyOrders("989262", "monday", "2025-03-10", 10, []int{6, 8, 7, 9})

		payload, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.NoError(t, err)

		assert.Equal(t, domain.ModeScheduleAware, payload.Mode)
		require.Len(t, payload.Items, 1)
		item := payload.Items[0]
		assert.Equal(t, domain.SourceScheduleAware, item.Source)
		assert.GreaterOrEqual(t, item.RecommendedUnits, 1)
		assert.LessOrEqual(t, item.RecommendedUnits, 20)
		assert.LessOrEqual(t, item.P10, item.P50)
		assert.LessOrEqual(t, item.P50, item.P90)

		has, err := f.models.HasTrainedModel("989262")
		require.NoError(t, err)
		assert.True(t, has)

		model, mode, err := f.models.Load("989262", "monday")
		require.NoError(t, err)
		require.NotNil(t, model)
		assert.Equal(t, domain.ModeScheduleAware, mode)
	})

	t.Run("deep cross-schedule history goes store centric", func(t *testing.T) {
		f := newEngineFixture(t)
		twoCycle := testingpkg.NewRoute("989262",
			domain.OrderCycle{OrderDay: 1, LoadDay: 2, DeliveryDay: 4},
			domain.OrderCycle{OrderDay: 3, LoadDay: 4, DeliveryDay: 6},
		)
		f.orders.finalized = map[string]int{"monday": 15, "wednesday": 12}
		f.corr.corrected["monday"] = 5
		f.orders.window = append(
			testingpkg.WeeklyOrders("989262", "monday", "2025-03-10", 10, []int{6, 8, 7, 9}),
			testingpkg.WeeklyOrders("989262", "wednesday", "2025-03-08", 8, []int{4, 5})...,
		)

		payload, err := f.engine.Generate(context.Background(), &twoCycle, mondayDelivery(&twoCycle))
		require.NoError(t, err)

		assert.Equal(t, domain.ModeStoreCentric, payload.Mode)
		require.NotEmpty(t, payload.Items)
		assert.Equal(t, domain.SourceStoreCentric, payload.Items[0].Source)
	})

	t.Run("band calibration widens the anchor band", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3
		last := testingpkg.NewFinalizedOrder("989262", "monday", "2025-03-06",
			testingpkg.Line("store-102", "4411", 10),
		)
		f.orders.last["monday"] = &last
		f.bands.band = &domain.BandCalibration{BandScale: 2.0}

		payload, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.NoError(t, err)

		item := payload.Items[0]
		// 10 +/- 3 widened to 10 +/- 6.
		assert.InDelta(t, 4.0, item.P10, 1e-9)
		assert.InDelta(t, 16.0, item.P90, 1e-9)
	})

	t.Run("expiry floors raise and inject lines", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3
		last := testingpkg.NewFinalizedOrder("989262", "monday", "2025-03-06",
			testingpkg.Line("store-102", "4411", 2),
		)
		f.orders.last["monday"] = &last
		f.engine.SetFloorProvider(&stubFloorProvider{floors: []domain.ExpiryFloor{
			{StoreID: "store-102", SAP: "4411", ExpiryDate: domain.MustParseDate("2025-03-14"), MinUnitsRequired: 6},
			{StoreID: "store-107", SAP: "4411", ExpiryDate: domain.MustParseDate("2025-03-14"), MinUnitsRequired: 5},
		}})

		payload, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.NoError(t, err)

		require.Len(t, payload.Items, 2)
		raised := payload.Items[0]
		assert.Equal(t, "store-102", raised.StoreID)
		assert.Equal(t, 6, raised.RecommendedUnits)
		assert.Equal(t, FloorReasonLowQtyExpiry, raised.FloorReason)

		injected := payload.Items[1]
		assert.Equal(t, "store-107", injected.StoreID)
		assert.Equal(t, 5, injected.RecommendedUnits)
		assert.Equal(t, domain.SourceExpiryReplacement, injected.Source)
	})

	t.Run("floor provider failure degrades to no floors", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3
		last := testingpkg.NewFinalizedOrder("989262", "monday", "2025-03-06",
			testingpkg.Line("store-102", "4411", 2),
		)
		f.orders.last["monday"] = &last
		f.engine.SetFloorProvider(&stubFloorProvider{err: assert.AnError})

		payload, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.NoError(t, err)
		assert.Equal(t, 2, payload.Items[0].RecommendedUnits)
		assert.Empty(t, payload.Items[0].FloorReason)
	})

	t.Run("cache write failure propagates", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3
		last := testingpkg.NewFinalizedOrder("989262", "monday", "2025-03-06",
			testingpkg.Line("store-102", "4411", 2),
		)
		f.orders.last["monday"] = &last
		f.cache.err = assert.AnError

		_, err := f.engine.Generate(context.Background(), &route, mondayDelivery(&route))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to store forecast")
	})
}

func TestEngineTrainRoute(t *testing.T) {
	route := testingpkg.NewRoute("989262")

	t.Run("model branch schedules are snapshotted", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 10
		f.corr.corrected["monday"] = 5
		f.orders.window = testingpkg.WeeklyOrders("989262", "monday", "2025-03-10", 10, []int{6, 8, 7, 9})

		trained, err := f.engine.TrainRoute(&route)
		require.NoError(t, err)
		assert.Equal(t, 1, trained)

		has, err := f.models.HasTrainedModel("989262")
		require.NoError(t, err)
		assert.True(t, has)

		at, err := f.models.TrainedAt("989262", "monday")
		require.NoError(t, err)
		require.NotNil(t, at)
		assert.Equal(t, f.clk.Now(), *at)
	})

	t.Run("cold start schedules are skipped", func(t *testing.T) {
		f := newEngineFixture(t)
		f.orders.finalized["monday"] = 3

		trained, err := f.engine.TrainRoute(&route)
		require.NoError(t, err)
		assert.Zero(t, trained)

		has, err := f.models.HasTrainedModel("989262")
		require.NoError(t, err)
		assert.False(t, has)
	})
}

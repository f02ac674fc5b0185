package orders

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/domain"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

func newTestRepos(t *testing.T) (*OrdersRepository, *CorrectionsRepository) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "orders")
	t.Cleanup(cleanup)
	return NewOrdersRepository(db.Conn(), zerolog.Nop()),
		NewCorrectionsRepository(db.Conn(), zerolog.Nop())
}

func TestOrdersRepositorySaveAndGet(t *testing.T) {
	repo, _ := newTestRepos(t)

	forecasted := 10
	order := testingpkg.NewFinalizedOrder("508", "monday", "2025-02-05",
		domain.LineItem{StoreID: "store-1", SAP: "10001", Units: 12, CasePack: 6, ForecastedUnits: &forecasted, UserAdjusted: true},
		testingpkg.Line("store-2", "10001", 4),
	)
	order.ForecastID = "fc-1"
	require.NoError(t, repo.SaveOrder(&order))

	got, err := repo.GetByID(order.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "508", got.RouteNumber)
	assert.Equal(t, "monday", got.ScheduleKey)
	assert.Equal(t, domain.OrderStatusFinalized, got.Status)
	assert.Equal(t, "fc-1", got.ForecastID)
	assert.Equal(t, "2025-02-05", domain.FormatDate(got.DeliveryDate))
	require.NotNil(t, got.FinalizedAt)

	require.Len(t, got.Lines, 2)
	assert.Equal(t, "store-1", got.Lines[0].StoreID)
	assert.Equal(t, 12, got.Lines[0].Units)
	assert.Equal(t, 6, got.Lines[0].CasePack)
	require.NotNil(t, got.Lines[0].ForecastedUnits)
	assert.Equal(t, 10, *got.Lines[0].ForecastedUnits)
	assert.True(t, got.Lines[0].UserAdjusted)
	assert.Nil(t, got.Lines[1].ForecastedUnits)

	t.Run("missing order returns nil", func(t *testing.T) {
		got, err := repo.GetByID("nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("resave replaces lines", func(t *testing.T) {
		order.Lines = []domain.LineItem{testingpkg.Line("store-3", "20002", 5)}
		require.NoError(t, repo.SaveOrder(&order))

		got, err := repo.GetByID(order.ID)
		require.NoError(t, err)
		require.Len(t, got.Lines, 1)
		assert.Equal(t, "store-3", got.Lines[0].StoreID)
	})
}

func TestOrdersRepositoryQueries(t *testing.T) {
	repo, _ := newTestRepos(t)

	// Four Monday-schedule deliveries plus one Thursday-schedule delivery.
	mondays := testingpkg.WeeklyOrders("508", "monday", "2025-02-03", 4, []int{6, 8, 10, 12})
	for i := range mondays {
		require.NoError(t, repo.SaveOrder(&mondays[i]))
	}
	thursday := testingpkg.NewFinalizedOrder("508", "thursday", "2025-02-06")
	require.NoError(t, repo.SaveOrder(&thursday))

	draft := testingpkg.NewDraftOrder("508", "monday", "2025-02-10")
	require.NoError(t, repo.SaveOrder(&draft))

	now := domain.MustParseDate("2025-02-07")

	t.Run("orders in window filter schedule and status", func(t *testing.T) {
		got, err := repo.OrdersInWindow("508", 30, "monday", now)
		require.NoError(t, err)
		require.Len(t, got, 4)
		// Oldest first.
		assert.Equal(t, "2025-01-13", domain.FormatDate(got[0].DeliveryDate))
		assert.Equal(t, "2025-02-03", domain.FormatDate(got[3].DeliveryDate))
		require.NotEmpty(t, got[0].Lines)

		all, err := repo.OrdersInWindow("508", 30, "", now)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		narrow, err := repo.OrdersInWindow("508", 7, "monday", now)
		require.NoError(t, err)
		assert.Len(t, narrow, 1)
	})

	t.Run("finalized before is strict", func(t *testing.T) {
		got, err := repo.FinalizedBefore("508", "monday", domain.MustParseDate("2025-02-03"))
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("finalized between is inclusive", func(t *testing.T) {
		got, err := repo.FinalizedBetween("508",
			domain.MustParseDate("2025-01-20"), domain.MustParseDate("2025-02-03"), "monday")
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("last finalized", func(t *testing.T) {
		got, err := repo.LastFinalized("508", "monday")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "2025-02-03", domain.FormatDate(got.DeliveryDate))
		assert.Equal(t, 12, got.Lines[0].Units)

		missing, err := repo.LastFinalized("508", "friday")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("last finalized at crosses schedules", func(t *testing.T) {
		got, err := repo.LastFinalizedAt("508", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		// Thursday delivery 2025-02-06 finalizes latest.
		assert.Equal(t, thursday.FinalizedAt.Unix(), got.Unix())

		monday, err := repo.LastFinalizedAt("508", "monday")
		require.NoError(t, err)
		require.NotNil(t, monday)
		assert.Equal(t, mondays[3].FinalizedAt.Unix(), monday.Unix())

		none, err := repo.LastFinalizedAt("999", "")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("counts", func(t *testing.T) {
		count, err := repo.CountFinalized("508", "monday")
		require.NoError(t, err)
		assert.Equal(t, 4, count)

		total, err := repo.CountFinalized("508", "")
		require.NoError(t, err)
		assert.Equal(t, 5, total)

		perSchedule, err := repo.CountFinalizedPerSchedule("508")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"monday": 4, "thursday": 1}, perSchedule)
	})

	t.Run("has finalized for delivery", func(t *testing.T) {
		ok, err := repo.HasFinalizedForDelivery("508", "monday", domain.MustParseDate("2025-02-03"))
		require.NoError(t, err)
		assert.True(t, ok)

		// The draft does not count.
		ok, err = repo.HasFinalizedForDelivery("508", "monday", domain.MustParseDate("2025-02-10"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("has order since", func(t *testing.T) {
		// Latest monday order date is 2025-01-31 (delivery minus three days);
		// the draft adds 2025-02-07.
		ok, err := repo.HasOrderSince("508", "monday", domain.MustParseDate("2025-02-07"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.HasOrderSince("508", "monday", domain.MustParseDate("2025-02-08"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delivery dates between", func(t *testing.T) {
		dates, err := repo.DeliveryDatesBetween("508",
			domain.MustParseDate("2025-01-01"), domain.MustParseDate("2025-02-28"))
		require.NoError(t, err)
		assert.Equal(t, []string{"2025-01-13", "2025-01-20", "2025-01-27", "2025-02-03", "2025-02-06"}, dates)
	})

	t.Run("delivery dates before anchor", func(t *testing.T) {
		dates, err := repo.DeliveryDatesBefore("508", domain.MustParseDate("2025-02-01"), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"2025-01-13", "2025-01-20"}, dates)
	})

	t.Run("finalized delivery dates per schedule", func(t *testing.T) {
		dates, err := repo.FinalizedDeliveryDates("508", "monday")
		require.NoError(t, err)
		// The 2025-02-10 draft is excluded.
		assert.Equal(t, []string{"2025-01-13", "2025-01-20", "2025-01-27", "2025-02-03"}, dates)

		none, err := repo.FinalizedDeliveryDates("508", "friday")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestOrdersRepositoryDeleteDelivery(t *testing.T) {
	repo, corrections := newTestRepos(t)

	keep := testingpkg.NewFinalizedOrder("508", "monday", "2025-01-27")
	purge := testingpkg.NewFinalizedOrder("508", "monday", "2025-01-20")
	require.NoError(t, repo.SaveOrder(&keep))
	require.NoError(t, repo.SaveOrder(&purge))

	require.NoError(t, corrections.Save([]domain.Correction{
		{
			ForecastID: "fc-1", OrderID: purge.ID, RouteNumber: "508", ScheduleKey: "monday",
			DeliveryDate: purge.DeliveryDate, StoreID: "store-1", SAP: "10001",
			PredictedUnits: 5, FinalUnits: 6, Delta: 1, Ratio: 1.2,
			SubmittedAt: time.Date(2025, 1, 17, 18, 0, 0, 0, time.UTC),
		},
		{
			ForecastID: "fc-2", OrderID: keep.ID, RouteNumber: "508", ScheduleKey: "monday",
			DeliveryDate: keep.DeliveryDate, StoreID: "store-1", SAP: "10001",
			PredictedUnits: 6, FinalUnits: 6, Delta: 0, Ratio: 1.0,
			SubmittedAt: time.Date(2025, 1, 24, 18, 0, 0, 0, time.UTC),
		},
	}))

	deleted, err := repo.DeleteDelivery("508", purge.DeliveryDate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	gone, err := repo.GetByID(purge.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := repo.GetByID(keep.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.NotEmpty(t, kept.Lines)

	remaining, err := corrections.ForSchedule("508", "monday", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.ID, remaining[0].OrderID)
}

func TestCorrectionsAggregates(t *testing.T) {
	_, corrections := newTestRepos(t)

	base := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	save := func(orderID string, predicted, final int, promo bool, submittedAt time.Time) {
		t.Helper()
		delta, ratio := domain.NewCorrection(predicted, final)
		require.NoError(t, corrections.Save([]domain.Correction{{
			ForecastID: "fc-x", OrderID: orderID, RouteNumber: "508", ScheduleKey: "monday",
			DeliveryDate:   domain.MustParseDate("2025-01-13"),
			StoreID:        "store-1",
			SAP:            "10001",
			PredictedUnits: predicted,
			FinalUnits:     final,
			Delta:          delta,
			Ratio:          ratio,
			Removed:        final == 0 && predicted > 0,
			Promo:          promo,
			SubmittedAt:    submittedAt,
		}}))
	}

	save("ord-1", 10, 12, false, base)
	save("ord-1", 10, 8, true, base.Add(time.Minute))
	save("ord-2", 5, 0, false, base.Add(2*time.Minute))
	// Submitted after the cutoff below; must be excluded.
	save("ord-3", 10, 20, false, base.Add(48*time.Hour))

	cutoff := base.Add(time.Hour)
	aggs, err := corrections.AggregatesUpTo("508", "monday", cutoff)
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	agg := aggs[0]
	assert.Equal(t, "store-1", agg.StoreID)
	assert.Equal(t, "10001", agg.SAP)
	assert.Equal(t, "monday", agg.ScheduleKey)
	assert.Equal(t, 3, agg.Samples)
	assert.InDelta(t, -5.0/3.0, agg.AvgDelta, 1e-9)    // (2 - 2 - 5) / 3
	assert.InDelta(t, 0.666667, agg.AvgRatio, 1e-4)    // (1.2 + 0.8 + 0) / 3
	assert.InDelta(t, 0.498888, agg.RatioStddev, 1e-4) // population stddev
	assert.InDelta(t, 1.0/3.0, agg.RemovalRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, agg.PromoRate, 1e-9)

	corrected, err := corrections.CountCorrectedOrders("508", "monday", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)

	all, err := corrections.CountCorrectedOrders("508", "monday", base.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, all)
}

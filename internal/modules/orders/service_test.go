package orders

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

type serviceFixture struct {
	service     *Service
	orders      *OrdersRepository
	corrections *CorrectionsRepository
	shares      *SharesRepository
	docs        *docstore.Store
	bus         *events.Bus
	clock       *clock.FixedClock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	ledger, cleanupLedger := testingpkg.NewTestDB(t, "orders")
	t.Cleanup(cleanupLedger)
	state, cleanupState := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanupState)
	docsDB, cleanupDocs := testingpkg.NewTestDB(t, "docs")
	t.Cleanup(cleanupDocs)

	clk := clock.NewFixedClock(time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC))
	log := zerolog.Nop()

	ordersRepo := NewOrdersRepository(ledger.Conn(), log)
	correctionsRepo := NewCorrectionsRepository(ledger.Conn(), log)
	sharesRepo := NewSharesRepository(state.Conn(), log)
	allocationRepo := NewAllocationRepository(state.Conn(), log)
	docs := docstore.New(docsDB.Conn(), clk, log)

	bus := events.NewBus(log)
	manager := events.NewManager(bus, log)

	service := NewService(
		ordersRepo, correctionsRepo, sharesRepo, allocationRepo,
		docs, manager, clk, clock.NewHolidaySet(nil), 365, log,
	)

	return &serviceFixture{
		service:     service,
		orders:      ordersRepo,
		corrections: correctionsRepo,
		shares:      sharesRepo,
		docs:        docs,
		bus:         bus,
		clock:       clk,
	}
}

func TestFinalizeOrderPersistsCorrections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	var received *events.Event
	f.bus.Subscribe(events.OrderFinalized, func(event *events.Event) {
		received = event
	})

	predictedKept := 6
	predictedEdited := 10
	predictedRemoved := 4
	order := testingpkg.NewDraftOrder("508", "monday", "2025-02-05",
		domain.LineItem{StoreID: "store-1", SAP: "10001", Units: 6, CasePack: 1, ForecastedUnits: &predictedKept},
		domain.LineItem{StoreID: "store-1", SAP: "20002", Units: 14, CasePack: 1, ForecastedUnits: &predictedEdited},
		domain.LineItem{StoreID: "store-2", SAP: "10001", Units: 0, CasePack: 1, ForecastedUnits: &predictedRemoved},
		testingpkg.Line("store-2", "30003", 5), // no forecast context
	)
	order.ForecastID = "fc-77"

	require.NoError(t, f.service.FinalizeOrder(ctx, &order))

	stored, err := f.orders.GetByID(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.OrderStatusFinalized, stored.Status)
	require.NotNil(t, stored.FinalizedAt)
	assert.Equal(t, f.clock.Now().Unix(), stored.FinalizedAt.Unix())

	// user_adjusted reconciled from forecast vs final units.
	assert.False(t, stored.Lines[0].UserAdjusted)
	assert.True(t, stored.Lines[1].UserAdjusted)

	corrections, err := f.corrections.ForSchedule("508", "monday", f.clock.Now())
	require.NoError(t, err)
	require.Len(t, corrections, 3)

	byKey := make(map[string]domain.Correction)
	for _, c := range corrections {
		byKey[c.StoreID+"/"+c.SAP] = c
	}

	kept := byKey["store-1/10001"]
	assert.Equal(t, 0, kept.Delta)
	assert.InDelta(t, 1.0, kept.Ratio, 1e-9)
	assert.False(t, kept.Removed)

	edited := byKey["store-1/20002"]
	assert.Equal(t, 4, edited.Delta)
	assert.InDelta(t, 1.4, edited.Ratio, 1e-9)

	removed := byKey["store-2/10001"]
	assert.Equal(t, -4, removed.Delta)
	assert.InDelta(t, 0.0, removed.Ratio, 1e-9)
	assert.True(t, removed.Removed)

	require.NotNil(t, received)
	typed, ok := received.GetTypedData().(*events.OrderFinalizedData)
	require.True(t, ok)
	assert.Equal(t, "508", typed.RouteNumber)
	assert.Equal(t, "2025-02-05", typed.DeliveryDate)
	assert.Equal(t, 25, typed.TotalUnits)
	assert.Equal(t, 4, typed.LineCount)
}

func TestFinalizeOrderCreatesRoute(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Delivery Wednesday 2025-02-05, ordered Sunday 2025-02-02.
	order := testingpkg.NewDraftOrder("9090", "sunday", "2025-02-05")
	require.NoError(t, f.service.FinalizeOrder(ctx, &order))

	var route domain.Route
	require.NoError(t, f.docs.Get(ctx, docstore.ColRoutes, "9090", &route))
	assert.Equal(t, "9090", route.Number)
	assert.True(t, route.Synced)
	require.Len(t, route.Cycles, 1)
	assert.Equal(t, 7, route.Cycles[0].OrderDay)    // Sunday
	assert.Equal(t, 3, route.Cycles[0].DeliveryDay) // Wednesday

	// A second schedule appends a cycle instead of replacing.
	second := testingpkg.NewDraftOrder("9090", "wednesday", "2025-02-08")
	require.NoError(t, f.service.FinalizeOrder(ctx, &second))

	require.NoError(t, f.docs.Get(ctx, docstore.ColRoutes, "9090", &route))
	assert.Len(t, route.Cycles, 2)
}

func TestFinalizeOrderRefreshesDerivedCaches(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	order := testingpkg.NewDraftOrder("508", "monday", "2025-02-03",
		testingpkg.Line("store-1", "10001", 8),
		testingpkg.Line("store-2", "10001", 2),
	)
	require.NoError(t, f.service.FinalizeOrder(ctx, &order))

	shares, err := f.shares.ForSchedule("508", "monday")
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.InDelta(t, 0.8, shares[0].BaseShare, 1e-9)
}

func TestFinalizeOrderIsMonotonic(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	order := testingpkg.NewDraftOrder("508", "monday", "2025-02-03")
	require.NoError(t, f.service.FinalizeOrder(ctx, &order))

	again := order
	err := f.service.FinalizeOrder(ctx, &again)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finalized")

	draft := order
	draft.Status = domain.OrderStatusDraft
	err = f.service.SaveDraft(&draft)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestFinalizeByID(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	draft := testingpkg.NewDraftOrder("508", "monday", "2025-02-03")
	require.NoError(t, f.service.SaveDraft(&draft))

	require.NoError(t, f.service.FinalizeByID(ctx, draft.ID))

	stored, err := f.orders.GetByID(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFinalized, stored.Status)

	err = f.service.FinalizeByID(ctx, "missing-order")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

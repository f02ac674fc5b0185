package orders

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/domain"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

func TestComputeStoreItemShares(t *testing.T) {
	split := func(delivery string, s1, s2 int) domain.Order {
		return testingpkg.NewFinalizedOrder("508", "monday", delivery,
			testingpkg.Line("store-1", "10001", s1),
			testingpkg.Line("store-2", "10001", s2),
		)
	}

	t.Run("blends recent against base", func(t *testing.T) {
		orders := []domain.Order{
			split("2025-01-06", 4, 0),
			split("2025-01-13", 4, 0),
			split("2025-01-20", 2, 2),
			split("2025-01-27", 2, 2),
			split("2025-02-03", 2, 2),
			split("2025-02-10", 2, 2),
		}

		shares := ComputeStoreItemShares("508", "monday", orders)
		require.Len(t, shares, 2)

		s1 := shares[0]
		assert.Equal(t, "store-1", s1.StoreID)
		assert.Equal(t, 6, s1.SampleCount)
		assert.InDelta(t, 4.0/6.0, s1.BaseShare, 1e-9) // (1+1+.5+.5+.5+.5)/6
		assert.InDelta(t, 0.5, s1.RecentShare, 1e-9)   // last four orders
		assert.InDelta(t, 0.7*0.5+0.3*4.0/6.0, s1.Blended, 1e-9)
		assert.Less(t, s1.Trend, 0.0) // store-1 is losing share

		s2 := shares[1]
		assert.Equal(t, "store-2", s2.StoreID)
		assert.InDelta(t, 2.0/6.0, s2.BaseShare, 1e-9)
		assert.Greater(t, s2.Trend, 0.0)
	})

	t.Run("absent store contributes zero share", func(t *testing.T) {
		orders := []domain.Order{
			testingpkg.NewFinalizedOrder("508", "monday", "2025-01-06",
				testingpkg.Line("store-1", "20002", 10)),
			testingpkg.NewFinalizedOrder("508", "monday", "2025-01-13",
				testingpkg.Line("store-2", "20002", 10)),
		}

		shares := ComputeStoreItemShares("508", "monday", orders)
		require.Len(t, shares, 2)
		assert.InDelta(t, 0.5, shares[0].BaseShare, 1e-9)
		assert.InDelta(t, 0.5, shares[1].BaseShare, 1e-9)
		assert.Equal(t, 2, shares[0].SampleCount)
	})

	t.Run("no orders yields no shares", func(t *testing.T) {
		assert.Empty(t, ComputeStoreItemShares("508", "monday", nil))
	})
}

func TestSharesRepositoryUpsert(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	repo := NewSharesRepository(db.Conn(), zerolog.Nop())

	now := domain.MustParseDate("2025-02-01")
	rows := []domain.StoreItemShare{
		{RouteNumber: "508", ScheduleKey: "monday", StoreID: "store-1", SAP: "10001",
			RecentShare: 0.6, BaseShare: 0.5, Blended: 0.57, Trend: 0.05, SampleCount: 8},
		{RouteNumber: "508", ScheduleKey: "monday", StoreID: "store-2", SAP: "10001",
			RecentShare: 0.4, BaseShare: 0.5, Blended: 0.43, Trend: -0.05, SampleCount: 8},
	}
	require.NoError(t, repo.Upsert(rows, now))

	got, err := repo.ForSchedule("508", "monday")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.57, got[0].Blended, 1e-9)

	// Conflicting key updates in place.
	rows[0].Blended = 0.61
	require.NoError(t, repo.Upsert(rows[:1], now))

	got, err = repo.ForSchedule("508", "monday")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.61, got[0].Blended, 1e-9)

	byRoute, err := repo.ForRoute("508")
	require.NoError(t, err)
	assert.Len(t, byRoute, 2)
}

func TestComputeItemAllocations(t *testing.T) {
	now := domain.MustParseDate("2025-02-01")
	order := testingpkg.NewFinalizedOrder("508", "monday", "2025-01-27",
		testingpkg.Line("store-1", "11111", 10), // single store
		testingpkg.Line("store-1", "22222", 97), // dominant ≥ 95%
		testingpkg.Line("store-2", "22222", 3),
		testingpkg.Line("store-1", "33333", 70), // skewed
		testingpkg.Line("store-2", "33333", 30),
		testingpkg.Line("store-1", "44444", 52), // even split
		testingpkg.Line("store-2", "44444", 48),
		testingpkg.Line("store-1", "55555", 50), // varies
		testingpkg.Line("store-2", "55555", 30),
		testingpkg.Line("store-3", "55555", 20),
	)

	allocations := ComputeItemAllocations("508", []domain.Order{order}, now)
	require.Len(t, allocations, 5)

	bySAP := make(map[string]domain.ItemAllocation)
	for _, a := range allocations {
		bySAP[a.SAP] = a
	}

	assert.Equal(t, domain.SplitSingleStore, bySAP["11111"].Pattern)
	assert.Equal(t, 1, bySAP["11111"].StoreCount)

	assert.Equal(t, domain.SplitSingleStore, bySAP["22222"].Pattern)
	assert.InDelta(t, 0.97, bySAP["22222"].TopShare, 1e-9)

	assert.Equal(t, domain.SplitSkewed, bySAP["33333"].Pattern)
	assert.Equal(t, "store-1", bySAP["33333"].TopStoreID)

	assert.Equal(t, domain.SplitEvenSplit, bySAP["44444"].Pattern)

	assert.Equal(t, domain.SplitVaries, bySAP["55555"].Pattern)
	assert.Equal(t, 3, bySAP["55555"].StoreCount)
}

func TestAllocationRepositoryRoundTrip(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	repo := NewAllocationRepository(db.Conn(), zerolog.Nop())

	now := domain.MustParseDate("2025-02-01")
	require.NoError(t, repo.Upsert([]domain.ItemAllocation{
		{RouteNumber: "508", SAP: "10001", Pattern: domain.SplitSkewed,
			TopStoreID: "store-1", TopShare: 0.7, StoreCount: 2, UpdatedAt: now},
	}))

	got, err := repo.Get("508", "10001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.SplitSkewed, got.Pattern)
	assert.Equal(t, "store-1", got.TopStoreID)

	missing, err := repo.Get("508", "99999")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Re-upsert flips the pattern in place.
	require.NoError(t, repo.Upsert([]domain.ItemAllocation{
		{RouteNumber: "508", SAP: "10001", Pattern: domain.SplitVaries,
			TopStoreID: "store-2", TopShare: 0.4, StoreCount: 3, UpdatedAt: now},
	}))

	all, err := repo.ForRoute("508")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.SplitVaries, all[0].Pattern)
}

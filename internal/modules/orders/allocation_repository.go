package orders

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

const (
	singleStoreShare = 0.95
	skewedShare      = 0.65
	evenSplitSpread  = 0.15
)

// AllocationRepository caches how each SAP's demand splits across a
// route's stores.
type AllocationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAllocationRepository creates a new allocation repository.
func NewAllocationRepository(db *sql.DB, log zerolog.Logger) *AllocationRepository {
	return &AllocationRepository{
		db:  db,
		log: log.With().Str("repo", "allocation").Logger(),
	}
}

// Upsert writes allocation rows with ON CONFLICT DO UPDATE semantics.
func (r *AllocationRepository) Upsert(allocations []domain.ItemAllocation) error {
	if len(allocations) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO item_allocation_cache (route_number, sap, pattern, top_store_id,
			top_share, store_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_number, sap) DO UPDATE SET
			pattern = excluded.pattern,
			top_store_id = excluded.top_store_id,
			top_share = excluded.top_share,
			store_count = excluded.store_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare allocation upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range allocations {
		_, err := stmt.Exec(
			a.RouteNumber,
			a.SAP,
			string(a.Pattern),
			a.TopStoreID,
			a.TopShare,
			a.StoreCount,
			a.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert allocation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug().Int("count", len(allocations)).Msg("Item allocations upserted")
	return nil
}

// ForRoute returns the cached allocations for a route.
func (r *AllocationRepository) ForRoute(route string) ([]domain.ItemAllocation, error) {
	rows, err := r.db.Query(`
		SELECT route_number, sap, pattern, top_store_id, top_share, store_count, updated_at
		FROM item_allocation_cache WHERE route_number = ?
		ORDER BY sap`, route)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []domain.ItemAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// Get returns the cached allocation for one (route, sap), or nil.
func (r *AllocationRepository) Get(route, sap string) (*domain.ItemAllocation, error) {
	rows, err := r.db.Query(`
		SELECT route_number, sap, pattern, top_store_id, top_share, store_count, updated_at
		FROM item_allocation_cache WHERE route_number = ? AND sap = ?`, route, sap)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	a, err := scanAllocation(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAllocation(rows *sql.Rows) (domain.ItemAllocation, error) {
	var a domain.ItemAllocation
	var pattern string
	var updatedAt int64
	err := rows.Scan(&a.RouteNumber, &a.SAP, &pattern, &a.TopStoreID, &a.TopShare, &a.StoreCount, &updatedAt)
	if err != nil {
		return a, fmt.Errorf("failed to scan allocation: %w", err)
	}
	a.Pattern = domain.SplitPattern(pattern)
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return a, nil
}

// ComputeItemAllocations classifies each SAP's historical split across
// stores. Ties on the dominant store break to the lexicographically
// smallest store id so repeated runs are deterministic.
func ComputeItemAllocations(route string, orders []domain.Order, now time.Time) []domain.ItemAllocation {
	unitsByStore := make(map[string]map[string]int) // sap -> store -> units
	for _, order := range orders {
		for _, line := range order.Lines {
			if unitsByStore[line.SAP] == nil {
				unitsByStore[line.SAP] = make(map[string]int)
			}
			unitsByStore[line.SAP][line.StoreID] += line.Units
		}
	}

	saps := make([]string, 0, len(unitsByStore))
	for sap := range unitsByStore {
		saps = append(saps, sap)
	}
	sort.Strings(saps)

	allocations := make([]domain.ItemAllocation, 0, len(saps))
	for _, sap := range saps {
		byStore := unitsByStore[sap]

		total := 0
		for _, units := range byStore {
			total += units
		}
		if total <= 0 {
			continue
		}

		stores := make([]string, 0, len(byStore))
		for store, units := range byStore {
			if units > 0 {
				stores = append(stores, store)
			}
		}
		sort.Strings(stores)

		topStore := ""
		topShare := 0.0
		minShare := 1.0
		for _, store := range stores {
			share := float64(byStore[store]) / float64(total)
			if share > topShare {
				topShare = share
				topStore = store
			}
			if share < minShare {
				minShare = share
			}
		}

		pattern := domain.SplitVaries
		switch {
		case len(stores) <= 1 || topShare >= singleStoreShare:
			pattern = domain.SplitSingleStore
		case topShare >= skewedShare:
			pattern = domain.SplitSkewed
		case topShare-minShare <= evenSplitSpread:
			pattern = domain.SplitEvenSplit
		}

		allocations = append(allocations, domain.ItemAllocation{
			RouteNumber: route,
			SAP:         sap,
			Pattern:     pattern,
			TopStoreID:  topStore,
			TopShare:    topShare,
			StoreCount:  len(stores),
			UpdatedAt:   now,
		})
	}
	return allocations
}

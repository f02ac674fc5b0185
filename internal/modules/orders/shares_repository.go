package orders

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

const (
	// recentShareWindow is how many trailing orders feed the recent share.
	recentShareWindow = 4
	// recentShareWeight blends recent against base share.
	recentShareWeight = 0.7
	// shareTrendPeriod is the EMA period for the share trend signal.
	shareTrendPeriod = 3
)

// SharesRepository persists blended store/item demand shares.
type SharesRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSharesRepository creates a new shares repository.
func NewSharesRepository(db *sql.DB, log zerolog.Logger) *SharesRepository {
	return &SharesRepository{
		db:  db,
		log: log.With().Str("repo", "shares").Logger(),
	}
}

// Upsert writes share rows with ON CONFLICT DO UPDATE semantics.
func (r *SharesRepository) Upsert(shares []domain.StoreItemShare, now time.Time) error {
	if len(shares) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO store_item_shares (route_number, schedule_key, store_id, sap,
			recent_share, base_share, blended_share, trend, sample_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_number, schedule_key, store_id, sap) DO UPDATE SET
			recent_share = excluded.recent_share,
			base_share = excluded.base_share,
			blended_share = excluded.blended_share,
			trend = excluded.trend,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare share upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range shares {
		_, err := stmt.Exec(
			s.RouteNumber,
			s.ScheduleKey,
			s.StoreID,
			s.SAP,
			s.RecentShare,
			s.BaseShare,
			s.Blended,
			s.Trend,
			s.SampleCount,
			now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert share: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug().Int("count", len(shares)).Msg("Store item shares upserted")
	return nil
}

// ForSchedule returns share rows for a (route, schedule).
func (r *SharesRepository) ForSchedule(route, schedule string) ([]domain.StoreItemShare, error) {
	return r.query(`
		SELECT route_number, schedule_key, store_id, sap, recent_share, base_share,
			blended_share, trend, sample_count
		FROM store_item_shares
		WHERE route_number = ? AND schedule_key = ?
		ORDER BY store_id, sap`, route, schedule)
}

// ForRoute returns share rows across all of a route's schedules.
func (r *SharesRepository) ForRoute(route string) ([]domain.StoreItemShare, error) {
	return r.query(`
		SELECT route_number, schedule_key, store_id, sap, recent_share, base_share,
			blended_share, trend, sample_count
		FROM store_item_shares
		WHERE route_number = ?
		ORDER BY schedule_key, store_id, sap`, route)
}

func (r *SharesRepository) query(query string, args ...interface{}) ([]domain.StoreItemShare, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query store item shares: %w", err)
	}
	defer rows.Close()

	var shares []domain.StoreItemShare
	for rows.Next() {
		var s domain.StoreItemShare
		err := rows.Scan(
			&s.RouteNumber,
			&s.ScheduleKey,
			&s.StoreID,
			&s.SAP,
			&s.RecentShare,
			&s.BaseShare,
			&s.Blended,
			&s.Trend,
			&s.SampleCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store item share: %w", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// ComputeStoreItemShares derives per-store demand shares from same-schedule
// order history. Orders must be sorted oldest first. The trend is the EMA
// of the share series minus the base share, so a store gaining share of a
// SAP trends positive.
func ComputeStoreItemShares(route, schedule string, orders []domain.Order) []domain.StoreItemShare {
	type itemKey struct {
		store string
		sap   string
	}

	// First pass: which stores have ever carried each SAP, and per-order
	// totals per SAP.
	storesBySAP := make(map[string]map[string]bool)
	for _, order := range orders {
		for _, line := range order.Lines {
			if storesBySAP[line.SAP] == nil {
				storesBySAP[line.SAP] = make(map[string]bool)
			}
			storesBySAP[line.SAP][line.StoreID] = true
		}
	}

	// Second pass: share series per (store, sap) across orders where the
	// SAP had any demand.
	series := make(map[itemKey][]float64)
	for _, order := range orders {
		units := make(map[itemKey]int)
		totals := make(map[string]int)
		for _, line := range order.Lines {
			units[itemKey{line.StoreID, line.SAP}] += line.Units
			totals[line.SAP] += line.Units
		}

		for sap, total := range totals {
			if total <= 0 {
				continue
			}
			for store := range storesBySAP[sap] {
				share := float64(units[itemKey{store, sap}]) / float64(total)
				series[itemKey{store, sap}] = append(series[itemKey{store, sap}], share)
			}
		}
	}

	keys := make([]itemKey, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].store != keys[j].store {
			return keys[i].store < keys[j].store
		}
		return keys[i].sap < keys[j].sap
	})

	shares := make([]domain.StoreItemShare, 0, len(keys))
	for _, k := range keys {
		values := series[k]
		base := mean(values)

		recentStart := len(values) - recentShareWindow
		if recentStart < 0 {
			recentStart = 0
		}
		recent := mean(values[recentStart:])

		trend := 0.0
		if len(values) >= shareTrendPeriod {
			ema := talib.Ema(values, shareTrendPeriod)
			last := ema[len(ema)-1]
			if !math.IsNaN(last) {
				trend = last - base
			}
		}

		shares = append(shares, domain.StoreItemShare{
			RouteNumber: route,
			ScheduleKey: schedule,
			StoreID:     k.store,
			SAP:         k.sap,
			RecentShare: recent,
			BaseShare:   base,
			Blended:     recentShareWeight*recent + (1-recentShareWeight)*base,
			Trend:       trend,
			SampleCount: len(values),
		})
	}
	return shares
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

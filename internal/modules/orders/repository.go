// Package orders persists the order ledger: finalized orders, their line
// items, and the corrections the forecast pipeline trains on.
package orders

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

// OrdersRepository handles order and line item database operations.
type OrdersRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrdersRepository creates a new orders repository.
func NewOrdersRepository(db *sql.DB, log zerolog.Logger) *OrdersRepository {
	return &OrdersRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// SaveOrder upserts an order and replaces its line items in one transaction.
func (r *OrdersRepository) SaveOrder(order *domain.Order) error {
	if order.ID == "" {
		return fmt.Errorf("order id is required")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var finalizedAt sql.NullInt64
	if order.FinalizedAt != nil {
		finalizedAt = sql.NullInt64{Int64: order.FinalizedAt.Unix(), Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO orders (id, route_number, schedule_key, delivery_date, order_date,
			status, forecast_id, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			route_number = excluded.route_number,
			schedule_key = excluded.schedule_key,
			delivery_date = excluded.delivery_date,
			order_date = excluded.order_date,
			status = excluded.status,
			forecast_id = excluded.forecast_id,
			finalized_at = excluded.finalized_at`,
		order.ID,
		order.RouteNumber,
		order.ScheduleKey,
		domain.FormatDate(order.DeliveryDate),
		domain.FormatDate(order.OrderDate),
		string(order.Status),
		nullString(order.ForecastID),
		order.CreatedAt.Unix(),
		finalizedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM order_lines WHERE order_id = ?", order.ID); err != nil {
		return fmt.Errorf("failed to clear order lines: %w", err)
	}

	for _, line := range order.Lines {
		casePack := line.CasePack
		if casePack <= 0 {
			casePack = 1
		}
		_, err := tx.Exec(`
			INSERT INTO order_lines (order_id, store_id, sap, units, cases, case_pack,
				promo, forecasted_units, forecasted_cases, user_adjusted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID,
			line.StoreID,
			line.SAP,
			line.Units,
			nullInt(line.Cases),
			casePack,
			boolToInt(line.Promo),
			nullIntPtr(line.ForecastedUnits),
			nullIntPtr(line.ForecastedCases),
			boolToInt(line.UserAdjusted),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug().
		Str("order_id", order.ID).
		Str("route", order.RouteNumber).
		Str("status", string(order.Status)).
		Int("lines", len(order.Lines)).
		Msg("Order saved")
	return nil
}

// GetByID returns an order with its lines, or nil when not found.
func (r *OrdersRepository) GetByID(id string) (*domain.Order, error) {
	rows, err := r.db.Query(selectOrders+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	orders, err := r.collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// OrdersInWindow returns finalized orders whose delivery date falls within
// the last sinceDays, oldest first. An empty schedule matches all schedules.
func (r *OrdersRepository) OrdersInWindow(route string, sinceDays int, schedule string, now time.Time) ([]domain.Order, error) {
	since := domain.FormatDate(now.AddDate(0, 0, -sinceDays))

	query := selectOrders + ` WHERE route_number = ? AND status = 'finalized' AND delivery_date >= ?`
	args := []interface{}{route, since}
	if schedule != "" {
		query += " AND schedule_key = ?"
		args = append(args, schedule)
	}
	query += " ORDER BY delivery_date ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders in window: %w", err)
	}
	return r.collectOrders(rows)
}

// FinalizedBefore returns finalized same-schedule orders with delivery date
// strictly before the cutoff, oldest first.
func (r *OrdersRepository) FinalizedBefore(route, schedule string, before time.Time) ([]domain.Order, error) {
	rows, err := r.db.Query(
		selectOrders+` WHERE route_number = ? AND schedule_key = ? AND status = 'finalized'
			AND delivery_date < ? ORDER BY delivery_date ASC`,
		route, schedule, domain.FormatDate(before),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders before cutoff: %w", err)
	}
	return r.collectOrders(rows)
}

// AllFinalized returns every finalized order for the route, oldest
// delivery first. An empty schedule matches all schedules.
func (r *OrdersRepository) AllFinalized(route, schedule string) ([]domain.Order, error) {
	query := selectOrders + ` WHERE route_number = ? AND status = 'finalized'`
	args := []interface{}{route}
	if schedule != "" {
		query += " AND schedule_key = ?"
		args = append(args, schedule)
	}
	query += " ORDER BY delivery_date ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query finalized orders: %w", err)
	}
	return r.collectOrders(rows)
}

// FinalizedBetween returns finalized orders with delivery date in the
// inclusive range, oldest first. An empty schedule matches all schedules.
func (r *OrdersRepository) FinalizedBetween(route string, from, to time.Time, schedule string) ([]domain.Order, error) {
	query := selectOrders + ` WHERE route_number = ? AND status = 'finalized'
		AND delivery_date >= ? AND delivery_date <= ?`
	args := []interface{}{route, domain.FormatDate(from), domain.FormatDate(to)}
	if schedule != "" {
		query += " AND schedule_key = ?"
		args = append(args, schedule)
	}
	query += " ORDER BY delivery_date ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders between dates: %w", err)
	}
	return r.collectOrders(rows)
}

// LastFinalized returns the most recent finalized order for the schedule by
// delivery date, or nil when the schedule has no finalized orders.
func (r *OrdersRepository) LastFinalized(route, schedule string) (*domain.Order, error) {
	rows, err := r.db.Query(
		selectOrders+` WHERE route_number = ? AND schedule_key = ? AND status = 'finalized'
			ORDER BY delivery_date DESC LIMIT 1`,
		route, schedule,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query last finalized order: %w", err)
	}
	orders, err := r.collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// LastFinalizedAt returns the newest finalized_at timestamp for the route,
// or nil when the route has none. An empty schedule crosses schedules,
// which is what the forecast staleness check needs.
func (r *OrdersRepository) LastFinalizedAt(route, schedule string) (*time.Time, error) {
	query := `SELECT MAX(finalized_at) FROM orders WHERE route_number = ? AND status = 'finalized'`
	args := []interface{}{route}
	if schedule != "" {
		query += " AND schedule_key = ?"
		args = append(args, schedule)
	}

	var ts sql.NullInt64
	if err := r.db.QueryRow(query, args...).Scan(&ts); err != nil {
		return nil, fmt.Errorf("failed to query last finalized timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := time.Unix(ts.Int64, 0).UTC()
	return &t, nil
}

// CountFinalized counts finalized orders for the route. An empty schedule
// counts across schedules.
func (r *OrdersRepository) CountFinalized(route, schedule string) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE route_number = ? AND status = 'finalized'`
	args := []interface{}{route}
	if schedule != "" {
		query += " AND schedule_key = ?"
		args = append(args, schedule)
	}

	var count int
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count finalized orders: %w", err)
	}
	return count, nil
}

// CountFinalizedPerSchedule returns finalized order counts keyed by
// schedule. The branch selector uses this for store-context depth checks.
func (r *OrdersRepository) CountFinalizedPerSchedule(route string) (map[string]int, error) {
	rows, err := r.db.Query(`
		SELECT schedule_key, COUNT(*) FROM orders
		WHERE route_number = ? AND status = 'finalized'
		GROUP BY schedule_key`, route)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders per schedule: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var schedule string
		var count int
		if err := rows.Scan(&schedule, &count); err != nil {
			return nil, fmt.Errorf("failed to scan schedule count: %w", err)
		}
		counts[schedule] = count
	}
	return counts, rows.Err()
}

// HasFinalizedForDelivery reports whether a finalized order exists for the
// exact (route, schedule, delivery date) key.
func (r *OrdersRepository) HasFinalizedForDelivery(route, schedule string, delivery time.Time) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM orders
		WHERE route_number = ? AND schedule_key = ? AND delivery_date = ? AND status = 'finalized'
		LIMIT 1`,
		route, schedule, domain.FormatDate(delivery),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check finalized delivery: %w", err)
	}
	return true, nil
}

// HasOrderSince reports whether any non-deleted order for the schedule has
// an order date on or after the given day. The orchestrator's cycle check
// uses this.
func (r *OrdersRepository) HasOrderSince(route, schedule string, since time.Time) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM orders
		WHERE route_number = ? AND schedule_key = ? AND order_date >= ? AND status != 'deleted'
		LIMIT 1`,
		route, schedule, domain.FormatDate(since),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check orders since date: %w", err)
	}
	return true, nil
}

// FinalizedDeliveryDates returns each finalized order's delivery date for
// the schedule, oldest first. The retrain gate counts the non-holiday
// entries against the training minimum.
func (r *OrdersRepository) FinalizedDeliveryDates(route, schedule string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT delivery_date FROM orders
		WHERE route_number = ? AND schedule_key = ? AND status = 'finalized'
		ORDER BY delivery_date ASC`,
		route, schedule,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query finalized delivery dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan delivery date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeliveryDatesBetween returns the distinct delivery dates with finalized
// orders in the inclusive range, ascending.
func (r *OrdersRepository) DeliveryDatesBetween(route string, from, to time.Time) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT delivery_date FROM orders
		WHERE route_number = ? AND status = 'finalized' AND delivery_date >= ? AND delivery_date <= ?
		ORDER BY delivery_date ASC`,
		route, domain.FormatDate(from), domain.FormatDate(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan delivery date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeliveryDatesBefore returns up to limit distinct delivery dates older
// than the anchor, oldest first. The purge worker walks these in batches.
func (r *OrdersRepository) DeliveryDatesBefore(route string, anchor time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT delivery_date FROM orders
		WHERE route_number = ? AND delivery_date < ?
		ORDER BY delivery_date ASC LIMIT ?`,
		route, domain.FormatDate(anchor), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query purge candidates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan delivery date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeleteDelivery removes every order, line, and correction for the
// (route, delivery date) in one transaction. Returns the number of orders
// removed.
func (r *OrdersRepository) DeleteDelivery(route string, delivery time.Time) (int64, error) {
	date := domain.FormatDate(delivery)

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		DELETE FROM order_lines WHERE order_id IN (
			SELECT id FROM orders WHERE route_number = ? AND delivery_date = ?)`,
		route, date,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete order lines: %w", err)
	}

	if _, err := tx.Exec(
		"DELETE FROM corrections WHERE route_number = ? AND delivery_date = ?",
		route, date,
	); err != nil {
		return 0, fmt.Errorf("failed to delete corrections: %w", err)
	}

	res, err := tx.Exec(
		"DELETE FROM orders WHERE route_number = ? AND delivery_date = ?",
		route, date,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	deleted, _ := res.RowsAffected()
	r.log.Info().
		Str("route", route).
		Str("delivery_date", date).
		Int64("orders_deleted", deleted).
		Msg("Delivery purged from ledger")
	return deleted, nil
}

const selectOrders = `SELECT id, route_number, schedule_key, delivery_date, order_date,
	status, forecast_id, created_at, finalized_at FROM orders`

// collectOrders scans order rows and attaches their lines.
func (r *OrdersRepository) collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	if err := r.attachLines(orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(rows *sql.Rows) (domain.Order, error) {
	var order domain.Order
	var deliveryDate, orderDate, status string
	var forecastID sql.NullString
	var createdAt int64
	var finalizedAt sql.NullInt64

	err := rows.Scan(
		&order.ID,
		&order.RouteNumber,
		&order.ScheduleKey,
		&deliveryDate,
		&orderDate,
		&status,
		&forecastID,
		&createdAt,
		&finalizedAt,
	)
	if err != nil {
		return order, err
	}

	if order.DeliveryDate, err = domain.ParseDate(deliveryDate); err != nil {
		return order, fmt.Errorf("bad delivery_date %q: %w", deliveryDate, err)
	}
	if order.OrderDate, err = domain.ParseDate(orderDate); err != nil {
		return order, fmt.Errorf("bad order_date %q: %w", orderDate, err)
	}

	order.Status = domain.OrderStatus(status)
	order.CreatedAt = time.Unix(createdAt, 0).UTC()
	if forecastID.Valid {
		order.ForecastID = forecastID.String
	}
	if finalizedAt.Valid {
		t := time.Unix(finalizedAt.Int64, 0).UTC()
		order.FinalizedAt = &t
	}
	return order, nil
}

// attachLines loads line items for the orders in batches.
func (r *OrdersRepository) attachLines(orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	index := make(map[string]*domain.Order, len(orders))
	for i := range orders {
		index[orders[i].ID] = &orders[i]
	}

	const batchSize = 400
	ids := make([]string, 0, len(orders))
	for i := range orders {
		ids = append(ids, orders[i].ID)
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		query := fmt.Sprintf(`
			SELECT order_id, store_id, sap, units, cases, case_pack, promo,
				forecasted_units, forecasted_cases, user_adjusted
			FROM order_lines WHERE order_id IN (%s)
			ORDER BY order_id, store_id, sap`, placeholders(len(batch)))

		rows, err := r.db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to query order lines: %w", err)
		}

		for rows.Next() {
			var orderID string
			var line domain.LineItem
			var cases, forecastedUnits, forecastedCases sql.NullInt64
			var promo, userAdjusted int

			err := rows.Scan(
				&orderID,
				&line.StoreID,
				&line.SAP,
				&line.Units,
				&cases,
				&line.CasePack,
				&promo,
				&forecastedUnits,
				&forecastedCases,
				&userAdjusted,
			)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan order line: %w", err)
			}

			if cases.Valid {
				line.Cases = int(cases.Int64)
			}
			if forecastedUnits.Valid {
				v := int(forecastedUnits.Int64)
				line.ForecastedUnits = &v
			}
			if forecastedCases.Valid {
				v := int(forecastedCases.Int64)
				line.ForecastedCases = &v
			}
			line.Promo = promo != 0
			line.UserAdjusted = userAdjusted != 0

			if order, ok := index[orderID]; ok {
				order.Lines = append(order.Lines, line)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating order lines: %w", err)
		}
		rows.Close()
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}

func nullInt(val int) sql.NullInt64 {
	if val == 0 {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(val), Valid: true}
}

func nullIntPtr(val *int) sql.NullInt64 {
	if val == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*val), Valid: true}
}

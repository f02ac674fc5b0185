// Package docstore provides the document store: JSON documents organized
// into collections over SQLite, with single-document transactions and a
// change feed that backs snapshot subscriptions.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
)

// Collection names. Writes to unknown collections are rejected, which
// keeps typos from silently creating orphan namespaces.
const (
	ColRoutes              = "routes"
	ColRouteGroups         = "route_groups"
	ColRouteStatus         = "route_status"
	ColForecasts           = "forecasts"
	ColExportJobs          = "export_jobs"
	ColPurgeJobs           = "purge_jobs"
	ColRouteLocks          = "route_locks"
	ColTransferSuggestions = "transfer_suggestions"
	ColTransferPatterns    = "transfer_patterns"
	ColScorecards          = "scorecards"
	ColExpiryFloors        = "expiry_floors"
)

// AllCollections lists every known collection for cleanup and inspection.
var AllCollections = []string{
	ColRoutes,
	ColRouteGroups,
	ColRouteStatus,
	ColForecasts,
	ColExportJobs,
	ColPurgeJobs,
	ColRouteLocks,
	ColTransferSuggestions,
	ColTransferPatterns,
	ColScorecards,
	ColExpiryFloors,
}

// validCollections is a set for O(1) collection name validation.
var validCollections = func() map[string]bool {
	m := make(map[string]bool, len(AllCollections))
	for _, c := range AllCollections {
		m[c] = true
	}
	return m
}()

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp is a sentinel value. Update fields set to it are
// replaced with the store's wall-clock milliseconds at commit time, which
// gives all writers a single ordering authority.
var ServerTimestamp = serverTimestamp{}

// RawDoc is an undecoded document as returned by Stream.
type RawDoc struct {
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Unmarshal decodes the document body into out.
func (d RawDoc) Unmarshal(out any) error {
	return json.Unmarshal(d.Data, out)
}

// Store is the document store adapter.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// New creates a document store over the docs database.
func New(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		clock: clk,
		log:   log.With().Str("repo", "docstore").Logger(),
	}
}

func validateCollection(col string) error {
	if !validCollections[col] {
		return fmt.Errorf("invalid collection name: %s", col)
	}
	return nil
}

// Get decodes the document at (collection, id) into out.
func (s *Store) Get(ctx context.Context, col, id string, out any) error {
	if err := validateCollection(col); err != nil {
		return err
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND doc_id = ?", col, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get document %s/%s: %w", col, id, err)
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", col, id, err)
	}
	return nil
}

// Exists reports whether a document is present without decoding it.
func (s *Store) Exists(ctx context.Context, col, id string) (bool, error) {
	if err := validateCollection(col); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM documents WHERE collection = ? AND doc_id = ?", col, id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check document %s/%s: %w", col, id, err)
	}
	return true, nil
}

// Set writes the full document, replacing any existing content. The
// change feed records "added" or "modified" accordingly.
func (s *Store) Set(ctx context.Context, col, id string, doc any) error {
	return s.inTxn(ctx, func(t *Txn) error {
		return t.Set(col, id, doc)
	})
}

// Update merges fields into the existing document (top-level keys only).
// A missing document is created from the fields alone. ServerTimestamp
// sentinels are resolved at commit time.
func (s *Store) Update(ctx context.Context, col, id string, fields map[string]any) error {
	return s.inTxn(ctx, func(t *Txn) error {
		return t.Update(col, id, fields)
	})
}

// Delete removes the document. Deleting a non-existent document is a
// no-op and records no change.
func (s *Store) Delete(ctx context.Context, col, id string) error {
	return s.inTxn(ctx, func(t *Txn) error {
		return t.Delete(col, id)
	})
}

// Stream invokes fn for every document in the collection, in doc id
// order. Returning an error from fn stops the stream.
func (s *Store) Stream(ctx context.Context, col string, fn func(id string, data json.RawMessage) error) error {
	if err := validateCollection(col); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, data FROM documents WHERE collection = ? ORDER BY doc_id", col,
	)
	if err != nil {
		return fmt.Errorf("failed to stream collection %s: %w", col, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("failed to scan document in %s: %w", col, err)
		}
		if err := fn(id, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// List returns every document in the collection.
func (s *Store) List(ctx context.Context, col string) ([]RawDoc, error) {
	if err := validateCollection(col); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, data, updated_at_ms FROM documents WHERE collection = ? ORDER BY doc_id", col,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", col, err)
	}
	defer rows.Close()

	var docs []RawDoc
	for rows.Next() {
		var d RawDoc
		var data string
		var updatedMS int64
		if err := rows.Scan(&d.ID, &data, &updatedMS); err != nil {
			return nil, fmt.Errorf("failed to scan document in %s: %w", col, err)
		}
		d.Data = json.RawMessage(data)
		d.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// RunTransaction executes fn inside a transaction. Single-document
// read-modify-write cycles through the Txn are linearizable: SQLite
// serializes writers, and busy conflicts retry fn from scratch with a
// fresh read.
func (s *Store) RunTransaction(ctx context.Context, fn func(t *Txn) error) error {
	const maxAttempts = 5

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.inTxn(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

// inTxn runs fn once inside a transaction.
func (s *Store) inTxn(ctx context.Context, fn func(t *Txn) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Txn{tx: tx, nowMS: s.clock.Now().UnixMilli()}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in docstore transaction: %v", p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(t)
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Txn exposes document operations inside a transaction. All writes append
// to the change feed in the same commit, so subscribers never observe a
// change without its document (or vice versa).
type Txn struct {
	tx    *sql.Tx
	nowMS int64
}

// Get decodes the document at (collection, id) into out.
func (t *Txn) Get(col, id string, out any) error {
	if err := validateCollection(col); err != nil {
		return err
	}

	var data string
	err := t.tx.QueryRow(
		"SELECT data FROM documents WHERE collection = ? AND doc_id = ?", col, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get document %s/%s: %w", col, id, err)
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", col, id, err)
	}
	return nil
}

// List returns every document in the collection, read inside the
// transaction. Claim-style scans use this so the decision and the write
// commit together.
func (t *Txn) List(col string) ([]RawDoc, error) {
	if err := validateCollection(col); err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(
		"SELECT doc_id, data, updated_at_ms FROM documents WHERE collection = ? ORDER BY doc_id", col,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", col, err)
	}
	defer rows.Close()

	var docs []RawDoc
	for rows.Next() {
		var d RawDoc
		var data string
		var updatedMS int64
		if err := rows.Scan(&d.ID, &data, &updatedMS); err != nil {
			return nil, fmt.Errorf("failed to scan document in %s: %w", col, err)
		}
		d.Data = json.RawMessage(data)
		d.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Set writes the full document.
func (t *Txn) Set(col, id string, doc any) error {
	if err := validateCollection(col); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", col, id, err)
	}
	return t.write(col, id, data)
}

// Update merges fields into the existing document (top-level keys only),
// resolving ServerTimestamp sentinels.
func (t *Txn) Update(col, id string, fields map[string]any) error {
	if err := validateCollection(col); err != nil {
		return err
	}

	current := make(map[string]any)

	var data string
	err := t.tx.QueryRow(
		"SELECT data FROM documents WHERE collection = ? AND doc_id = ?", col, id,
	).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		// Creating from the merge fields alone.
	case err != nil:
		return fmt.Errorf("failed to read document %s/%s for update: %w", col, id, err)
	default:
		if err := json.Unmarshal([]byte(data), &current); err != nil {
			return fmt.Errorf("failed to decode document %s/%s for update: %w", col, id, err)
		}
	}

	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			current[k] = t.nowMS
			continue
		}
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal merged document %s/%s: %w", col, id, err)
	}
	return t.write(col, id, merged)
}

// Delete removes the document; missing documents are a no-op.
func (t *Txn) Delete(col, id string) error {
	if err := validateCollection(col); err != nil {
		return err
	}

	res, err := t.tx.Exec(
		"DELETE FROM documents WHERE collection = ? AND doc_id = ?", col, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", col, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result for %s/%s: %w", col, id, err)
	}
	if affected == 0 {
		return nil
	}

	return t.recordChange(col, id, ChangeRemoved, nil)
}

// write upserts the document row and records the change.
func (t *Txn) write(col, id string, data []byte) error {
	var one int
	err := t.tx.QueryRow(
		"SELECT 1 FROM documents WHERE collection = ? AND doc_id = ?", col, id,
	).Scan(&one)
	existed := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check document %s/%s: %w", col, id, err)
	}

	_, err = t.tx.Exec(`
		INSERT INTO documents (collection, doc_id, data, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			data = excluded.data,
			updated_at_ms = excluded.updated_at_ms`,
		col, id, string(data), t.nowMS,
	)
	if err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", col, id, err)
	}

	changeType := ChangeAdded
	if existed {
		changeType = ChangeModified
	}
	return t.recordChange(col, id, changeType, data)
}

// recordChange appends a row to the change feed.
func (t *Txn) recordChange(col, id string, ct ChangeType, data []byte) error {
	var dataArg any
	if data != nil {
		dataArg = string(data)
	}
	_, err := t.tx.Exec(`
		INSERT INTO document_changes (collection, doc_id, change_type, data, changed_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		col, id, string(ct), dataArg, t.nowMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record change for %s/%s: %w", col, id, err)
	}
	return nil
}

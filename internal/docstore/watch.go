package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType classifies a change feed entry
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one committed modification to a collection. Data carries the
// full document for added/modified and is nil for removed.
type Change struct {
	Seq        int64
	Type       ChangeType
	Collection string
	ID         string
	Data       json.RawMessage
	ChangedAt  time.Time
}

// LatestSeq returns the highest change sequence recorded for the
// collection, or 0 when it has never changed. Callers subscribe from this
// point to receive only future changes.
func (s *Store) LatestSeq(ctx context.Context, col string) (int64, error) {
	if err := validateCollection(col); err != nil {
		return 0, err
	}

	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM document_changes WHERE collection = ?", col,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest change seq for %s: %w", col, err)
	}
	return seq, nil
}

// ChangesSince returns up to limit changes with seq > afterSeq, oldest
// first. The feed is append-only, so repeated calls with the same cursor
// return the same prefix: delivery is at least once and never lossy.
func (s *Store) ChangesSince(ctx context.Context, col string, afterSeq int64, limit int) ([]Change, error) {
	if err := validateCollection(col); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, change_type, doc_id, data, changed_at_ms
		FROM document_changes
		WHERE collection = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		col, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes for %s: %w", col, err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var changeType string
		var data *string
		var changedMS int64
		if err := rows.Scan(&c.Seq, &changeType, &c.ID, &data, &changedMS); err != nil {
			return nil, fmt.Errorf("failed to scan change for %s: %w", col, err)
		}
		c.Type = ChangeType(changeType)
		c.Collection = col
		if data != nil {
			c.Data = json.RawMessage(*data)
		}
		c.ChangedAt = time.UnixMilli(changedMS).UTC()
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// Watch polls the change feed and emits every committed change with
// seq > afterSeq, in order, until ctx is canceled. The channel is closed
// on cancellation. Callers that need to survive restarts keep their own
// cursor from Change.Seq and resubscribe from it.
func (s *Store) Watch(ctx context.Context, col string, afterSeq int64, pollInterval time.Duration) <-chan Change {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	out := make(chan Change)
	go func() {
		defer close(out)

		cursor := afterSeq
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			changes, err := s.ChangesSince(ctx, col, cursor, 200)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Str("collection", col).Msg("change feed poll failed")
			}

			for _, c := range changes {
				select {
				case out <- c:
					cursor = c.Seq
				case <-ctx.Done():
					return
				}
			}

			// Drain fully before sleeping when a full batch came back.
			if len(changes) == 200 {
				continue
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

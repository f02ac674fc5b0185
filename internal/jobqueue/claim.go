package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
)

// Claim moves the oldest eligible queued job to processing and returns
// it, or (nil, nil) when nothing is claimable. The concurrency gate,
// FIFO order, retry-after gate and route exclusion are all evaluated
// inside the same transaction that writes the claim, so two workers
// polling concurrently cannot pick the same job or the same route.
func (q *Queue) Claim(ctx context.Context, workerID string) (*domain.QueueJob, error) {
	var claimed domain.QueueJob
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		now := q.clk.Now()

		docs, err := t.List(q.col)
		if err != nil {
			return err
		}

		processing := 0
		busyRoutes := make(map[string]bool)
		var candidates []domain.QueueJob
		for _, doc := range docs {
			var job domain.QueueJob
			if err := doc.Unmarshal(&job); err != nil {
				return fmt.Errorf("failed to decode job %s: %w", doc.ID, err)
			}
			switch job.Status {
			case domain.JobProcessing:
				processing++
				busyRoutes[job.RouteNumber] = true
			case domain.JobQueued:
				if job.RetryAfterMS == 0 || job.RetryAfterMS <= now.UnixMilli() {
					candidates = append(candidates, job)
				}
			}
		}
		if q.opts.MaxConcurrency > 0 && processing >= q.opts.MaxConcurrency {
			return errNoClaim
		}

		locks, err := t.List(docstore.ColRouteLocks)
		if err != nil {
			return err
		}
		for _, doc := range locks {
			var lock domain.RouteLock
			if err := doc.Unmarshal(&lock); err != nil {
				return fmt.Errorf("failed to decode route lock %s: %w", doc.ID, err)
			}
			if lock.Kind == q.kind && !lock.Expired(now) {
				busyRoutes[lock.RouteNumber] = true
			}
		}

		// FIFO by creation time; ids break ties for a stable order.
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].ID < candidates[j].ID
		})

		for i := range candidates {
			job := candidates[i]
			if busyRoutes[job.RouteNumber] {
				continue
			}
			job.Status = domain.JobProcessing
			job.ClaimedBy = workerID
			job.StartedAt = &now
			job.WorkerHeartbeatAt = &now
			if err := t.Set(q.col, job.ID, job); err != nil {
				return err
			}
			lock := domain.RouteLock{
				RouteNumber: job.RouteNumber,
				Kind:        q.kind,
				JobID:       job.ID,
				LockedBy:    workerID,
				LockedUntil: now.Add(q.lockTTL()),
			}
			if err := t.Set(docstore.ColRouteLocks, q.lockID(job.RouteNumber), lock); err != nil {
				return err
			}
			claimed = job
			return nil
		}
		return errNoClaim
	})
	if errors.Is(err, errNoClaim) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	q.log.Info().
		Str("job", claimed.ID).
		Str("route", claimed.RouteNumber).
		Str("worker", workerID).
		Msg("Job claimed")
	q.emit(&claimed, "")
	return &claimed, nil
}

// Heartbeat records worker liveness on a processing job and extends the
// route lock lease. A lock held by a different live worker comes back
// as LOCK_HELD_ELSEWHERE; the caller must abandon the job.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		var job domain.QueueJob
		if err := t.Get(q.col, jobID, &job); err != nil {
			return err
		}
		if job.Status != domain.JobProcessing {
			return fmt.Errorf("job %s is %s, heartbeat requires processing", jobID, job.Status)
		}
		if job.ClaimedBy != workerID {
			return domain.NewError(domain.ErrLockHeldElsewhere,
				"job %s is claimed by %s", jobID, job.ClaimedBy)
		}

		now := q.clk.Now()
		lockID := q.lockID(job.RouteNumber)

		var lock domain.RouteLock
		switch err := t.Get(docstore.ColRouteLocks, lockID, &lock); {
		case err == nil:
			if lock.LockedBy != workerID && !lock.Expired(now) {
				return domain.NewError(domain.ErrLockHeldElsewhere,
					"route %s is locked by %s", job.RouteNumber, lock.LockedBy)
			}
		case errors.Is(err, docstore.ErrNotFound):
			// Lease lapsed and was swept; reassert it below.
		default:
			return err
		}

		job.WorkerHeartbeatAt = &now
		if err := t.Set(q.col, jobID, job); err != nil {
			return err
		}
		return t.Set(docstore.ColRouteLocks, lockID, domain.RouteLock{
			RouteNumber: job.RouteNumber,
			Kind:        q.kind,
			JobID:       job.ID,
			LockedBy:    workerID,
			LockedUntil: now.Add(q.lockTTL()),
		})
	})
	if err != nil {
		return err
	}

	q.log.Debug().Str("job", jobID).Str("worker", workerID).Msg("Heartbeat recorded")
	return nil
}

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
)

// Complete marks a processing job ready (or ready_partial when some
// parts failed) and releases the route lock.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, artifact *domain.JobArtifact, partial bool) (*domain.QueueJob, error) {
	var done domain.QueueJob
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		var job domain.QueueJob
		if err := t.Get(q.col, jobID, &job); err != nil {
			return err
		}
		if job.Status != domain.JobProcessing {
			return fmt.Errorf("job %s is %s, complete requires processing", jobID, job.Status)
		}
		if job.ClaimedBy != workerID {
			return domain.NewError(domain.ErrLockHeldElsewhere,
				"job %s is claimed by %s", jobID, job.ClaimedBy)
		}

		now := q.clk.Now()
		job.Status = domain.JobReady
		if partial {
			job.Status = domain.JobReadyPartial
		}
		job.CompletedAt = &now
		job.Artifact = artifact
		if artifact != nil && !artifact.ExpiresAt.IsZero() {
			job.ArtifactExpiresMS = artifact.ExpiresAt.UnixMilli()
		}
		job.ErrorCode = ""
		job.ErrorMessage = ""
		if err := t.Set(q.col, jobID, job); err != nil {
			return err
		}
		if err := q.releaseLockTxn(t, job.RouteNumber, workerID, job.ID); err != nil {
			return err
		}
		done = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Info().
		Str("job", done.ID).
		Str("route", done.RouteNumber).
		Str("status", string(done.Status)).
		Msg("Job completed")
	q.emit(&done, "")
	return &done, nil
}

// Fail records a failed attempt. Retryable causes requeue the job with
// exponential backoff until attempts are exhausted; fatal causes and
// exhaustion move it to failed. The route lock is released either way.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (*domain.QueueJob, error) {
	code := domain.CodeOf(cause)
	retryable := domain.IsRetryable(cause)
	if code == "" {
		// Unclassified worker errors retry like processing errors.
		code = domain.ErrExportProcessing
		if q.kind == domain.JobKindPurge {
			code = domain.ErrPurgeProcessing
		}
		retryable = true
	}

	var failed domain.QueueJob
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		var job domain.QueueJob
		if err := t.Get(q.col, jobID, &job); err != nil {
			return err
		}
		if job.Status != domain.JobProcessing {
			return fmt.Errorf("job %s is %s, fail requires processing", jobID, job.Status)
		}
		if job.ClaimedBy != workerID {
			return domain.NewError(domain.ErrLockHeldElsewhere,
				"job %s is claimed by %s", jobID, job.ClaimedBy)
		}

		now := q.clk.Now()
		transitionFailed(&job, now, code, messageOf(cause), retryable)
		if err := t.Set(q.col, jobID, job); err != nil {
			return err
		}
		if err := q.releaseLockTxn(t, job.RouteNumber, workerID, job.ID); err != nil {
			return err
		}
		failed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Warn().
		Str("job", failed.ID).
		Str("route", failed.RouteNumber).
		Str("status", string(failed.Status)).
		Str("error_code", failed.ErrorCode).
		Int("attempt", failed.AttemptCount).
		Msg("Job attempt failed")
	q.emit(&failed, failed.ErrorMessage)
	return &failed, nil
}

// RecoverStale requeues processing jobs whose worker stopped reporting:
// past the hard processing deadline (WORKER_TIMEOUT) or silent beyond
// the heartbeat threshold (STALE_PROCESSING_JOB). Returns how many jobs
// were recovered.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	jobs, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	now := q.clk.Now()
	recovered := 0
	for i := range jobs {
		if q.staleCode(&jobs[i], now) == "" {
			continue
		}
		ok, err := q.recoverOne(ctx, jobs[i].ID)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		q.log.Info().Int("recovered", recovered).Msg("Stale jobs recovered")
	}
	return recovered, nil
}

// recoverOne re-checks staleness inside the transaction and requeues
// the job. Returns false when the job turned out to be live after all.
func (q *Queue) recoverOne(ctx context.Context, id string) (bool, error) {
	recovered := false
	var after domain.QueueJob
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		recovered = false
		var job domain.QueueJob
		if err := t.Get(q.col, id, &job); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			return err
		}

		now := q.clk.Now()
		code := q.staleCode(&job, now)
		if code == "" {
			return nil
		}

		owner := job.ClaimedBy
		transitionFailed(&job, now, code, staleMessage(code, owner), true)
		if err := t.Set(q.col, job.ID, job); err != nil {
			return err
		}
		if err := q.releaseLockTxn(t, job.RouteNumber, owner, job.ID); err != nil {
			return err
		}
		after = job
		recovered = true
		return nil
	})
	if err != nil || !recovered {
		return false, err
	}

	q.log.Warn().
		Str("job", after.ID).
		Str("route", after.RouteNumber).
		Str("error_code", after.ErrorCode).
		Str("status", string(after.Status)).
		Msg("Stale job recovered")
	q.emit(&after, after.ErrorMessage)
	return true, nil
}

// staleCode classifies a processing job: the hard deadline outranks
// heartbeat silence, so a worker that heartbeats forever still gets
// timed out.
func (q *Queue) staleCode(job *domain.QueueJob, now time.Time) string {
	if job.Status != domain.JobProcessing {
		return ""
	}
	if job.StartedAt != nil && now.Sub(*job.StartedAt) > q.opts.WorkerTimeout {
		return domain.ErrWorkerTimeout
	}
	hb := job.WorkerHeartbeatAt
	if hb == nil {
		hb = job.StartedAt
	}
	if hb != nil && now.Sub(*hb) > q.staleThreshold() {
		return domain.ErrStaleProcessingJob
	}
	return ""
}

func staleMessage(code, worker string) string {
	if code == domain.ErrWorkerTimeout {
		return fmt.Sprintf("worker %s exceeded the processing deadline", worker)
	}
	return fmt.Sprintf("worker %s stopped heartbeating", worker)
}

// transitionFailed applies one failed attempt to the job in place.
func transitionFailed(job *domain.QueueJob, now time.Time, code, message string, retryable bool) {
	job.AttemptCount++
	job.ErrorCode = code
	job.ErrorMessage = message
	if retryable && job.AttemptCount < job.MaxAttempts {
		job.Status = domain.JobQueued
		job.RetryAfterMS = now.Add(backoff(job.AttemptCount)).UnixMilli()
		job.ClaimedBy = ""
		job.StartedAt = nil
		job.WorkerHeartbeatAt = nil
		return
	}
	job.Status = domain.JobFailed
	job.CompletedAt = &now
}

// messageOf strips the code prefix domain errors render into Error().
func messageOf(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// ArtifactsDue returns jobs whose artifact TTL has lapsed and whose
// blob has not been cleaned up yet. The artifact sweep deletes the blob
// and then calls MarkExpired.
func (q *Queue) ArtifactsDue(ctx context.Context) ([]domain.QueueJob, error) {
	jobs, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	nowMS := q.clk.Now().UnixMilli()
	var due []domain.QueueJob
	for i := range jobs {
		job := jobs[i]
		switch job.Status {
		case domain.JobReady, domain.JobReadyPartial, domain.JobExpired:
		default:
			continue
		}
		if job.CleanupAt != nil {
			continue
		}
		if job.ArtifactExpiresMS > 0 && job.ArtifactExpiresMS <= nowMS {
			due = append(due, job)
		}
	}
	return due, nil
}

// MarkExpired records that the job's artifact was deleted.
func (q *Queue) MarkExpired(ctx context.Context, jobID string) error {
	var expired domain.QueueJob
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		var job domain.QueueJob
		if err := t.Get(q.col, jobID, &job); err != nil {
			return err
		}
		now := q.clk.Now()
		job.Status = domain.JobExpired
		job.CleanupAt = &now
		expired = job
		return t.Set(q.col, jobID, job)
	})
	if err != nil {
		return err
	}

	q.log.Info().Str("job", expired.ID).Msg("Job artifact expired")
	q.emit(&expired, "artifact expired")
	return nil
}

// releaseLockTxn deletes the route lock when the caller still owns it.
// A lock reassigned to another worker is left alone.
func (q *Queue) releaseLockTxn(t *docstore.Txn, route, owner, jobID string) error {
	lockID := q.lockID(route)
	var lock domain.RouteLock
	if err := t.Get(docstore.ColRouteLocks, lockID, &lock); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if lock.LockedBy != owner || lock.JobID != jobID {
		return nil
	}
	return t.Delete(docstore.ColRouteLocks, lockID)
}

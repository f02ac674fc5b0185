// Package jobqueue implements the persistent job queue behind export and
// purge processing: FIFO claims with per-route exclusion, worker
// heartbeats backed by route locks, stale recovery, exponential retry
// backoff, enqueue dedup and quotas.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
)

// errNoClaim aborts a claim transaction when no job is eligible.
var errNoClaim = errors.New("no claimable job")

// Options tune a queue instance. Zero values for the quota and range
// fields disable the corresponding enqueue checks; the purge queue is
// system-fed and runs with them off.
type Options struct {
	MaxConcurrency  int
	WorkerTimeout   time.Duration
	MaxAttempts     int
	DailyLimit      int
	RouteDepthLimit int
	RangeMaxDays    int
}

// ExportOptions maps the export worker configuration onto queue options.
func ExportOptions(cfg config.ExportConfig) Options {
	return Options{
		MaxConcurrency:  cfg.WorkerConcurrency,
		WorkerTimeout:   cfg.WorkerTimeout(),
		MaxAttempts:     cfg.MaxAttempts,
		DailyLimit:      cfg.DailyLimit,
		RouteDepthLimit: cfg.RouteQueueDepthLimit,
		RangeMaxDays:    cfg.RangeMaxDays,
	}
}

// PurgeOptions builds queue options for the purge worker. One purge job
// at a time; the deletion fan-out is bounded inside the job itself.
func PurgeOptions() Options {
	return Options{
		MaxConcurrency: 1,
		WorkerTimeout:  45 * time.Minute,
		MaxAttempts:    3,
	}
}

// Queue is a persistent job queue over one document collection.
type Queue struct {
	docs   *docstore.Store
	clk    clock.Clock
	kind   domain.JobKind
	col    string
	opts   Options
	events *events.Manager
	log    zerolog.Logger
}

// NewQueue creates a queue for the given job kind.
func NewQueue(docs *docstore.Store, clk clock.Clock, kind domain.JobKind, opts Options, eventManager *events.Manager, log zerolog.Logger) *Queue {
	col := docstore.ColExportJobs
	if kind == domain.JobKindPurge {
		col = docstore.ColPurgeJobs
	}
	return &Queue{
		docs:   docs,
		clk:    clk,
		kind:   kind,
		col:    col,
		opts:   opts,
		events: eventManager,
		log:    log.With().Str("service", "jobqueue").Str("kind", string(kind)).Logger(),
	}
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	RouteNumber string
	RequestedBy string
	FromDate    time.Time
	ToDate      time.Time
	Format      string
}

// Enqueue validates the request, applies dedup and quotas, and persists
// a new queued job. When an active job already covers the same (route,
// from, to, format) the existing job is returned with Reused set.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.QueueJob, error) {
	now := q.clk.Now()
	if req.Format == "" {
		req.Format = "zip"
	}

	if q.opts.RangeMaxDays > 0 {
		if err := q.validateRange(ctx, req, now); err != nil {
			return nil, err
		}
	}

	jobs, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	if existing := q.dedup(jobs, req, now); existing != nil {
		existing.Reused = true
		q.log.Debug().Str("job", existing.ID).Str("route", req.RouteNumber).Msg("Enqueue deduplicated to existing job")
		return existing, nil
	}

	if q.opts.DailyLimit > 0 {
		count := 0
		for i := range jobs {
			if jobs[i].RequestedBy == req.RequestedBy && domain.SameDate(jobs[i].CreatedAt, now) {
				count++
			}
		}
		if count >= q.opts.DailyLimit {
			return nil, domain.NewError(domain.ErrExportDailyLimitReached,
				"requester %s reached %d exports for the day", req.RequestedBy, q.opts.DailyLimit)
		}
	}

	if q.opts.RouteDepthLimit > 0 {
		depth := 0
		for i := range jobs {
			if jobs[i].RouteNumber == req.RouteNumber && isActive(&jobs[i], now) {
				depth++
			}
		}
		if depth >= q.opts.RouteDepthLimit {
			return nil, domain.NewError(domain.ErrRouteExportQueueFull,
				"route %s already has %d active jobs", req.RouteNumber, depth)
		}
	}

	job := &domain.QueueJob{
		ID:          uuid.NewString(),
		Kind:        q.kind,
		Status:      domain.JobQueued,
		RouteNumber: req.RouteNumber,
		RequestedBy: req.RequestedBy,
		FromDate:    req.FromDate,
		ToDate:      req.ToDate,
		Format:      req.Format,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
	}
	if err := q.docs.Set(ctx, q.col, job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.log.Info().
		Str("job", job.ID).
		Str("route", job.RouteNumber).
		Str("from", domain.FormatDate(job.FromDate)).
		Str("to", domain.FormatDate(job.ToDate)).
		Msg("Job enqueued")
	q.emit(job, "")
	return job, nil
}

// Get returns the job by id; docstore.ErrNotFound when missing.
func (q *Queue) Get(ctx context.Context, id string) (*domain.QueueJob, error) {
	var job domain.QueueJob
	if err := q.docs.Get(ctx, q.col, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListForRoute returns the route's jobs, newest first.
func (q *Queue) ListForRoute(ctx context.Context, route string) ([]domain.QueueJob, error) {
	jobs, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.QueueJob
	for i := range jobs {
		if jobs[i].RouteNumber == route {
			out = append(out, jobs[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Cancel moves a queued job to canceled. Only the requester may cancel,
// and only before a worker claims the job.
func (q *Queue) Cancel(ctx context.Context, id, requestedBy string) (*domain.QueueJob, error) {
	var canceled domain.QueueJob
	err := q.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		var job domain.QueueJob
		if err := t.Get(q.col, id, &job); err != nil {
			return err
		}
		if job.RequestedBy != requestedBy {
			return fmt.Errorf("job %s does not belong to %s", id, requestedBy)
		}
		if job.Status != domain.JobQueued {
			return fmt.Errorf("job %s is %s, only queued jobs can be canceled", id, job.Status)
		}
		now := q.clk.Now()
		job.Status = domain.JobCanceled
		job.ErrorCode = domain.ErrCanceledByOwner
		job.ErrorMessage = "canceled by owner"
		job.CompletedAt = &now
		canceled = job
		return t.Set(q.col, id, job)
	})
	if err != nil {
		return nil, err
	}

	q.log.Info().Str("job", canceled.ID).Msg("Job canceled by owner")
	q.emit(&canceled, "canceled by owner")
	return &canceled, nil
}

// validateRange applies the export date rules: ordered, bounded span,
// fully in the past, and not before the route existed.
func (q *Queue) validateRange(ctx context.Context, req EnqueueRequest, now time.Time) error {
	from, to := req.FromDate, req.ToDate
	if from.After(to) {
		return domain.NewError(domain.ErrInvalidDateRange,
			"from_date %s is after to_date %s", domain.FormatDate(from), domain.FormatDate(to))
	}
	days := domain.DaysBetween(from, to) + 1
	if days > q.opts.RangeMaxDays {
		return domain.NewError(domain.ErrExportRangeExceedsMax,
			"range spans %d days, max %d", days, q.opts.RangeMaxDays)
	}
	if !domain.TruncateToDate(to).Before(domain.TruncateToDate(now)) {
		return domain.NewError(domain.ErrInvalidDateRange,
			"to_date %s is not in the past", domain.FormatDate(to))
	}

	var route domain.Route
	if err := q.docs.Get(ctx, docstore.ColRoutes, req.RouteNumber, &route); err != nil {
		return fmt.Errorf("failed to load route %s: %w", req.RouteNumber, err)
	}
	if !route.StartDate.IsZero() && from.Before(route.StartDate) {
		return domain.NewError(domain.ErrDateBeforeRouteStart,
			"from_date %s precedes route start %s", domain.FormatDate(from), domain.FormatDate(route.StartDate))
	}
	return nil
}

// dedup returns an active job matching (route, from, to, format).
func (q *Queue) dedup(jobs []domain.QueueJob, req EnqueueRequest, now time.Time) *domain.QueueJob {
	for i := range jobs {
		job := &jobs[i]
		if job.RouteNumber != req.RouteNumber || job.Format != req.Format {
			continue
		}
		if domain.FormatDate(job.FromDate) != domain.FormatDate(req.FromDate) ||
			domain.FormatDate(job.ToDate) != domain.FormatDate(req.ToDate) {
			continue
		}
		if isActive(job, now) {
			return job
		}
	}
	return nil
}

// isActive reports whether the job counts against dedup and quotas.
// Ready jobs stop counting once their artifact TTL lapses.
func isActive(job *domain.QueueJob, now time.Time) bool {
	switch job.Status {
	case domain.JobQueued, domain.JobProcessing:
		return true
	case domain.JobReady, domain.JobReadyPartial:
		return job.ArtifactExpiresMS == 0 || job.ArtifactExpiresMS > now.UnixMilli()
	}
	return false
}

// load decodes the full job collection.
func (q *Queue) load(ctx context.Context) ([]domain.QueueJob, error) {
	docs, err := q.docs.List(ctx, q.col)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]domain.QueueJob, 0, len(docs))
	for _, doc := range docs {
		var job domain.QueueJob
		if err := doc.Unmarshal(&job); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", doc.ID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) emit(job *domain.QueueJob, message string) {
	if q.events == nil {
		return
	}
	q.events.EmitTyped(events.JobProgress, "jobqueue", &events.JobStatusData{
		JobID:   job.ID,
		Kind:    string(job.Kind),
		Status:  string(job.Status),
		Message: message,
	})
}

func (q *Queue) lockID(route string) string {
	return string(q.kind) + ":" + route
}

// lockTTL is max(worker_timeout + 120s, 15min).
func (q *Queue) lockTTL() time.Duration {
	ttl := q.opts.WorkerTimeout + 2*time.Minute
	if ttl < 15*time.Minute {
		ttl = 15 * time.Minute
	}
	return ttl
}

// staleThreshold is min(10min, worker_timeout - 60s).
func (q *Queue) staleThreshold() time.Duration {
	threshold := 10 * time.Minute
	if t := q.opts.WorkerTimeout - time.Minute; t < threshold {
		threshold = t
	}
	return threshold
}

// backoff is min(60 * 2^(attempt-1), 1800) seconds.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return 1800 * time.Second
	}
	secs := 60 << (attempt - 1)
	if secs > 1800 {
		secs = 1800
	}
	return time.Duration(secs) * time.Second
}

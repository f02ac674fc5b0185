package purge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/blobstore"
	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/jobqueue"
)

// OrderStore is the relational surface the purge walks and erases.
// Satisfied by orders.OrdersRepository.
type OrderStore interface {
	DeliveryDatesBefore(route string, anchor time.Time, limit int) ([]string, error)
	DeleteDelivery(route string, delivery time.Time) (int64, error)
}

// ForecastStore erases cached forecast documents per delivery date.
// Satisfied by forecastcache.Cache.
type ForecastStore interface {
	DeleteForDelivery(ctx context.Context, route string, date time.Time) (int, error)
}

// ArchiveStore erases archived blobs by key prefix. Satisfied by
// blobstore.Store. A nil store skips the blob source.
type ArchiveStore interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Worker drives retention purges end to end: Scan enqueues a purge job
// per synced route with deliveries past the retention anchor, and the
// drain loop claims those jobs and erases each delivery behind a
// checkpoint. Deliveries with a completed checkpoint are never touched
// again; a failed delivery is recorded and the rest of the route still
// runs.
type Worker struct {
	docs        *docstore.Store
	orders      OrderStore
	forecasts   ForecastStore
	checkpoints *CheckpointRepository
	queue       *jobqueue.Queue
	blobs       ArchiveStore
	clk         clock.Clock
	events      *events.Manager
	cfg         config.PurgeConfig
	dataDir     string
	id          string
	log         zerolog.Logger

	stop    chan struct{}
	stopped chan struct{}
}

// NewWorker creates a purge worker with a fresh worker id. dataDir is
// the base directory whose archives/{route}/{date} subtrees get erased;
// empty skips the filesystem source.
func NewWorker(docs *docstore.Store, orderStore OrderStore, forecasts ForecastStore,
	checkpoints *CheckpointRepository, queue *jobqueue.Queue, blobs ArchiveStore,
	clk clock.Clock, eventManager *events.Manager, cfg config.PurgeConfig,
	dataDir string, log zerolog.Logger) *Worker {
	id := "purge-" + uuid.NewString()[:8]
	return &Worker{
		docs:        docs,
		orders:      orderStore,
		forecasts:   forecasts,
		checkpoints: checkpoints,
		queue:       queue,
		blobs:       blobs,
		clk:         clk,
		events:      eventManager,
		cfg:         cfg,
		dataDir:     dataDir,
		id:          id,
		log:         log.With().Str("service", "purgeworker").Str("worker", id).Logger(),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Run scans and drains on the poll interval. Blocks until Stop is
// called or the context ends. A disabled worker stays idle but alive,
// so flipping the flag only needs a restart, not a redeploy.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)

	poll := time.Duration(w.cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Minute
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	w.log.Info().Dur("poll", poll).Bool("enabled", w.cfg.Enabled).Msg("Purge worker started")
	w.tick(ctx)

	for {
		select {
		case <-w.stop:
			w.log.Info().Msg("Purge worker stopped")
			return
		case <-ctx.Done():
			w.log.Info().Msg("Purge worker context canceled")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for the current job to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.stopped
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.Scan(ctx); err != nil {
		w.log.Error().Err(err).Msg("Purge scan failed")
	}
	w.drain(ctx)
}

// Scan enqueues one purge job per synced route that still holds
// deliveries older than the retention anchor. Returns how many new jobs
// were enqueued; reused (deduplicated) jobs do not count.
func (w *Worker) Scan(ctx context.Context) (int, error) {
	if !w.cfg.Enabled {
		return 0, nil
	}

	anchor := domain.TruncateToDate(w.clk.Now()).AddDate(0, 0, -w.cfg.RetentionDaysDefault)

	routeDocs, err := w.docs.List(ctx, docstore.ColRoutes)
	if err != nil {
		return 0, fmt.Errorf("failed to list routes: %w", err)
	}

	enqueued := 0
	for _, doc := range routeDocs {
		var route domain.Route
		if err := doc.Unmarshal(&route); err != nil {
			w.log.Error().Err(err).Str("route", doc.ID).Msg("Skipping undecodable route")
			continue
		}
		if !route.Synced {
			continue
		}

		dates, err := w.eligibleDates(route.Number, anchor)
		if err != nil {
			w.log.Error().Err(err).Str("route", route.Number).Msg("Purge scan failed for route")
			continue
		}
		if len(dates) == 0 {
			continue
		}

		from, err := domain.ParseDate(dates[0])
		if err != nil {
			w.log.Error().Err(err).Str("route", route.Number).Str("date", dates[0]).
				Msg("Bad delivery date in ledger")
			continue
		}

		job, err := w.queue.Enqueue(ctx, jobqueue.EnqueueRequest{
			RouteNumber: route.Number,
			RequestedBy: "system",
			FromDate:    from,
			ToDate:      anchor,
			Format:      "purge",
		})
		if err != nil {
			w.log.Error().Err(err).Str("route", route.Number).Msg("Failed to enqueue purge job")
			continue
		}
		if !job.Reused {
			enqueued++
			w.log.Info().
				Str("route", route.Number).
				Str("job", job.ID).
				Str("anchor", domain.FormatDate(anchor)).
				Int("deliveries", len(dates)).
				Msg("Purge job enqueued")
		}
	}
	return enqueued, nil
}

// eligibleDates lists the route's deliveries older than the anchor that
// have no completed checkpoint yet.
func (w *Worker) eligibleDates(route string, anchor time.Time) ([]string, error) {
	dates, err := w.orders.DeliveryDatesBefore(route, anchor, w.cfg.RouteBatchLimit)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}

	completed, err := w.checkpoints.CompletedDates(route)
	if err != nil {
		return nil, err
	}

	eligible := make([]string, 0, len(dates))
	for _, d := range dates {
		if !completed[d] {
			eligible = append(eligible, d)
		}
	}
	return eligible, nil
}

// drain recovers stale claims, then processes jobs until nothing is
// claimable. A disabled worker leaves queued jobs untouched.
func (w *Worker) drain(ctx context.Context) {
	if !w.cfg.Enabled {
		return
	}
	if _, err := w.queue.RecoverStale(ctx); err != nil {
		w.log.Error().Err(err).Msg("Stale job recovery failed")
	}

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx, w.id)
		if err != nil {
			w.log.Error().Err(err).Msg("Claim failed")
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, job)
	}
}

// process erases every eligible delivery of one claimed job. The
// candidate list is re-derived from the ledger against the job's anchor
// (to_date), so a retried job picks up exactly the deliveries that
// still exist. Per-delivery failures are checkpointed and skipped; the
// job itself completes, partial when anything failed.
func (w *Worker) process(ctx context.Context, job *domain.QueueJob) {
	log := w.log.With().Str("job", job.ID).Str("route", job.RouteNumber).Logger()
	log.Info().
		Str("anchor", domain.FormatDate(job.ToDate)).
		Int("attempt", job.AttemptCount+1).
		Msg("Processing purge job")

	hbCtx, cancelHB := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(hbCtx, job.ID)
	}()
	defer func() {
		cancelHB()
		wg.Wait()
	}()

	dates, err := w.eligibleDates(job.RouteNumber, job.ToDate)
	if err != nil {
		w.failJob(ctx, job, domain.NewRetryableError(domain.ErrPurgeProcessing,
			"failed to list purge candidates: %v", err))
		return
	}

	purged, failures := 0, 0
	var ordersDeleted int64

deliveries:
	for _, dateStr := range dates {
		select {
		case <-w.stop:
			// Shutdown finishes the current delivery, not the batch.
			// Unfinished dates are still in the ledger and re-enqueue
			// on the next scan.
			log.Info().Int("remaining", len(dates)-purged-failures).
				Msg("Purge interrupted by shutdown")
			break deliveries
		case <-ctx.Done():
			break deliveries
		default:
		}

		delivery, err := domain.ParseDate(dateStr)
		if err != nil {
			log.Error().Err(err).Str("date", dateStr).Msg("Bad delivery date in ledger")
			failures++
			continue
		}

		deleted, err := w.eraseDelivery(ctx, job, delivery)
		if err != nil {
			log.Warn().Err(err).Str("date", dateStr).Msg("Delivery purge failed")
			failures++
			continue
		}
		purged++
		ordersDeleted += deleted
	}

	// A purge job carries no artifact. The immediate expiry releases
	// dedup, so a delivery that failed here is retried by the next scan.
	marker := &domain.JobArtifact{ExpiresAt: w.clk.Now()}
	if _, err := w.queue.Complete(ctx, job.ID, w.id, marker, failures > 0); err != nil {
		log.Error().Err(err).Msg("Failed to complete purge job")
		return
	}

	log.Info().
		Int("deliveries", purged).
		Int64("orders_deleted", ordersDeleted).
		Int("failures", failures).
		Msg("Purge job finished")

	if w.events != nil && purged > 0 {
		w.events.EmitTyped(events.PurgeCompleted, "purge", &events.PurgeCompletedData{
			RouteNumber:   job.RouteNumber,
			DeliveryDates: purged,
			OrdersDeleted: int(ordersDeleted),
		})
	}
}

// eraseDelivery deletes one delivery date from every source behind a
// checkpoint: pending before the first delete, completed only after all
// sources are gone, failed with details otherwise. Every source delete
// is idempotent, so retrying a pending or failed delivery is safe.
func (w *Worker) eraseDelivery(ctx context.Context, job *domain.QueueJob, delivery time.Time) (int64, error) {
	cp := domain.PurgeCheckpoint{
		RouteNumber:  job.RouteNumber,
		DeliveryDate: delivery,
		Status:       domain.PurgePending,
		EventID:      job.ID,
		RecordedAt:   w.clk.Now(),
	}
	if err := w.checkpoints.Set(cp); err != nil {
		return 0, fmt.Errorf("failed to record checkpoint: %w", err)
	}

	deleted, err := w.eraseSources(ctx, job.RouteNumber, delivery)
	if err != nil {
		cp.Status = domain.PurgeFailed
		cp.Details = err.Error()
		cp.RecordedAt = w.clk.Now()
		if cpErr := w.checkpoints.Set(cp); cpErr != nil {
			w.log.Error().Err(cpErr).
				Str("route", job.RouteNumber).
				Str("delivery", domain.FormatDate(delivery)).
				Msg("Failed to record failed checkpoint")
		}
		return 0, err
	}

	cp.Status = domain.PurgeCompleted
	cp.Details = ""
	cp.RecordedAt = w.clk.Now()
	if err := w.checkpoints.Set(cp); err != nil {
		return deleted, fmt.Errorf("failed to record completed checkpoint: %w", err)
	}
	return deleted, nil
}

// eraseSources removes the delivery from the forecast documents, the
// blob archive, the filesystem archive, and finally the relational
// ledger. Candidates derive from the ledger, so deleting it last keeps
// a partly erased delivery eligible for retry. Returns how many orders
// the ledger dropped.
func (w *Worker) eraseSources(ctx context.Context, route string, delivery time.Time) (int64, error) {
	if _, err := w.forecasts.DeleteForDelivery(ctx, route, delivery); err != nil {
		return 0, fmt.Errorf("failed to delete forecast documents: %w", err)
	}

	date := domain.FormatDate(delivery)
	if w.blobs != nil {
		if _, err := w.blobs.DeletePrefix(ctx, blobstore.ArchivePrefix(route, date)); err != nil {
			return 0, fmt.Errorf("failed to delete archived blobs: %w", err)
		}
	}

	if w.dataDir != "" {
		dir := filepath.Join(w.dataDir, "archives", route, date)
		if err := os.RemoveAll(dir); err != nil {
			return 0, fmt.Errorf("failed to delete archive directory: %w", err)
		}
	}

	deleted, err := w.orders.DeleteDelivery(route, delivery)
	if err != nil {
		return 0, fmt.Errorf("failed to delete order history: %w", err)
	}
	return deleted, nil
}

func (w *Worker) failJob(ctx context.Context, job *domain.QueueJob, cause error) {
	if _, err := w.queue.Fail(ctx, job.ID, w.id, cause); err != nil {
		w.log.Error().Err(err).Str("job", job.ID).Msg("Failed to record purge failure")
	}
}

// heartbeat renews the claim until canceled. A LOCK_HELD_ELSEWHERE
// answer means another worker took the job over; stop renewing.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID, w.id); err != nil {
				w.log.Warn().Err(err).Str("job", jobID).Msg("Heartbeat rejected")
				if domain.IsCode(err, domain.ErrLockHeldElsewhere) {
					return
				}
			}
		}
	}
}

package exports

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/blobstore"
	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	"github.com/routespark/routespark/internal/jobqueue"
)

const artifactContentType = "application/zip"

// ArtifactStore uploads and removes export archives. Satisfied by
// blobstore.Store. A nil store means blob storage is not configured and
// every claimed job fails with STORAGE_BUCKET_NOT_CONFIGURED.
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Worker drains the export queue: recover stale claims, claim the next
// job, build and upload the archive, publish the artifact on the job.
// One Worker processes one job at a time; run more for parallelism.
type Worker struct {
	queue   *jobqueue.Queue
	builder *Builder
	blobs   ArtifactStore
	clk     clock.Clock
	events  *events.Manager
	cfg     config.ExportConfig
	id      string
	log     zerolog.Logger

	stop    chan struct{}
	stopped chan struct{}
}

// NewWorker creates an export worker with a fresh worker id.
func NewWorker(queue *jobqueue.Queue, builder *Builder, blobs ArtifactStore, clk clock.Clock, eventManager *events.Manager, cfg config.ExportConfig, log zerolog.Logger) *Worker {
	id := "export-" + uuid.NewString()[:8]
	return &Worker{
		queue:   queue,
		builder: builder,
		blobs:   blobs,
		clk:     clk,
		events:  eventManager,
		cfg:     cfg,
		id:      id,
		log:     log.With().Str("service", "exportworker").Str("worker", id).Logger(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run drains the queue on the poll interval and sweeps expired
// artifacts hourly. Blocks until Stop is called or the context ends.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)

	poll := time.Duration(w.cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 15 * time.Second
	}
	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(time.Hour)
	defer sweepTicker.Stop()

	w.log.Info().Dur("poll", poll).Msg("Export worker started")
	w.drain(ctx)

	for {
		select {
		case <-w.stop:
			w.log.Info().Msg("Export worker stopped")
			return
		case <-ctx.Done():
			w.log.Info().Msg("Export worker context canceled")
			return
		case <-pollTicker.C:
			w.drain(ctx)
		case <-sweepTicker.C:
			if _, err := w.SweepArtifacts(ctx); err != nil {
				w.log.Error().Err(err).Msg("Artifact sweep failed")
			}
		}
	}
}

// Stop signals Run to exit and waits for the current job to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.stopped
}

// drain recovers stale claims, then processes jobs until nothing is
// claimable.
func (w *Worker) drain(ctx context.Context) {
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

// process builds and uploads one claimed job, heartbeating in the
// background while the build runs.
func (w *Worker) process(ctx context.Context, job *domain.QueueJob) {
	log := w.log.With().Str("job", job.ID).Str("route", job.RouteNumber).Logger()
	log.Info().
		Str("from", domain.FormatDate(job.FromDate)).
		Str("to", domain.FormatDate(job.ToDate)).
		Int("attempt", job.AttemptCount+1).
		Msg("Processing export job")

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

	if w.blobs == nil {
		w.failJob(ctx, job, domain.NewError(domain.ErrStorageBucketNotConfigured,
			"blob storage is not configured"))
		return
	}

	archive, err := w.builder.Build(job, w.clk.Now())
	if err != nil {
		w.failJob(ctx, job, err)
		return
	}

	key := blobstore.ExportPath(job.RouteNumber, job.ID)
	if err := w.blobs.Put(ctx, key, artifactContentType, archive.Data); err != nil {
		w.failJob(ctx, job, fmt.Errorf("failed to store artifact: %w", err))
		return
	}

	artifact := &domain.JobArtifact{
		StoragePath: key,
		Parts:       archive.Parts,
		SizeBytes:   int64(len(archive.Data)),
		ExpiresAt:   w.clk.Now().Add(time.Duration(w.cfg.ArtifactTTLDays) * 24 * time.Hour),
	}
	done, err := w.queue.Complete(ctx, job.ID, w.id, artifact, archive.Partial)
	if err != nil {
		log.Error().Err(err).Msg("Failed to complete export job")
		return
	}

	log.Info().
		Str("path", key).
		Int64("size_bytes", artifact.SizeBytes).
		Bool("partial", archive.Partial).
		Msg("Export job ready")
	w.emitReady(done)
}

func (w *Worker) failJob(ctx context.Context, job *domain.QueueJob, cause error) {
	failed, err := w.queue.Fail(ctx, job.ID, w.id, cause)
	if err != nil {
		w.log.Error().Err(err).Str("job", job.ID).Msg("Failed to record export failure")
		return
	}
	w.emitFailed(failed)
}

// heartbeat renews the claim until canceled. A LOCK_HELD_ELSEWHERE
// answer means another worker took the job over; stop renewing and let
// the in-flight Complete or Fail surface the conflict.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.cfg.Heartbeat()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
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

// SweepArtifacts deletes blobs whose TTL lapsed and marks their jobs
// expired. A failed blob delete leaves the job for the next sweep.
func (w *Worker) SweepArtifacts(ctx context.Context) (int, error) {
	due, err := w.queue.ArtifactsDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list due artifacts: %w", err)
	}

	swept := 0
	for i := range due {
		job := &due[i]
		if job.Artifact != nil && job.Artifact.StoragePath != "" && w.blobs != nil {
			if err := w.blobs.Delete(ctx, job.Artifact.StoragePath); err != nil {
				w.log.Error().Err(err).
					Str("job", job.ID).
					Str("path", job.Artifact.StoragePath).
					Msg("Failed to delete expired artifact")
				continue
			}
		}
		if err := w.queue.MarkExpired(ctx, job.ID); err != nil {
			w.log.Error().Err(err).Str("job", job.ID).Msg("Failed to mark artifact expired")
			continue
		}
		swept++
	}
	if swept > 0 {
		w.log.Info().Int("count", swept).Msg("Expired artifacts swept")
	}
	return swept, nil
}

func (w *Worker) emitReady(job *domain.QueueJob) {
	if w.events == nil {
		return
	}
	var size int64
	if job.Artifact != nil {
		size = job.Artifact.SizeBytes
	}
	w.events.EmitTyped(events.ExportReady, "exports", &events.ExportReadyData{
		JobID:       job.ID,
		RouteNumber: job.RouteNumber,
		FromDate:    domain.FormatDate(job.FromDate),
		ToDate:      domain.FormatDate(job.ToDate),
		Format:      job.Format,
		SizeBytes:   size,
		Partial:     job.Status == domain.JobReadyPartial,
	})
}

func (w *Worker) emitFailed(job *domain.QueueJob) {
	if w.events == nil {
		return
	}
	w.events.EmitTyped(events.ExportFailed, "exports", &events.ExportFailedData{
		JobID:       job.ID,
		RouteNumber: job.RouteNumber,
		ErrorCode:   job.ErrorCode,
		Error:       job.ErrorMessage,
		WillRetry:   job.Status == domain.JobQueued,
	})
}

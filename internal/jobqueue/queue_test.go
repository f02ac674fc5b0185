package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
	testingpkg "github.com/routespark/routespark/internal/testing"
)

func exportTestConfig() config.ExportConfig {
	return config.ExportConfig{
		WorkerConcurrency:    3,
		HeartbeatSeconds:     30,
		WorkerTimeoutSeconds: 2700,
		MaxAttempts:          3,
		ArtifactTTLDays:      14,
		DailyLimit:           3,
		RouteQueueDepthLimit: 3,
		RangeMaxDays:         31,
	}
}

type queueFixture struct {
	queue   *Queue
	docs    *docstore.Store
	clk     *clock.FixedClock
	emitted *[]events.Event
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "docs")
	t.Cleanup(cleanup)

	clk := clock.NewFixedClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	docs := docstore.New(db.Conn(), clk, zerolog.Nop())

	for _, number := range []string{"508", "509", "510", "511"} {
		route := testingpkg.NewRoute(number)
		require.NoError(t, docs.Set(context.Background(), docstore.ColRoutes, number, route))
	}

	bus := events.NewBus(zerolog.Nop())
	emitted := &[]events.Event{}
	bus.Subscribe(events.JobProgress, func(event *events.Event) {
		*emitted = append(*emitted, *event)
	})

	queue := NewQueue(docs, clk, domain.JobKindExport, ExportOptions(exportTestConfig()),
		events.NewManager(bus, zerolog.Nop()), zerolog.Nop())
	return &queueFixture{queue: queue, docs: docs, clk: clk, emitted: emitted}
}

func exportRequest(route, from, to string) EnqueueRequest {
	return EnqueueRequest{
		RouteNumber: route,
		RequestedBy: "user-" + route,
		FromDate:    domain.MustParseDate(from),
		ToDate:      domain.MustParseDate(to),
	}
}

func (f *queueFixture) enqueue(t *testing.T, route, from, to string) *domain.QueueJob {
	t.Helper()
	job, err := f.queue.Enqueue(context.Background(), exportRequest(route, from, to))
	require.NoError(t, err)
	return job
}

func (f *queueFixture) claim(t *testing.T, worker string) *domain.QueueJob {
	t.Helper()
	job, err := f.queue.Claim(context.Background(), worker)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (f *queueFixture) get(t *testing.T, id string) *domain.QueueJob {
	t.Helper()
	job, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("a valid range enqueues a queued job", func(t *testing.T) {
		f := newQueueFixture(t)

		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		assert.Equal(t, domain.JobQueued, job.Status)
		assert.Equal(t, domain.JobKindExport, job.Kind)
		assert.Equal(t, "zip", job.Format)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, 0, job.AttemptCount)
		assert.False(t, job.Reused)
		assert.True(t, job.CreatedAt.Equal(f.clk.Now()))

		stored := f.get(t, job.ID)
		assert.Equal(t, domain.JobQueued, stored.Status)
	})

	t.Run("a reversed range is rejected", func(t *testing.T) {
		f := newQueueFixture(t)

		_, err := f.queue.Enqueue(ctx, exportRequest("508", "2025-05-03", "2025-05-01"))
		assert.True(t, domain.IsCode(err, domain.ErrInvalidDateRange))
	})

	t.Run("the range cap is inclusive", func(t *testing.T) {
		f := newQueueFixture(t)

		_, err := f.queue.Enqueue(ctx, exportRequest("508", "2025-04-02", "2025-05-02"))
		require.NoError(t, err) // 31 days

		_, err = f.queue.Enqueue(ctx, exportRequest("508", "2025-04-01", "2025-05-02"))
		assert.True(t, domain.IsCode(err, domain.ErrExportRangeExceedsMax))
	})

	t.Run("the range must be fully in the past", func(t *testing.T) {
		f := newQueueFixture(t)

		_, err := f.queue.Enqueue(ctx, exportRequest("508", "2025-06-01", "2025-06-01"))
		require.NoError(t, err) // yesterday

		_, err = f.queue.Enqueue(ctx, exportRequest("508", "2025-06-01", "2025-06-02"))
		assert.True(t, domain.IsCode(err, domain.ErrInvalidDateRange))
	})

	t.Run("dates before the route start are rejected", func(t *testing.T) {
		f := newQueueFixture(t)
		late := testingpkg.NewRoute("512")
		late.StartDate = domain.MustParseDate("2025-03-01")
		require.NoError(t, f.docs.Set(ctx, docstore.ColRoutes, "512", late))

		_, err := f.queue.Enqueue(ctx, exportRequest("512", "2025-02-01", "2025-02-03"))
		assert.True(t, domain.IsCode(err, domain.ErrDateBeforeRouteStart))
	})

	t.Run("an unknown route fails the start check", func(t *testing.T) {
		f := newQueueFixture(t)

		_, err := f.queue.Enqueue(ctx, exportRequest("999", "2025-05-01", "2025-05-03"))
		assert.Error(t, err)
	})
}

func TestEnqueueDedupAndQuotas(t *testing.T) {
	ctx := context.Background()

	t.Run("an identical active request is reused", func(t *testing.T) {
		f := newQueueFixture(t)

		first := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		again := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		assert.Equal(t, first.ID, again.ID)
		assert.True(t, again.Reused)
	})

	t.Run("reused requests do not consume the daily limit", func(t *testing.T) {
		f := newQueueFixture(t)

		first := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		again := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		require.Equal(t, first.ID, again.ID)

		f.enqueue(t, "508", "2025-05-04", "2025-05-06")
		f.enqueue(t, "508", "2025-05-07", "2025-05-09")

		_, err := f.queue.Enqueue(ctx, exportRequest("508", "2025-05-10", "2025-05-12"))
		assert.True(t, domain.IsCode(err, domain.ErrExportDailyLimitReached))
	})

	t.Run("the next utc day resets the daily limit", func(t *testing.T) {
		f := newQueueFixture(t)
		for i, route := range []string{"508", "509", "510"} {
			req := exportRequest(route, "2025-05-01", "2025-05-03")
			req.RequestedBy = "user-x"
			_, err := f.queue.Enqueue(ctx, req)
			require.NoError(t, err, "enqueue %d", i)
		}

		blocked := exportRequest("511", "2025-05-01", "2025-05-03")
		blocked.RequestedBy = "user-x"
		_, err := f.queue.Enqueue(ctx, blocked)
		require.True(t, domain.IsCode(err, domain.ErrExportDailyLimitReached))

		f.clk.Advance(24 * time.Hour)
		_, err = f.queue.Enqueue(ctx, blocked)
		assert.NoError(t, err)
	})

	t.Run("a route carries at most three active jobs", func(t *testing.T) {
		f := newQueueFixture(t)
		ranges := [][2]string{
			{"2025-05-01", "2025-05-03"},
			{"2025-05-04", "2025-05-06"},
			{"2025-05-07", "2025-05-09"},
		}
		for i, r := range ranges {
			req := exportRequest("508", r[0], r[1])
			req.RequestedBy = []string{"user-a", "user-b", "user-c"}[i]
			_, err := f.queue.Enqueue(ctx, req)
			require.NoError(t, err)
		}

		full := exportRequest("508", "2025-05-10", "2025-05-12")
		full.RequestedBy = "user-d"
		_, err := f.queue.Enqueue(ctx, full)
		assert.True(t, domain.IsCode(err, domain.ErrRouteExportQueueFull))
	})

	t.Run("canceled jobs free the queue depth", func(t *testing.T) {
		f := newQueueFixture(t)
		var first *domain.QueueJob
		ranges := [][2]string{
			{"2025-05-01", "2025-05-03"},
			{"2025-05-04", "2025-05-06"},
			{"2025-05-07", "2025-05-09"},
		}
		for i, r := range ranges {
			req := exportRequest("508", r[0], r[1])
			req.RequestedBy = []string{"user-a", "user-b", "user-c"}[i]
			job, err := f.queue.Enqueue(ctx, req)
			require.NoError(t, err)
			if i == 0 {
				first = job
			}
		}

		_, err := f.queue.Cancel(ctx, first.ID, "user-a")
		require.NoError(t, err)

		freed := exportRequest("508", "2025-05-10", "2025-05-12")
		freed.RequestedBy = "user-d"
		_, err = f.queue.Enqueue(ctx, freed)
		assert.NoError(t, err)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("the owner cancels a queued job", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")

		canceled, err := f.queue.Cancel(ctx, job.ID, "user-508")
		require.NoError(t, err)
		assert.Equal(t, domain.JobCanceled, canceled.Status)
		assert.Equal(t, domain.ErrCanceledByOwner, canceled.ErrorCode)
		assert.NotNil(t, canceled.CompletedAt)

		stored := f.get(t, job.ID)
		assert.Equal(t, domain.JobCanceled, stored.Status)
	})

	t.Run("only the requester may cancel", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")

		_, err := f.queue.Cancel(ctx, job.ID, "user-509")
		assert.Error(t, err)
		assert.Equal(t, domain.JobQueued, f.get(t, job.ID).Status)
	})

	t.Run("claimed jobs are past canceling", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		_, err := f.queue.Cancel(ctx, job.ID, "user-508")
		assert.Error(t, err)
		assert.Equal(t, domain.JobProcessing, f.get(t, job.ID).Status)
	})

	t.Run("a canceled range re-enqueues fresh", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		_, err := f.queue.Cancel(ctx, job.ID, "user-508")
		require.NoError(t, err)

		fresh := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		assert.NotEqual(t, job.ID, fresh.ID)
		assert.False(t, fresh.Reused)
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims follow enqueue order", func(t *testing.T) {
		f := newQueueFixture(t)
		a := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.clk.Advance(time.Minute)
		b := f.enqueue(t, "509", "2025-05-01", "2025-05-03")

		first := f.claim(t, "w1")
		assert.Equal(t, a.ID, first.ID)
		assert.Equal(t, domain.JobProcessing, first.Status)
		assert.Equal(t, "w1", first.ClaimedBy)
		require.NotNil(t, first.StartedAt)
		assert.True(t, first.StartedAt.Equal(f.clk.Now()))
		require.NotNil(t, first.WorkerHeartbeatAt)

		require.NotEmpty(t, *f.emitted)
		data, ok := (*f.emitted)[len(*f.emitted)-1].GetTypedData().(*events.JobStatusData)
		require.True(t, ok)
		assert.Equal(t, first.ID, data.JobID)
		assert.Equal(t, "processing", data.Status)

		var lock domain.RouteLock
		require.NoError(t, f.docs.Get(ctx, docstore.ColRouteLocks, "export:508", &lock))
		assert.Equal(t, a.ID, lock.JobID)
		assert.Equal(t, "w1", lock.LockedBy)
		assert.True(t, lock.LockedUntil.Equal(f.clk.Now().Add(47*time.Minute)))

		second := f.claim(t, "w2")
		assert.Equal(t, b.ID, second.ID)
	})

	t.Run("an empty queue claims nothing", func(t *testing.T) {
		f := newQueueFixture(t)

		job, err := f.queue.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("one processing job per route", func(t *testing.T) {
		f := newQueueFixture(t)
		reqA := exportRequest("508", "2025-05-01", "2025-05-03")
		reqA.RequestedBy = "user-a"
		_, err := f.queue.Enqueue(ctx, reqA)
		require.NoError(t, err)
		reqB := exportRequest("508", "2025-05-04", "2025-05-06")
		reqB.RequestedBy = "user-b"
		_, err = f.queue.Enqueue(ctx, reqB)
		require.NoError(t, err)

		f.claim(t, "w1")
		second, err := f.queue.Claim(ctx, "w2")
		require.NoError(t, err)
		assert.Nil(t, second)
	})

	t.Run("the concurrency cap holds further claims", func(t *testing.T) {
		f := newQueueFixture(t)
		for _, route := range []string{"508", "509", "510", "511"} {
			f.enqueue(t, route, "2025-05-01", "2025-05-03")
		}

		for _, worker := range []string{"w1", "w2", "w3"} {
			f.claim(t, worker)
		}
		fourth, err := f.queue.Claim(ctx, "w4")
		require.NoError(t, err)
		assert.Nil(t, fourth)
	})

	t.Run("retry backoff gates the claim", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")
		_, err := f.queue.Fail(ctx, job.ID, "w1", domain.NewRetryableError(domain.ErrExportProcessing, "flaky storage"))
		require.NoError(t, err)

		early, err := f.queue.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, early)

		f.clk.Advance(61 * time.Second)
		retried := f.claim(t, "w1")
		assert.Equal(t, job.ID, retried.ID)
		assert.Equal(t, 1, retried.AttemptCount)
	})

	t.Run("an expired route lock no longer excludes", func(t *testing.T) {
		f := newQueueFixture(t)
		stale := domain.RouteLock{
			RouteNumber: "508",
			Kind:        domain.JobKindExport,
			JobID:       "long-gone",
			LockedBy:    "w0",
			LockedUntil: f.clk.Now().Add(-time.Minute),
		}
		require.NoError(t, f.docs.Set(ctx, docstore.ColRouteLocks, "export:508", stale))
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")

		claimed := f.claim(t, "w1")
		assert.Equal(t, job.ID, claimed.ID)

		var lock domain.RouteLock
		require.NoError(t, f.docs.Get(ctx, docstore.ColRouteLocks, "export:508", &lock))
		assert.Equal(t, job.ID, lock.JobID)
		assert.Equal(t, "w1", lock.LockedBy)
	})
}

// Two workers racing for the same job: the claim transaction re-reads
// under write serialization, so the loser's attempt retries and finds
// the job already processing.
func TestClaimRace(t *testing.T) {
	f := newQueueFixture(t)
	job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")

	type outcome struct {
		job *domain.QueueJob
		err error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for _, worker := range []string{"w1", "w2"} {
		worker := worker
		go func() {
			<-start
			claimed, err := f.queue.Claim(context.Background(), worker)
			results <- outcome{job: claimed, err: err}
		}()
	}
	close(start)

	var winners []*domain.QueueJob
	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		if res.job != nil {
			winners = append(winners, res.job)
		}
	}
	require.Len(t, winners, 1)
	assert.Equal(t, job.ID, winners[0].ID)

	stored := f.get(t, job.ID)
	assert.Equal(t, domain.JobProcessing, stored.Status)
	assert.Equal(t, winners[0].ClaimedBy, stored.ClaimedBy)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("a heartbeat extends the lease", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		claimed := f.claim(t, "w1")

		f.clk.Advance(10 * time.Minute)
		require.NoError(t, f.queue.Heartbeat(ctx, job.ID, "w1"))

		stored := f.get(t, job.ID)
		require.NotNil(t, stored.WorkerHeartbeatAt)
		assert.True(t, stored.WorkerHeartbeatAt.Equal(f.clk.Now()))
		assert.True(t, stored.StartedAt.Equal(*claimed.StartedAt))

		var lock domain.RouteLock
		require.NoError(t, f.docs.Get(ctx, docstore.ColRouteLocks, "export:508", &lock))
		assert.True(t, lock.LockedUntil.Equal(f.clk.Now().Add(47*time.Minute)))
	})

	t.Run("another worker cannot heartbeat the job", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		err := f.queue.Heartbeat(ctx, job.ID, "w2")
		assert.True(t, domain.IsCode(err, domain.ErrLockHeldElsewhere))
	})

	t.Run("queued jobs reject heartbeats", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")

		assert.Error(t, f.queue.Heartbeat(ctx, job.ID, "w1"))
	})
}

func TestCompleteAndFail(t *testing.T) {
	ctx := context.Background()

	t.Run("complete marks the job ready and frees the route", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")
		f.clk.Advance(5 * time.Minute)

		artifact := &domain.JobArtifact{
			StoragePath: "exports/508/" + job.ID + ".zip",
			SizeBytes:   2048,
			ExpiresAt:   f.clk.Now().Add(14 * 24 * time.Hour),
			Parts: []domain.ArtifactPart{
				{Name: "2025-05-01.csv", SizeBytes: 1536},
				{Name: "manifest.json", SizeBytes: 512},
			},
		}
		done, err := f.queue.Complete(ctx, job.ID, "w1", artifact, false)
		require.NoError(t, err)
		assert.Equal(t, domain.JobReady, done.Status)
		require.NotNil(t, done.CompletedAt)
		assert.True(t, done.CompletedAt.Equal(f.clk.Now()))
		assert.Equal(t, artifact.ExpiresAt.UnixMilli(), done.ArtifactExpiresMS)
		require.NotNil(t, done.Artifact)
		assert.Len(t, done.Artifact.Parts, 2)

		var lock domain.RouteLock
		err = f.docs.Get(ctx, docstore.ColRouteLocks, "export:508", &lock)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("partial artifacts mark ready_partial", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		artifact := &domain.JobArtifact{
			StoragePath: "exports/508/" + job.ID + ".zip",
			ExpiresAt:   f.clk.Now().Add(14 * 24 * time.Hour),
			Parts: []domain.ArtifactPart{
				{Name: "2025-05-01.csv", SizeBytes: 1536},
				{Name: "2025-05-02.csv", Failed: true, Error: "archive read failed"},
			},
		}
		done, err := f.queue.Complete(ctx, job.ID, "w1", artifact, true)
		require.NoError(t, err)
		assert.Equal(t, domain.JobReadyPartial, done.Status)
	})

	t.Run("a retryable failure requeues with backoff", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		failed, err := f.queue.Fail(ctx, job.ID, "w1",
			domain.NewRetryableError(domain.ErrExportProcessing, "blob upload interrupted"))
		require.NoError(t, err)
		assert.Equal(t, domain.JobQueued, failed.Status)
		assert.Equal(t, 1, failed.AttemptCount)
		assert.Equal(t, f.clk.Now().Add(60*time.Second).UnixMilli(), failed.RetryAfterMS)
		assert.Empty(t, failed.ClaimedBy)
		assert.Nil(t, failed.StartedAt)
		assert.Nil(t, failed.WorkerHeartbeatAt)
		assert.Equal(t, domain.ErrExportProcessing, failed.ErrorCode)
		assert.Equal(t, "blob upload interrupted", failed.ErrorMessage)

		var lock domain.RouteLock
		err = f.docs.Get(ctx, docstore.ColRouteLocks, "export:508", &lock)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("a fatal failure is terminal", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		failed, err := f.queue.Fail(ctx, job.ID, "w1",
			domain.NewError(domain.ErrNoArchiveDataInRange, "no orders between 2025-05-01 and 2025-05-03"))
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, failed.Status)
		assert.Equal(t, domain.ErrNoArchiveDataInRange, failed.ErrorCode)
		assert.NotNil(t, failed.CompletedAt)
	})

	t.Run("exhausted retries end in failed", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")

		for attempt := 1; attempt <= 3; attempt++ {
			claimed := f.claim(t, "w1")
			require.Equal(t, job.ID, claimed.ID)

			failed, err := f.queue.Fail(ctx, job.ID, "w1",
				domain.NewRetryableError(domain.ErrExportProcessing, "flaky storage"))
			require.NoError(t, err)
			assert.Equal(t, attempt, failed.AttemptCount)

			if attempt < 3 {
				assert.Equal(t, domain.JobQueued, failed.Status)
				f.clk.Advance(backoff(attempt) + time.Second)
				continue
			}
			assert.Equal(t, domain.JobFailed, failed.Status)
			assert.NotNil(t, failed.CompletedAt)
		}
	})

	t.Run("unclassified errors retry as processing errors", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		failed, err := f.queue.Fail(ctx, job.ID, "w1", errors.New("connection reset by peer"))
		require.NoError(t, err)
		assert.Equal(t, domain.JobQueued, failed.Status)
		assert.Equal(t, domain.ErrExportProcessing, failed.ErrorCode)
		assert.Equal(t, "connection reset by peer", failed.ErrorMessage)
	})
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()

	t.Run("silent workers lose the job", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		f.clk.Advance(11 * time.Minute)
		recovered, err := f.queue.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)

		stored := f.get(t, job.ID)
		assert.Equal(t, domain.JobQueued, stored.Status)
		assert.Equal(t, domain.ErrStaleProcessingJob, stored.ErrorCode)
		assert.Equal(t, 1, stored.AttemptCount)
		assert.Empty(t, stored.ClaimedBy)

		var lock domain.RouteLock
		err = f.docs.Get(ctx, docstore.ColRouteLocks, "export:508", &lock)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("heartbeats keep the job held", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		f.clk.Advance(9 * time.Minute)
		require.NoError(t, f.queue.Heartbeat(ctx, job.ID, "w1"))
		f.clk.Advance(9 * time.Minute)

		recovered, err := f.queue.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, recovered)
		assert.Equal(t, domain.JobProcessing, f.get(t, job.ID).Status)
	})

	t.Run("the processing deadline overrides heartbeats", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		// 48 minutes of dutiful heartbeats; the 45 minute deadline wins.
		for i := 0; i < 6; i++ {
			f.clk.Advance(8 * time.Minute)
			require.NoError(t, f.queue.Heartbeat(ctx, job.ID, "w1"))
		}

		recovered, err := f.queue.RecoverStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)
		assert.Equal(t, domain.ErrWorkerTimeout, f.get(t, job.ID).ErrorCode)
	})

	t.Run("recovered jobs can be reclaimed", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")

		f.clk.Advance(11 * time.Minute)
		recovered, err := f.queue.RecoverStale(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, recovered)

		f.clk.Advance(61 * time.Second)
		reclaimed := f.claim(t, "w2")
		assert.Equal(t, job.ID, reclaimed.ID)
		assert.Equal(t, "w2", reclaimed.ClaimedBy)
		assert.Equal(t, 1, reclaimed.AttemptCount)
	})
}

func TestArtifactLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("expired artifacts are swept once", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")
		artifact := &domain.JobArtifact{
			StoragePath: "exports/508/" + job.ID + ".zip",
			SizeBytes:   2048,
			ExpiresAt:   f.clk.Now().Add(14 * 24 * time.Hour),
		}
		_, err := f.queue.Complete(ctx, job.ID, "w1", artifact, false)
		require.NoError(t, err)

		due, err := f.queue.ArtifactsDue(ctx)
		require.NoError(t, err)
		assert.Empty(t, due)

		f.clk.Advance(14*24*time.Hour + time.Minute)
		due, err = f.queue.ArtifactsDue(ctx)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, job.ID, due[0].ID)

		require.NoError(t, f.queue.MarkExpired(ctx, job.ID))
		stored := f.get(t, job.ID)
		assert.Equal(t, domain.JobExpired, stored.Status)
		require.NotNil(t, stored.CleanupAt)
		assert.True(t, stored.CleanupAt.Equal(f.clk.Now()))

		due, err = f.queue.ArtifactsDue(ctx)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("a lapsed artifact no longer blocks dedup", func(t *testing.T) {
		f := newQueueFixture(t)
		job := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		f.claim(t, "w1")
		artifact := &domain.JobArtifact{
			StoragePath: "exports/508/" + job.ID + ".zip",
			ExpiresAt:   f.clk.Now().Add(14 * 24 * time.Hour),
		}
		_, err := f.queue.Complete(ctx, job.ID, "w1", artifact, false)
		require.NoError(t, err)

		fresh := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		require.Equal(t, job.ID, fresh.ID)
		require.True(t, fresh.Reused)

		f.clk.Advance(14*24*time.Hour + time.Minute)
		rerun := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
		assert.NotEqual(t, job.ID, rerun.ID)
		assert.False(t, rerun.Reused)
	})
}

func TestListForRoute(t *testing.T) {
	f := newQueueFixture(t)
	a := f.enqueue(t, "508", "2025-05-01", "2025-05-03")
	f.clk.Advance(time.Minute)
	b := f.enqueue(t, "508", "2025-05-04", "2025-05-06")
	f.enqueue(t, "509", "2025-05-01", "2025-05-03")

	jobs, err := f.queue.ListForRoute(context.Background(), "508")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 60 * time.Second},
		{attempt: 2, want: 120 * time.Second},
		{attempt: 3, want: 240 * time.Second},
		{attempt: 5, want: 960 * time.Second},
		{attempt: 6, want: 1800 * time.Second},
		{attempt: 10, want: 1800 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

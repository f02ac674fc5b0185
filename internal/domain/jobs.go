package domain

import "time"

// JobStatus is the lifecycle state of a queue job
type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobProcessing   JobStatus = "processing"
	JobReady        JobStatus = "ready"
	JobReadyPartial JobStatus = "ready_partial"
	JobFailed       JobStatus = "failed"
	JobExpired      JobStatus = "expired"
	JobCanceled     JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobFailed, JobExpired, JobCanceled:
		return true
	}
	return false
}

// Active reports whether the status counts against dedup and quota checks.
func (s JobStatus) Active() bool {
	switch s {
	case JobQueued, JobProcessing, JobReady, JobReadyPartial:
		return true
	}
	return false
}

// JobKind distinguishes export jobs from purge jobs
type JobKind string

const (
	JobKindExport JobKind = "export"
	JobKindPurge  JobKind = "purge"
)

// ArtifactPart describes one file inside a job artifact.
type ArtifactPart struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JobArtifact describes the blob produced by a successful job.
type JobArtifact struct {
	StoragePath string         `json:"storage_path"`
	Parts       []ArtifactPart `json:"parts,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// QueueJob is a persisted export or purge job document.
type QueueJob struct {
	ID                string       `json:"id"`
	Kind              JobKind      `json:"kind"`
	Status            JobStatus    `json:"status"`
	RouteNumber       string       `json:"route_number"`
	RequestedBy       string       `json:"requested_by"`
	FromDate          time.Time    `json:"from_date"`
	ToDate            time.Time    `json:"to_date"`
	Format            string       `json:"format"` // "zip" in V1
	AttemptCount      int          `json:"attempt_count"`
	MaxAttempts       int          `json:"max_attempts"`
	ClaimedBy         string       `json:"claimed_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	WorkerHeartbeatAt *time.Time   `json:"worker_heartbeat_at,omitempty"`
	RetryAfterMS      int64        `json:"retry_after_ms,omitempty"` // epoch ms gate for re-claim
	ErrorCode         string       `json:"error_code,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	Artifact          *JobArtifact `json:"artifact,omitempty"`
	ArtifactExpiresMS int64        `json:"artifact_expires_at_ms,omitempty"`
	CleanupAt         *time.Time   `json:"cleanup_at,omitempty"`
	Reused            bool         `json:"reused,omitempty"` // set on enqueue when dedup returned an existing job
}

// RouteLock asserts that one worker is processing a job for a route.
// A lock whose locked_until has passed is treated as released.
type RouteLock struct {
	RouteNumber string    `json:"route_number"`
	Kind        JobKind   `json:"kind"`
	JobID       string    `json:"export_id"`
	LockedBy    string    `json:"locked_by"`
	LockedUntil time.Time `json:"locked_until"`
}

// Expired reports whether the lock is past its lease.
func (l *RouteLock) Expired(now time.Time) bool {
	return !l.LockedUntil.After(now)
}

package domain

import (
	"errors"
	"fmt"
)

// Error codes recorded on jobs or returned from the forecast pipeline.
const (
	ErrInsufficientHistory        = "INSUFFICIENT_HISTORY"
	ErrNoMatchingCycle            = "NO_MATCHING_CYCLE"
	ErrWholeCaseInvariant         = "WHOLE_CASE_INVARIANT_VIOLATION"
	ErrInvalidDateRange           = "INVALID_DATE_RANGE"
	ErrExportRangeExceedsMax      = "EXPORT_RANGE_EXCEEDS_MAX_31_DAYS"
	ErrDateBeforeRouteStart       = "DATE_BEFORE_ROUTE_START"
	ErrExportDailyLimitReached    = "EXPORT_DAILY_LIMIT_REACHED"
	ErrRouteExportQueueFull       = "ROUTE_EXPORT_QUEUE_FULL"
	ErrNoArchiveDataInRange       = "NO_ARCHIVE_DATA_IN_RANGE"
	ErrExportProcessing           = "EXPORT_PROCESSING_ERROR"
	ErrPurgeProcessing            = "PURGE_PROCESSING_ERROR"
	ErrStaleProcessingJob         = "STALE_PROCESSING_JOB"
	ErrWorkerTimeout              = "WORKER_TIMEOUT"
	ErrStorageBucketNotConfigured = "STORAGE_BUCKET_NOT_CONFIGURED"
	ErrLockHeldElsewhere          = "LOCK_HELD_ELSEWHERE"
	ErrCanceledByOwner            = "CANCELED_BY_OWNER"
)

// Error is a typed domain outcome. Retryable errors may be re-attempted by
// queue workers; all others are terminal for the operation that produced them.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a non-retryable domain error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRetryableError creates a retryable domain error.
func NewRetryableError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// CodeOf extracts the domain error code from err, or "" when err carries none.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is a retryable domain error. Unknown
// errors are not retryable; the caller decides how to surface them.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

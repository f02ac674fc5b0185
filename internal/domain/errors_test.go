package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("code and message", func(t *testing.T) {
		err := NewError(ErrInvalidDateRange, "from %s is after to %s", "2025-05-07", "2025-05-01")
		assert.Equal(t, "INVALID_DATE_RANGE: from 2025-05-07 is after to 2025-05-01", err.Error())
	})

	t.Run("code alone when the message is empty", func(t *testing.T) {
		err := &Error{Code: ErrWorkerTimeout}
		assert.Equal(t, "WORKER_TIMEOUT", err.Error())
	})
}

func TestCodeOf(t *testing.T) {
	err := NewError(ErrExportDailyLimitReached, "requester reached the daily quota")

	assert.Equal(t, ErrExportDailyLimitReached, CodeOf(err))
	assert.Equal(t, ErrExportDailyLimitReached, CodeOf(fmt.Errorf("enqueue: %w", err)))
	assert.Empty(t, CodeOf(errors.New("plain error")))
	assert.Empty(t, CodeOf(nil))
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("validate range: %w", NewError(ErrDateBeforeRouteStart, "before route start"))

	assert.True(t, IsCode(wrapped, ErrDateBeforeRouteStart))
	assert.False(t, IsCode(wrapped, ErrInvalidDateRange))
	assert.False(t, IsCode(errors.New("plain error"), ErrInvalidDateRange))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryableError(ErrStaleProcessingJob, "heartbeat lapsed")))
	assert.True(t, IsRetryable(fmt.Errorf("claim: %w", NewRetryableError(ErrWorkerTimeout, "lease expired"))))
	assert.False(t, IsRetryable(NewError(ErrInvalidDateRange, "bad range")))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

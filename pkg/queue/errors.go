package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStorageUnavailable wraps transient database failures. Callers retry
	// with backoff; the queue state is unknown for the failed operation.
	ErrStorageUnavailable = errors.New("queue: storage unavailable")

	// ErrLeaseLost is returned by ack and extend operations when the lease
	// has expired or was reassigned. The worker must surrender the job.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrInvalidInput is returned by submission validation.
	ErrInvalidInput = errors.New("queue: invalid input")

	// ErrInvalidState is returned by administrative operations attempted
	// from the wrong state, e.g. reviving a job that is not dead-lettered.
	ErrInvalidState = errors.New("queue: invalid state")

	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("queue: job not found")

	// ErrRateLimited is returned by Submit when the tenant's token bucket
	// is depleted. Use AsRateLimited to recover the retry-after hint.
	ErrRateLimited = errors.New("queue: rate limited")
)

// RateLimitedError carries the retry-after hint for a depleted bucket.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("queue: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// AsRateLimited extracts the typed rate-limit error, if present.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// storageErr tags a driver failure as transient storage unavailability
// while preserving the cause for logs and errors.Is checks.
func storageErr(err error) error {
	return errors.Join(ErrStorageUnavailable, err)
}

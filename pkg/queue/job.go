package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusLeased     Status = "leased"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status admits no further worker transitions.
// Dead-lettered jobs can still be revived administratively.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLetter
}

// Priority orders jobs at claim time. It never preempts running work.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight returns the integer sort key used by the claim query.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 10
	case PriorityNormal:
		return 5
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a client-supplied priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
}

// Job is the single shared entity of the queue. The Store exclusively owns
// row mutation; every other component observes jobs through Store operations.
type Job struct {
	ID             uuid.UUID
	TenantID       string
	IdempotencyKey string
	Payload        json.RawMessage
	Result         json.RawMessage
	Status         Status
	Priority       Priority
	Attempt        int
	MaxAttempts    int
	ScheduledAt    time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	LastError      *string
}

// JobType extracts the top-level job_type discriminator from the payload.
// The rest of the payload is opaque to the core.
func (j Job) JobType() string {
	var envelope struct {
		JobType string `json:"job_type"`
	}
	if err := json.Unmarshal(j.Payload, &envelope); err != nil {
		return ""
	}
	return envelope.JobType
}

// LeaseRemaining returns the time left on the lease, or zero when the job
// is not leased or the lease has already expired.
func (j Job) LeaseRemaining(now time.Time) time.Duration {
	if j.LeaseExpiresAt == nil {
		return 0
	}
	return max(0, j.LeaseExpiresAt.Sub(now))
}

const (
	maxTenantIDLen       = 255
	maxIdempotencyKeyLen = 255
	// MaxAttemptsLimit caps client-supplied retry budgets.
	MaxAttemptsLimit = 100
	// MaxErrorLen bounds persisted failure messages to 2 KiB.
	MaxErrorLen = 2048
)

// JobSpec describes a submission. Zero ScheduledAt means immediately eligible.
type JobSpec struct {
	TenantID       string
	IdempotencyKey string
	Payload        json.RawMessage
	Priority       Priority
	MaxAttempts    int
	ScheduledAt    time.Time
}

// Validate checks the spec against submission rules. All violations are
// reported as ErrInvalidInput so the caller can map them to a client error.
func (s JobSpec) Validate() error {
	var errs []error
	if s.TenantID == "" {
		errs = append(errs, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput))
	} else if len(s.TenantID) > maxTenantIDLen {
		errs = append(errs, fmt.Errorf("%w: tenant_id exceeds %d characters", ErrInvalidInput, maxTenantIDLen))
	}
	if s.IdempotencyKey == "" {
		errs = append(errs, fmt.Errorf("%w: idempotency_key is required", ErrInvalidInput))
	} else if len(s.IdempotencyKey) > maxIdempotencyKeyLen {
		errs = append(errs, fmt.Errorf("%w: idempotency_key exceeds %d characters", ErrInvalidInput, maxIdempotencyKeyLen))
	}
	if !json.Valid(s.Payload) {
		errs = append(errs, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput))
	} else {
		var envelope struct {
			JobType string `json:"job_type"`
		}
		if err := json.Unmarshal(s.Payload, &envelope); err != nil || envelope.JobType == "" {
			errs = append(errs, fmt.Errorf("%w: payload must carry a job_type string", ErrInvalidInput))
		}
	}
	if _, err := ParsePriority(string(s.Priority)); err != nil {
		errs = append(errs, err)
	}
	if s.MaxAttempts < 1 || s.MaxAttempts > MaxAttemptsLimit {
		errs = append(errs, fmt.Errorf("%w: max_attempts must be between 1 and %d", ErrInvalidInput, MaxAttemptsLimit))
	}
	return errors.Join(errs...)
}

// Outcome reports what an acknowledgement or reclaim did to a job.
type Outcome string

const (
	// OutcomeRetried means the job went back to queued with a backoff delay.
	OutcomeRetried Outcome = "retried"
	// OutcomeDeadLettered means the retry budget is exhausted.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeReclaimedForRetry means the reaper returned an expired lease to queued.
	OutcomeReclaimedForRetry Outcome = "reclaimed_for_retry"
	// OutcomeReclaimedToDeadLetter means the reaper dead-lettered an expired lease.
	OutcomeReclaimedToDeadLetter Outcome = "reclaimed_to_dead_letter"
)

// Reclaimed is one entry of a reaper sweep, returned for telemetry.
type Reclaimed struct {
	JobID    uuid.UUID
	TenantID string
	Outcome  Outcome
}

// TruncateError bounds a failure message before it is persisted.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	return msg[:MaxErrorLen]
}

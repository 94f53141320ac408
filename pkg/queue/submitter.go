package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/pkg/ratelimit"
)

// Inserter is the slice of Store the Submitter needs.
type Inserter interface {
	InsertIfAbsent(ctx context.Context, spec JobSpec) (Job, bool, error)
}

// Submitter validates submissions, applies the per-tenant rate bucket, and
// persists new jobs idempotently. Resubmitting the same (tenant,
// idempotency_key) returns the original row unchanged, never an error.
type Submitter struct {
	store   Inserter
	limiter ratelimit.Limiter
	log     *slog.Logger
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithRateLimiter gates submissions through the given per-tenant limiter.
// Without it submissions are never rate limited.
func WithRateLimiter(l ratelimit.Limiter) SubmitterOption {
	return func(s *Submitter) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithSubmitLogger sets the structured logger.
func WithSubmitLogger(log *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSubmitter creates a Submitter over the given store slice.
func NewSubmitter(store Inserter, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		store: store,
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and persists a job. The created flag reports whether
// this call inserted the row. Validation failures are ErrInvalidInput;
// bucket depletion is a *RateLimitedError; no row is created in either case.
func (s *Submitter) Submit(ctx context.Context, spec JobSpec) (Job, bool, error) {
	if spec.Priority == "" {
		spec.Priority = PriorityNormal
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = 3
	}
	if err := spec.Validate(); err != nil {
		return Job{}, false, err
	}
	if !spec.ScheduledAt.IsZero() && spec.ScheduledAt.Before(time.Now().Add(-time.Minute)) {
		// Schedules more than a minute in the past collapse to "now"; more
		// recent and future times are kept as given.
		spec.ScheduledAt = time.Time{}
	}

	if s.limiter != nil {
		ok, retryAfter, err := s.limiter.Allow(ctx, spec.TenantID)
		if err != nil {
			return Job{}, false, fmt.Errorf("queue: rate limiter: %w", err)
		}
		if !ok {
			return Job{}, false, &RateLimitedError{RetryAfter: retryAfter}
		}
	}

	job, created, err := s.store.InsertIfAbsent(ctx, spec)
	if err != nil {
		return Job{}, false, err
	}

	s.log.InfoContext(ctx, "job submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("tenant_id", job.TenantID),
		slog.String("priority", string(job.Priority)),
		slog.Bool("created", created),
	)
	return job, created, nil
}

package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/queue"
)

// Store is the slice of the queue store the worker consumes.
type Store interface {
	ClaimBatch(ctx context.Context, workerID string, batchSize int, leaseDuration time.Duration, tenantLimit int) ([]queue.Job, error)
	ExtendLease(ctx context.Context, jobID uuid.UUID, workerID string, newExpiry time.Time) (bool, error)
	StartJob(ctx context.Context, jobID uuid.UUID, workerID string) (queue.Job, error)
	AckSuccess(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage) error
	AckFailure(ctx context.Context, jobID uuid.UUID, workerID string, failure string, policy queue.RetryPolicy) (queue.Outcome, error)
	AckFatal(ctx context.Context, jobID uuid.UUID, workerID string, failure string) (queue.Outcome, error)
}

// leaseState tracks one in-flight lease. cancel aborts the handler when
// the lease is lost or drain runs out of patience.
type leaseState struct {
	expiresAt time.Time
	cancel    context.CancelCauseFunc
}

// LeaseManager owns the claim policy for one worker: it claims batches,
// tracks live leases, renews them before expiry, and backs off polling
// when the queue is empty.
type LeaseManager struct {
	store Store
	cfg   Config
	log   *slog.Logger

	mu        sync.Mutex
	leases    map[uuid.UUID]*leaseState
	pollDelay time.Duration
}

// NewLeaseManager creates a lease manager. cfg must already carry defaults.
func NewLeaseManager(store Store, cfg Config, log *slog.Logger) *LeaseManager {
	return &LeaseManager{
		store:     store,
		cfg:       cfg,
		log:       log,
		leases:    make(map[uuid.UUID]*leaseState),
		pollDelay: cfg.PollIntervalMin,
	}
}

// Claim leases up to n jobs. Empty results advance the poll backoff;
// non-empty results reset it.
func (m *LeaseManager) Claim(ctx context.Context, n int) ([]queue.Job, error) {
	jobs, err := m.store.ClaimBatch(ctx, m.cfg.ID, n, m.cfg.LeaseDuration, m.cfg.TenantConcurrencyLimit)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		metrics.LeasesAcquired.Add(float64(len(jobs)))
	}
	return jobs, nil
}

// Bind registers a claimed job with its cancellation hook. Call before the
// handler starts so the heartbeat covers the whole execution.
func (m *LeaseManager) Bind(job queue.Job, cancel context.CancelCauseFunc) {
	expires := time.Now().Add(m.cfg.LeaseDuration)
	if job.LeaseExpiresAt != nil {
		expires = *job.LeaseExpiresAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[job.ID] = &leaseState{expiresAt: expires, cancel: cancel}
}

// Release forgets a lease after the job is acknowledged or surrendered.
func (m *LeaseManager) Release(jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, jobID)
}

// InFlight returns the number of tracked leases.
func (m *LeaseManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// NextDelay returns how long to sleep before the next claim. Consecutive
// empty polls double the delay up to the configured max; any non-empty
// result resets it to the min, so new work is picked up promptly.
func (m *LeaseManager) NextDelay(empty bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !empty {
		m.pollDelay = m.cfg.PollIntervalMin
		return m.pollDelay
	}
	d := m.pollDelay
	m.pollDelay = min(m.pollDelay*2, m.cfg.PollIntervalMax)
	return d
}

// RenewDue extends every lease whose remaining time has dropped below
// HeartbeatFraction of the lease duration. A failed extension means the
// lease is lost: the handler is cancelled and the job is surrendered
// without acknowledgement.
func (m *LeaseManager) RenewDue(ctx context.Context, now time.Time) {
	threshold := time.Duration(float64(m.cfg.LeaseDuration) * m.cfg.HeartbeatFraction)

	m.mu.Lock()
	due := make(map[uuid.UUID]*leaseState, len(m.leases))
	for id, ls := range m.leases {
		if ls.expiresAt.Sub(now) < threshold {
			due[id] = ls
		}
	}
	m.mu.Unlock()

	for id, ls := range due {
		newExpiry := now.Add(m.cfg.LeaseDuration)
		ok, err := m.store.ExtendLease(ctx, id, m.cfg.ID, newExpiry)
		if err != nil {
			// Transient storage trouble; the lease may still be live. Keep
			// the handler running and let the next tick retry.
			m.log.WarnContext(ctx, "heartbeat failed",
				slog.String("job_id", id.String()),
				slog.Any("error", err),
			)
			continue
		}
		if !ok {
			m.log.WarnContext(ctx, "lease lost, cancelling handler",
				slog.String("job_id", id.String()),
			)
			metrics.LeasesLost.Inc()
			ls.cancel(errLeaseLost)
			m.Release(id)
			continue
		}

		m.mu.Lock()
		if cur, live := m.leases[id]; live {
			cur.expiresAt = newExpiry
		}
		m.mu.Unlock()
	}
}

// CancelAll aborts every tracked handler with the given cause. Used when
// the drain grace period runs out; the reaper recovers the leases.
func (m *LeaseManager) CancelAll(cause error) {
	m.mu.Lock()
	states := make([]*leaseState, 0, len(m.leases))
	for _, ls := range m.leases {
		states = append(states, ls)
	}
	m.mu.Unlock()

	for _, ls := range states {
		ls.cancel(cause)
	}
}

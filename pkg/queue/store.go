package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimOverscan multiplies the requested batch size when selecting claim
// candidates, so that tenant-cap skips still leave enough survivors.
const claimOverscan = 3

// reclaimErrorMessage is persisted when an expired lease is dead-lettered
// without a prior failure message, keeping last_error non-null in dead_letter.
const reclaimErrorMessage = "lease expired before acknowledgement"

const jobColumns = `id, tenant_id, idempotency_key, payload, result, status, priority,
	attempt, max_attempts, scheduled_at, lease_owner, lease_expires_at,
	created_at, updated_at, completed_at, last_error`

// Store owns all mutation of job rows. Every exported method that changes
// rows does so in a single database transaction; no locks are held across
// method boundaries. Read paths such as List issue separate statements.
type Store struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	events EventSink
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithEventSink sets the sink that receives post-commit job events.
func WithEventSink(sink EventSink) StoreOption {
	return func(s *Store) {
		if sink != nil {
			s.events = sink
		}
	}
}

// NewStore creates a Store over a pgx connection pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:   pool,
		log:    slog.New(slog.DiscardHandler),
		events: NopSink(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertIfAbsent persists a new job in queued state, or returns the existing
// row when the (tenant_id, idempotency_key) pair is already taken. Duplicate
// submission is never an error; the persisted row always reflects the first
// submission that committed.
func (s *Store) InsertIfAbsent(ctx context.Context, spec JobSpec) (Job, bool, error) {
	now := time.Now().UTC()
	scheduledAt := spec.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant_id, idempotency_key, payload, priority, priority_weight,
			max_attempts, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9, $9)
		ON CONFLICT ON CONSTRAINT uq_jobs_tenant_idempotency DO NOTHING
		RETURNING `+jobColumns,
		uuid.New(), spec.TenantID, spec.IdempotencyKey, spec.Payload,
		string(spec.Priority), spec.Priority.Weight(), spec.MaxAttempts, scheduledAt, now,
	)

	job, err := scanJob(row)
	switch {
	case err == nil:
		s.events.Publish(ctx, Event{
			Type: EventJobCreated, JobID: job.ID, TenantID: job.TenantID,
			Status: job.Status, Priority: job.Priority, Timestamp: now,
		})
		return job, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict: another submission won. Return its row unchanged.
		existing, err := s.getByIdempotencyKey(ctx, spec.TenantID, spec.IdempotencyKey)
		if err != nil {
			return Job{}, false, err
		}
		return existing, false, nil
	default:
		return Job{}, false, storageErr(err)
	}
}

func (s *Store) getByIdempotencyKey(ctx context.Context, tenantID, key string) (Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, storageErr(err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, storageErr(err)
	}
	return job, nil
}

// ClaimBatch is the hot path. In one transaction it selects eligible queued
// jobs with FOR UPDATE SKIP LOCKED, drops candidates whose tenant is already
// at its in-flight cap, and leases the first batchSize survivors to workerID.
// Returned jobs are ordered by (priority weight DESC, scheduled_at ASC).
// An empty result means no eligible work; the call never blocks on rows
// locked by concurrent claimers.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, batchSize int, leaseDuration time.Duration, tenantLimit int) ([]Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	leaseExpiresAt := now.Add(leaseDuration)

	// Tenant admission combines the committed in-flight count with the
	// candidate's rank inside this batch, so a single claim cannot push a
	// tenant past its cap on its own. Concurrent claims rely on snapshot
	// counts and converge to the cap rather than enforcing it exactly at
	// every overlapping instant.
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id, tenant_id, priority_weight, scheduled_at
			FROM jobs
			WHERE status = 'queued' AND scheduled_at <= $2
			ORDER BY priority_weight DESC, scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), busy AS (
			SELECT tenant_id, count(*) AS in_flight
			FROM jobs
			WHERE status IN ('leased', 'running')
			  AND tenant_id IN (SELECT DISTINCT tenant_id FROM candidates)
			GROUP BY tenant_id
		), ranked AS (
			SELECT c.id, c.priority_weight, c.scheduled_at,
				row_number() OVER (
					PARTITION BY c.tenant_id
					ORDER BY c.priority_weight DESC, c.scheduled_at ASC, c.id
				) AS tenant_rank,
				COALESCE(b.in_flight, 0) AS in_flight
			FROM candidates c
			LEFT JOIN busy b USING (tenant_id)
		), admitted AS (
			SELECT id FROM ranked
			WHERE in_flight + tenant_rank <= $4
			ORDER BY priority_weight DESC, scheduled_at ASC, id
			LIMIT $5
		)
		UPDATE jobs j
		SET status = 'leased',
			lease_owner = $1,
			lease_expires_at = $6,
			attempt = least(attempt + 1, max_attempts),
			updated_at = $2
		FROM admitted a
		WHERE j.id = a.id
		RETURNING `+prefixedJobColumns("j"),
		workerID, now, batchSize*claimOverscan, tenantLimit, batchSize, leaseExpiresAt,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storageErr(err)
	}

	// RETURNING does not preserve the admission order.
	sort.SliceStable(jobs, func(i, k int) bool {
		if wi, wk := jobs[i].Priority.Weight(), jobs[k].Priority.Weight(); wi != wk {
			return wi > wk
		}
		return jobs[i].ScheduledAt.Before(jobs[k].ScheduledAt)
	})

	if len(jobs) > 0 {
		s.log.DebugContext(ctx, "claimed jobs",
			slog.String("worker_id", workerID),
			slog.Int("count", len(jobs)),
		)
	}
	return jobs, nil
}

// StartJob transitions a leased job to running. The transition is optional
// for workers that execute immediately after claim, but keeps the persisted
// state honest for observers. Returns ErrLeaseLost if the guard fails.
func (s *Store) StartJob(ctx context.Context, jobID uuid.UUID, workerID string) (Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', updated_at = $3
		WHERE id = $1 AND lease_owner = $2 AND status = 'leased' AND lease_expires_at > $3
		RETURNING `+jobColumns,
		jobID, workerID, now,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrLeaseLost
	}
	if err != nil {
		return Job{}, storageErr(err)
	}
	s.events.Publish(ctx, Event{
		Type: EventJobStarted, JobID: job.ID, TenantID: job.TenantID,
		Status: job.Status, Timestamp: now, Attempt: job.Attempt, Worker: workerID,
	})
	return job, nil
}

// AckSuccess transitions a leased or running job to succeeded and records
// the optional handler result. Guarded by lease ownership; ErrLeaseLost
// means the job may be re-executed elsewhere and the worker must not assume
// its outcome was recorded.
func (s *Store) AckSuccess(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded',
			result = $3,
			completed_at = $4,
			updated_at = $4,
			lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running') AND lease_expires_at > $4`,
		jobID, workerID, result, now,
	)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	s.events.Publish(ctx, Event{
		Type: EventJobCompleted, JobID: jobID, Status: StatusSucceeded,
		Timestamp: now, Worker: workerID,
	})
	return nil
}

// AckFailure records a failed attempt. While attempts remain the job goes
// back to queued with an exponential-backoff delay; otherwise it is
// dead-lettered. Returns ErrLeaseLost when the guard fails, in which case
// the worker must not assume any outcome.
//
// The read and the conditional update run in one transaction: the guard
// row is locked so a concurrent reaper cannot reclaim the lease between
// deciding the outcome and writing it.
func (s *Store) AckFailure(ctx context.Context, jobID uuid.UUID, workerID string, failure string, policy RetryPolicy) (Outcome, error) {
	now := time.Now().UTC()
	failure = TruncateError(failure)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running') AND lease_expires_at > $3
		FOR UPDATE`,
		jobID, workerID, now,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrLeaseLost
	}
	if err != nil {
		return "", storageErr(err)
	}

	outcome := OutcomeDeadLettered
	resulting := StatusDeadLetter
	if job.Attempt < job.MaxAttempts {
		outcome = OutcomeRetried
		resulting = StatusQueued
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'queued',
				scheduled_at = $2,
				last_error = $3,
				lease_owner = NULL,
				lease_expires_at = NULL,
				updated_at = $4
			WHERE id = $1`,
			jobID, now.Add(policy.Delay(job.Attempt)), failure, now,
		)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'dead_letter',
				last_error = $2,
				completed_at = $3,
				lease_owner = NULL,
				lease_expires_at = NULL,
				updated_at = $3
			WHERE id = $1`,
			jobID, failure, now,
		)
	}
	if err != nil {
		return "", storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", storageErr(err)
	}

	// One event for the failure itself, one for where the job went.
	s.events.Publish(ctx, Event{
		Type: EventJobFailed, JobID: jobID, TenantID: job.TenantID, Status: resulting,
		Timestamp: now, Attempt: job.Attempt, Worker: workerID, Error: failure,
	})
	eventType := EventJobRetried
	if outcome == OutcomeDeadLettered {
		eventType = EventJobDeadLetter
	}
	s.events.Publish(ctx, Event{
		Type: eventType, JobID: jobID, TenantID: job.TenantID, Status: resulting,
		Timestamp: now, Attempt: job.Attempt, Worker: workerID, Error: failure,
	})
	return outcome, nil
}

// AckFatal dead-letters a job regardless of remaining attempts. Used for
// failures that retrying cannot fix, such as an unregistered job type.
// The attempt counter is raised to max_attempts so dead-letter rows stay
// uniform for operators and invariants.
func (s *Store) AckFatal(ctx context.Context, jobID uuid.UUID, workerID string, failure string) (Outcome, error) {
	now := time.Now().UTC()
	failure = TruncateError(failure)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'dead_letter',
			attempt = max_attempts,
			last_error = $3,
			completed_at = $4,
			updated_at = $4,
			lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running') AND lease_expires_at > $4`,
		jobID, workerID, failure, now,
	)
	if err != nil {
		return "", storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrLeaseLost
	}
	s.events.Publish(ctx, Event{
		Type: EventJobDeadLetter, JobID: jobID, Status: StatusDeadLetter,
		Timestamp: now, Worker: workerID, Error: failure,
	})
	return OutcomeDeadLettered, nil
}

// ExtendLease pushes the lease expiry forward iff the caller still owns a
// live lease. A false return means the lease was lost: the worker must not
// acknowledge the job and should cancel its handler if safe.
func (s *Store) ExtendLease(ctx context.Context, jobID uuid.UUID, workerID string, newExpiry time.Time) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running') AND lease_expires_at > $4`,
		jobID, workerID, newExpiry, now,
	)
	if err != nil {
		return false, storageErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReclaimExpired returns expired leases to queued (immediately eligible),
// or dead-letters them when the retry budget is spent. FOR UPDATE SKIP
// LOCKED keeps concurrent reapers from double-reclaiming. The result list
// is for telemetry only.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, maxBatch int) ([]Reclaimed, error) {
	if maxBatch <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT id FROM jobs
			WHERE status IN ('leased', 'running') AND lease_expires_at <= $1
			ORDER BY lease_expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = CASE WHEN j.attempt < j.max_attempts THEN 'queued' ELSE 'dead_letter' END::job_status,
			scheduled_at = CASE WHEN j.attempt < j.max_attempts THEN $1 ELSE j.scheduled_at END,
			completed_at = CASE WHEN j.attempt < j.max_attempts THEN j.completed_at ELSE $1 END,
			last_error = CASE WHEN j.attempt < j.max_attempts THEN j.last_error ELSE coalesce(j.last_error, $3) END,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = $1
		FROM expired e
		WHERE j.id = e.id
		RETURNING j.id, j.tenant_id, j.status`,
		now.UTC(), maxBatch, reclaimErrorMessage,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var reclaimed []Reclaimed
	for rows.Next() {
		var r Reclaimed
		var status Status
		if err := rows.Scan(&r.JobID, &r.TenantID, &status); err != nil {
			return nil, storageErr(err)
		}
		if status == StatusDeadLetter {
			r.Outcome = OutcomeReclaimedToDeadLetter
		} else {
			r.Outcome = OutcomeReclaimedForRetry
		}
		reclaimed = append(reclaimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	for _, r := range reclaimed {
		eventType, status := EventJobRetried, StatusQueued
		if r.Outcome == OutcomeReclaimedToDeadLetter {
			eventType, status = EventJobDeadLetter, StatusDeadLetter
		}
		s.events.Publish(ctx, Event{
			Type: eventType, JobID: r.JobID, TenantID: r.TenantID,
			Status: status, Timestamp: now.UTC(),
		})
	}
	return reclaimed, nil
}

// Revive moves a dead-lettered job back to queued. With resetAttempts the
// attempt counter restarts from zero; otherwise the next failed attempt
// dead-letters it again. Returns ErrInvalidState when the job is not in
// dead_letter.
func (s *Store) Revive(ctx context.Context, jobID uuid.UUID, resetAttempts bool) (Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'queued',
			attempt = CASE WHEN $2 THEN 0 ELSE attempt END,
			last_error = NULL,
			completed_at = NULL,
			scheduled_at = $3,
			updated_at = $3
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING `+jobColumns,
		jobID, resetAttempts, now,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing job from a wrong-state one.
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return Job{}, getErr
		}
		return Job{}, fmt.Errorf("%w: job is not dead-lettered", ErrInvalidState)
	}
	if err != nil {
		return Job{}, storageErr(err)
	}
	return job, nil
}

// CountsByState returns the number of jobs per status, optionally scoped
// to one tenant. Pass an empty tenantID for cluster-wide counts.
func (s *Store) CountsByState(ctx context.Context, tenantID string) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM jobs
		WHERE ($1 = '' OR tenant_id = $1)
		GROUP BY status`,
		tenantID,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr(err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return counts, nil
}

// ListFilter narrows a List call. Zero values mean no filtering.
type ListFilter struct {
	TenantID string
	Status   Status
	Limit    int
	Offset   int
}

// List returns a page of jobs newest-first plus the total count matching
// the filter.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Job, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status::text = $2)`,
		filter.TenantID, string(filter.Status),
	).Scan(&total)
	if err != nil {
		return nil, 0, storageErr(err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status::text = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		filter.TenantID, string(filter.Status), limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	return jobs, total, nil
}

// QueueDepth returns the number of queued jobs, optionally per tenant.
func (s *Store) QueueDepth(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE status = 'queued' AND ($1 = '' OR tenant_id = $1)`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

func prefixedJobColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.idempotency_key, ` +
		alias + `.payload, ` + alias + `.result, ` + alias + `.status, ` + alias + `.priority, ` +
		alias + `.attempt, ` + alias + `.max_attempts, ` + alias + `.scheduled_at, ` +
		alias + `.lease_owner, ` + alias + `.lease_expires_at, ` + alias + `.created_at, ` +
		alias + `.updated_at, ` + alias + `.completed_at, ` + alias + `.last_error`
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.IdempotencyKey, &j.Payload, &j.Result,
		&j.Status, &j.Priority, &j.Attempt, &j.MaxAttempts, &j.ScheduledAt,
		&j.LeaseOwner, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt,
		&j.CompletedAt, &j.LastError,
	)
	return j, err
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/pkg/db"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/queue"
)

// setupStore connects to TEST_DATABASE_URL, applies migrations, and wipes
// the jobs table. Tests are skipped when no database is configured.
func setupStore(t *testing.T) (*queue.Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool, queue.Migrations, "schema_migrations", logger.NewNope()))
	_, err = pool.Exec(ctx, `TRUNCATE jobs`)
	require.NoError(t, err)

	return queue.NewStore(pool), pool
}

func spec(tenant, key, jobType string) queue.JobSpec {
	return queue.JobSpec{
		TenantID:       tenant,
		IdempotencyKey: key,
		Payload:        json.RawMessage(fmt.Sprintf(`{"job_type":%q,"data":{"x":1}}`, jobType)),
		Priority:       queue.PriorityNormal,
		MaxAttempts:    3,
	}
}

// expireLease rewinds a job's lease so guard failures and reclaims can be
// tested without waiting out a real lease.
func expireLease(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE jobs SET lease_expires_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func TestStore_InsertIfAbsent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	job, created, err := store.InsertIfAbsent(ctx, spec("t1", "k1", "echo"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempt)
	assert.Nil(t, job.LeaseOwner)
	assert.Nil(t, job.LeaseExpiresAt)

	// Same key, different payload: the first submission wins unchanged.
	dup := spec("t1", "k1", "other")
	existing, created, err := store.InsertIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, existing.ID)
	assert.Equal(t, "echo", existing.JobType())

	// Same key under another tenant is a distinct job.
	other, created, err := store.InsertIfAbsent(ctx, spec("t2", "k1", "echo"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, job.ID, other.ID)
}

func TestStore_InsertIfAbsent_Concurrent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	const racers = 8
	ids := make([]uuid.UUID, racers)
	var g errgroup.Group
	for i := range racers {
		g.Go(func() error {
			job, _, err := store.InsertIfAbsent(ctx, spec("t1", "race", "echo"))
			ids[i] = job.ID
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all racers must observe the same job")
	}
}

func TestStore_ClaimBatch_HappyPath(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	submitted, _, err := store.InsertIfAbsent(ctx, spec("t1", "k1", "echo"))
	require.NoError(t, err)

	jobs, err := store.ClaimBatch(ctx, "W1", 10, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, submitted.ID, job.ID)
	assert.Equal(t, queue.StatusLeased, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.LeaseOwner)
	assert.Equal(t, "W1", *job.LeaseOwner)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *job.LeaseExpiresAt, 5*time.Second)

	// The leased job is invisible to a second claimer.
	again, err := store.ClaimBatch(ctx, "W2", 10, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Success path.
	require.NoError(t, store.AckSuccess(ctx, job.ID, "W1", json.RawMessage(`{"ok":true}`)))
	done, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.LeaseOwner)
	assert.Nil(t, done.LeaseExpiresAt)

	// Resubmission after success still returns the same row.
	same, created, err := store.InsertIfAbsent(ctx, spec("t1", "k1", "echo"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, same.ID)
	assert.Equal(t, queue.StatusSucceeded, same.Status)
}

func TestStore_ClaimBatch_Ordering(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	insert := func(key string, p queue.Priority, at time.Time) {
		s := spec("t1", key, "echo")
		s.Priority = p
		s.ScheduledAt = at
		_, _, err := store.InsertIfAbsent(ctx, s)
		require.NoError(t, err)
	}

	insert("low", queue.PriorityLow, base)
	insert("critical", queue.PriorityCritical, base.Add(3*time.Second))
	insert("normal-old", queue.PriorityNormal, base.Add(time.Second))
	insert("normal-new", queue.PriorityNormal, base.Add(2*time.Second))
	insert("high", queue.PriorityHigh, base.Add(4*time.Second))

	jobs, err := store.ClaimBatch(ctx, "W1", 10, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	keys := make([]string, len(jobs))
	for i, j := range jobs {
		keys[i] = j.IdempotencyKey
	}
	assert.Equal(t, []string{"critical", "high", "normal-old", "normal-new", "low"}, keys)
}

func TestStore_ClaimBatch_FutureScheduleInvisible(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	s := spec("t1", "later", "echo")
	s.ScheduledAt = time.Now().Add(time.Hour)
	_, _, err := store.InsertIfAbsent(ctx, s)
	require.NoError(t, err)

	jobs, err := store.ClaimBatch(ctx, "W1", 10, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStore_ClaimBatch_TenantConcurrencyLimit(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i := range 5 {
		_, _, err := store.InsertIfAbsent(ctx, spec("t1", fmt.Sprintf("k%d", i), "echo"))
		require.NoError(t, err)
	}
	for i := range 5 {
		_, _, err := store.InsertIfAbsent(ctx, spec("t2", fmt.Sprintf("k%d", i), "echo"))
		require.NoError(t, err)
	}

	jobs, err := store.ClaimBatch(ctx, "W1", 10, 30*time.Second, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 4, "two per tenant")

	counts := map[string]int{}
	for _, j := range jobs {
		counts[j.TenantID]++
	}
	assert.Equal(t, map[string]int{"t1": 2, "t2": 2}, counts)

	// Both tenants are at their cap; nothing more is claimable.
	more, err := store.ClaimBatch(ctx, "W2", 10, 30*time.Second, 2)
	require.NoError(t, err)
	assert.Empty(t, more)

	// Finishing one job frees exactly one slot for its tenant.
	require.NoError(t, store.AckSuccess(ctx, jobs[0].ID, "W1", nil))
	freed, err := store.ClaimBatch(ctx, "W2", 10, 30*time.Second, 2)
	require.NoError(t, err)
	require.Len(t, freed, 1)
	assert.Equal(t, jobs[0].TenantID, freed[0].TenantID)
}

func TestStore_AckFailure_RetryThenExhaust(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	s := spec("t1", "k2", "echo")
	s.MaxAttempts = 2
	_, _, err := store.InsertIfAbsent(ctx, s)
	require.NoError(t, err)

	policy := queue.RetryPolicy{Base: 5 * time.Second, Cap: 10 * time.Minute}

	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)

	outcome, err := store.AckFailure(ctx, jobs[0].ID, "W1", "nope", policy)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeRetried, outcome)

	retried, err := store.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, retried.Status)
	require.NotNil(t, retried.LastError)
	assert.Equal(t, "nope", *retried.LastError)
	assert.Nil(t, retried.LeaseOwner)
	// Backoff window: 5s plus at most 10% jitter.
	delay := retried.ScheduledAt.Sub(time.Now().UTC())
	assert.Greater(t, delay, 3*time.Second)
	assert.Less(t, delay, 6*time.Second)

	// Not claimable until the backoff elapses.
	none, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Pull the schedule forward instead of sleeping through the backoff.
	pullForward(t, pool, retried.ID)

	jobs, err = store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempt)

	outcome, err = store.AckFailure(ctx, jobs[0].ID, "W1", "still nope", policy)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeDeadLettered, outcome)

	dead, err := store.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, dead.Status)
	assert.Equal(t, 2, dead.Attempt)
	require.NotNil(t, dead.LastError)
	assert.Equal(t, "still nope", *dead.LastError)
	assert.NotNil(t, dead.CompletedAt)

	// Dead-lettered jobs are not claimable.
	none, err = store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_MaxAttemptsOne_DeadLettersImmediately(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	s := spec("t1", "once", "echo")
	s.MaxAttempts = 1
	_, _, err := store.InsertIfAbsent(ctx, s)
	require.NoError(t, err)

	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	outcome, err := store.AckFailure(ctx, jobs[0].ID, "W1", "boom", queue.DefaultRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeDeadLettered, outcome)
}

func TestStore_AckGuards(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	_, _, err := store.InsertIfAbsent(ctx, spec("t1", "g1", "echo"))
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	id := jobs[0].ID

	t.Run("wrong owner", func(t *testing.T) {
		assert.ErrorIs(t, store.AckSuccess(ctx, id, "W2", nil), queue.ErrLeaseLost)
		_, err := store.AckFailure(ctx, id, "W2", "x", queue.DefaultRetryPolicy())
		assert.ErrorIs(t, err, queue.ErrLeaseLost)
	})

	t.Run("expired lease", func(t *testing.T) {
		expireLease(t, pool, id)
		assert.ErrorIs(t, store.AckSuccess(ctx, id, "W1", nil), queue.ErrLeaseLost)

		ok, err := store.ExtendLease(ctx, id, "W1", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ExtendLease(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, _, err := store.InsertIfAbsent(ctx, spec("t1", "hb", "echo"))
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	newExpiry := time.Now().Add(2 * time.Minute).UTC()
	ok, err := store.ExtendLease(ctx, jobs[0].ID, "W1", newExpiry)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := store.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.WithinDuration(t, newExpiry, *job.LeaseExpiresAt, time.Second)

	ok, err = store.ExtendLease(ctx, jobs[0].ID, "W2", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "another worker must not extend the lease")
}

func TestStore_StartJob(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	_, _, err := store.InsertIfAbsent(ctx, spec("t1", "s1", "echo"))
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	started, err := store.StartJob(ctx, jobs[0].ID, "W1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, started.Status)
	// Attempt was incremented at claim time, not at start.
	assert.Equal(t, 1, started.Attempt)

	// Starting twice fails: the row is no longer leased.
	_, err = store.StartJob(ctx, jobs[0].ID, "W1")
	assert.ErrorIs(t, err, queue.ErrLeaseLost)

	// Expired lease cannot be started.
	_, _, err = store.InsertIfAbsent(ctx, spec("t1", "s2", "echo"))
	require.NoError(t, err)
	jobs, err = store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	expireLease(t, pool, jobs[0].ID)
	_, err = store.StartJob(ctx, jobs[0].ID, "W1")
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
}

func TestStore_AckFatal(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, _, err := store.InsertIfAbsent(ctx, spec("t1", "fatal", "nosuch"))
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	outcome, err := store.AckFatal(ctx, jobs[0].ID, "W1", "unknown handler: nosuch")
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeDeadLettered, outcome)

	job, err := store.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, job.Status)
	assert.Equal(t, job.MaxAttempts, job.Attempt, "fatal path raises attempt to the cap")
	require.NotNil(t, job.LastError)
}

func TestStore_ReclaimExpired(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	// One job with attempts remaining, one on its last attempt.
	_, _, err := store.InsertIfAbsent(ctx, spec("t1", "r1", "echo"))
	require.NoError(t, err)
	last := spec("t1", "r2", "echo")
	last.MaxAttempts = 1
	_, _, err = store.InsertIfAbsent(ctx, last)
	require.NoError(t, err)

	jobs, err := store.ClaimBatch(ctx, "W1", 10, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		expireLease(t, pool, j.ID)
	}

	reclaimed, err := store.ReclaimExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)

	outcomes := map[string]queue.Outcome{}
	for _, r := range reclaimed {
		job, err := store.Get(ctx, r.JobID)
		require.NoError(t, err)
		outcomes[job.IdempotencyKey] = r.Outcome

		switch r.Outcome {
		case queue.OutcomeReclaimedForRetry:
			assert.Equal(t, queue.StatusQueued, job.Status)
			assert.Nil(t, job.LeaseOwner)
		case queue.OutcomeReclaimedToDeadLetter:
			assert.Equal(t, queue.StatusDeadLetter, job.Status)
			require.NotNil(t, job.LastError, "dead-lettered rows always carry an error")
		}
	}
	assert.Equal(t, queue.OutcomeReclaimedForRetry, outcomes["r1"])
	assert.Equal(t, queue.OutcomeReclaimedToDeadLetter, outcomes["r2"])

	// Crash recovery: a second worker claims the reclaimed job and the
	// attempt counter advances exactly once.
	again, err := store.ClaimBatch(ctx, "W2", 10, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "r1", again[0].IdempotencyKey)
	assert.Equal(t, 2, again[0].Attempt)

	// Nothing left to reclaim.
	none, err := store.ReclaimExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Revive(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	s := spec("t1", "rev", "echo")
	s.MaxAttempts = 1
	_, _, err := store.InsertIfAbsent(ctx, s)
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	id := jobs[0].ID
	_, err = store.AckFailure(ctx, id, "W1", "boom", queue.DefaultRetryPolicy())
	require.NoError(t, err)

	t.Run("revive without reset", func(t *testing.T) {
		job, err := store.Revive(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusQueued, job.Status)
		assert.Equal(t, 1, job.Attempt)
		assert.Nil(t, job.LastError)

		// Claim may not push attempt past the cap.
		claimed, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 1, claimed[0].Attempt)
		_, err = store.AckFailure(ctx, id, "W1", "boom again", queue.DefaultRetryPolicy())
		require.NoError(t, err)
	})

	t.Run("revive with reset", func(t *testing.T) {
		job, err := store.Revive(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusQueued, job.Status)
		assert.Equal(t, 0, job.Attempt)
	})

	t.Run("wrong state", func(t *testing.T) {
		_, err := store.Revive(ctx, id, true)
		assert.ErrorIs(t, err, queue.ErrInvalidState)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := store.Revive(ctx, uuid.New(), true)
		assert.ErrorIs(t, err, queue.ErrNotFound)
	})
}

func TestStore_CountsListDepth(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i := range 3 {
		_, _, err := store.InsertIfAbsent(ctx, spec("t1", fmt.Sprintf("c%d", i), "echo"))
		require.NoError(t, err)
	}
	_, _, err := store.InsertIfAbsent(ctx, spec("t2", "c0", "echo"))
	require.NoError(t, err)

	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.AckSuccess(ctx, jobs[0].ID, "W1", nil))

	counts, err := store.CountsByState(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[queue.StatusQueued])
	assert.Equal(t, 1, counts[queue.StatusSucceeded])

	t1Counts, err := store.CountsByState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, t1Counts[queue.StatusQueued]+t1Counts[queue.StatusSucceeded])

	depth, err := store.QueueDepth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	page, total, err := store.List(ctx, queue.ListFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	queued, total, err := store.List(ctx, queue.ListFilter{TenantID: "t1", Status: queue.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, j := range queued {
		assert.Equal(t, queue.StatusQueued, j.Status)
	}

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestStore_ConcurrentClaimsAreDisjoint(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	const jobs = 30
	for i := range jobs {
		_, _, err := store.InsertIfAbsent(ctx, spec("t1", fmt.Sprintf("d%d", i), "echo"))
		require.NoError(t, err)
	}

	const workers = 4
	claimed := make([][]queue.Job, workers)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			batch, err := store.ClaimBatch(ctx, fmt.Sprintf("W%d", w), 10, 30*time.Second, 100)
			claimed[w] = batch
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[uuid.UUID]string)
	for w, batch := range claimed {
		for _, j := range batch {
			owner, dup := seen[j.ID]
			assert.False(t, dup, "job %s claimed by both %s and W%d", j.ID, owner, w)
			seen[j.ID] = fmt.Sprintf("W%d", w)
		}
	}
	assert.Len(t, seen, jobs, "every job claimed exactly once")
}

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []queue.Event
}

func (r *recordingSink) Publish(_ context.Context, ev queue.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []queue.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]queue.EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func TestStore_EventLifecycle(t *testing.T) {
	_, pool := setupStore(t)
	ctx := context.Background()

	sink := &recordingSink{}
	store := queue.NewStore(pool, queue.WithEventSink(sink))

	// Success path: created, started, completed.
	_, _, err := store.InsertIfAbsent(ctx, spec("t1", "ev-ok", "echo"))
	require.NoError(t, err)
	jobs, err := store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = store.StartJob(ctx, jobs[0].ID, "W1")
	require.NoError(t, err)
	require.NoError(t, store.AckSuccess(ctx, jobs[0].ID, "W1", nil))

	assert.Equal(t, []queue.EventType{
		queue.EventJobCreated, queue.EventJobStarted, queue.EventJobCompleted,
	}, sink.types())

	// Retryable failure: a failed event plus a retried event, both carrying
	// the resulting status.
	sink.events = nil
	_, _, err = store.InsertIfAbsent(ctx, spec("t1", "ev-retry", "echo"))
	require.NoError(t, err)
	jobs, err = store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = store.AckFailure(ctx, jobs[0].ID, "W1", "nope", queue.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.Equal(t, []queue.EventType{
		queue.EventJobCreated, queue.EventJobFailed, queue.EventJobRetried,
	}, sink.types())
	failed := sink.events[1]
	assert.Equal(t, queue.StatusQueued, failed.Status)
	assert.Equal(t, "nope", failed.Error)
	assert.Equal(t, "W1", failed.Worker)

	// Exhaustion: failed then dead-lettered.
	sink.events = nil
	exhausted := spec("t1", "ev-dead", "echo")
	exhausted.MaxAttempts = 1
	_, _, err = store.InsertIfAbsent(ctx, exhausted)
	require.NoError(t, err)
	jobs, err = store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	// Two queued jobs exist (ev-retry is backed off); only ev-dead is due.
	require.Len(t, jobs, 1)
	require.Equal(t, "ev-dead", jobs[0].IdempotencyKey)
	_, err = store.AckFailure(ctx, jobs[0].ID, "W1", "boom", queue.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.Equal(t, []queue.EventType{
		queue.EventJobCreated, queue.EventJobFailed, queue.EventJobDeadLetter,
	}, sink.types())
	assert.Equal(t, queue.StatusDeadLetter, sink.events[1].Status)

	// Reclaim: expired leases publish the outcome event with tenant intact.
	sink.events = nil
	_, _, err = store.InsertIfAbsent(ctx, spec("t2", "ev-reap", "echo"))
	require.NoError(t, err)
	jobs, err = store.ClaimBatch(ctx, "W1", 1, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "ev-reap", jobs[0].IdempotencyKey)
	expireLease(t, pool, jobs[0].ID)
	reclaimed, err := store.ReclaimExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	assert.Equal(t, []queue.EventType{
		queue.EventJobCreated, queue.EventJobRetried,
	}, sink.types())
	reaped := sink.events[1]
	assert.Equal(t, queue.StatusQueued, reaped.Status)
	assert.Equal(t, "t2", reaped.TenantID)
}

// pullForward makes a retried job immediately eligible again.
func pullForward(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE jobs SET scheduled_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

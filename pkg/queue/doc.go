// Package queue implements the persistent core of the job queue: the job
// entity, the transactional Store over PostgreSQL, and the Submitter.
//
// All durability, ordering, and at-least-once guarantees are anchored in a
// single jobs table. Workers lease jobs through [Store.ClaimBatch], which
// combines FOR UPDATE SKIP LOCKED candidate selection with per-tenant
// concurrency admission in one transaction, so concurrent claimers receive
// disjoint batches without blocking each other.
//
// # Lifecycle
//
// A job is created queued, moves to leased on claim, optionally to running
// when execution starts, and ends in succeeded or dead_letter. Failed
// attempts return to queued with an exponential-backoff delay until the
// retry budget is spent. Expired leases are returned to queued by the
// reaper. Terminal states are immutable except for [Store.Revive].
//
// # Invariants
//
//   - Exactly one row per (tenant_id, idempotency_key); duplicate
//     submission returns the existing row unchanged.
//   - Lease fields are non-null exactly when status is leased or running.
//   - attempt never exceeds max_attempts.
//   - Dead-lettered rows always carry attempt = max_attempts and a
//     non-null last_error.
//
// # Errors
//
// Transient driver failures are wrapped in [ErrStorageUnavailable].
// Guarded acknowledgements return [ErrLeaseLost] when the lease expired or
// was reassigned; the worker must surrender the job silently. Validation
// failures are [ErrInvalidInput]; administrative misuse is
// [ErrInvalidState]; bucket depletion is a [RateLimitedError].
package queue

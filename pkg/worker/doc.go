// Package worker executes leased jobs against a handler registry.
//
// A [Worker] runs two loops: a claim loop that leases batches whenever
// in-flight capacity is free, and a heartbeat loop that renews leases
// before they expire. Handlers are dispatched by the payload's job_type
// through a [Registry]; use [RegisterTask] for typed payloads or
// [Registry.Register] for raw ones.
//
// Execution is at-least-once. A handler may be invoked again with the same
// input after a crash, a lost lease, or an acknowledgement that lost the
// lease race; idempotency is the handler's responsibility. When the
// heartbeat discovers a lost lease the handler's context is cancelled and
// its outcome is discarded.
//
// On shutdown the worker stops claiming, gives outstanding handlers
// GracePeriod to finish, then cancels the rest and exits; their leases
// expire and the reaper returns them to the queue.
package worker

package worker

import "errors"

var (
	// ErrUnknownHandler means no handler is registered for a job_type.
	// Retrying cannot fix it, so the job is dead-lettered immediately.
	ErrUnknownHandler = errors.New("worker: unknown handler")

	// ErrInvalidPayload means the payload data could not be unmarshaled
	// into the handler's declared type.
	ErrInvalidPayload = errors.New("worker: invalid payload")

	// ErrNoHandlers is returned by Run when the registry is empty. An
	// orchestrator should treat this as a deployment fault, not retry it.
	ErrNoHandlers = errors.New("worker: handler registry is empty")

	// ErrStorageDegraded is returned by Run after too many consecutive
	// storage failures. The process exits non-zero so it can be restarted.
	ErrStorageDegraded = errors.New("worker: storage unavailable past failure threshold")

	// errLeaseLost cancels a handler context when the heartbeat loses the
	// lease; the job belongs to someone else now.
	errLeaseLost = errors.New("worker: lease lost")

	// errDrainTimeout cancels handler contexts when drain exceeds the
	// grace period.
	errDrainTimeout = errors.New("worker: drain grace period exceeded")
)

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType names a job state change.
type EventType string

const (
	EventJobCreated   EventType = "job.created"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetried   EventType = "job.retried"
	EventJobDeadLetter EventType = "job.dlq"
)

// Event is emitted by the Store after a state-changing transaction commits.
// Consumers (notification fan-out, audit trails) subscribe through an
// EventSink; delivery is best-effort and never blocks queue correctness.
type Event struct {
	Type      EventType `json:"event_type"`
	JobID     uuid.UUID `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EventSink receives job events. Implementations must not block; the Store
// calls Publish synchronously after commit.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}

// NopSink discards all events.
func NopSink() EventSink { return nopSink{} }

// LogSink writes events to a structured logger at debug level.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates an EventSink backed by the given logger.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) {
	s.log.DebugContext(ctx, "job event",
		slog.String("event", string(ev.Type)),
		slog.String("job_id", ev.JobID.String()),
		slog.String("tenant_id", ev.TenantID),
		slog.String("status", string(ev.Status)),
	)
}

package metrics

import (
	"context"

	"github.com/conveyorhq/conveyor/pkg/queue"
)

// Sink bridges queue events to Prometheus counters. Wire it into the Store
// with queue.WithEventSink.
type Sink struct{}

// NewSink creates a metrics event sink.
func NewSink() *Sink { return &Sink{} }

func (*Sink) Publish(_ context.Context, ev queue.Event) {
	if ev.Type == queue.EventJobCreated {
		JobsSubmitted.WithLabelValues(ev.TenantID, string(ev.Priority)).Inc()
	}
}

// MultiSink fans events out to several sinks.
func MultiSink(sinks ...queue.EventSink) queue.EventSink {
	return multiSink(sinks)
}

type multiSink []queue.EventSink

func (m multiSink) Publish(ctx context.Context, ev queue.Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

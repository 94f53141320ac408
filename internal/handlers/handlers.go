// Package handlers ships the built-in demonstration handlers registered by
// the worker binary. They exist to smoke-test the pipeline end to end;
// real deployments register their own tasks alongside or instead of them.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/pkg/queue"
	"github.com/conveyorhq/conveyor/pkg/worker"
)

// RegisterAll adds every built-in handler to the registry.
func RegisterAll(r *worker.Registry) {
	worker.RegisterTask(r, Echo{})
	worker.RegisterTask(r, Sleep{})
	worker.RegisterTask(r, Flaky{})
}

// Echo returns its data field, together with the attempt number, as the
// job result.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Handle(_ context.Context, job queue.Job, data map[string]any) (any, error) {
	return map[string]any{"echo": data, "attempt": job.Attempt}, nil
}

// SleepParams configures the sleep handler.
type SleepParams struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// Sleep blocks for the requested duration, honouring cancellation. Useful
// for exercising heartbeats, drain, and lease expiry.
type Sleep struct{}

func (Sleep) Name() string { return "sleep" }

func (Sleep) Handle(ctx context.Context, _ queue.Job, data SleepParams) (any, error) {
	d := time.Duration(data.DurationSeconds * float64(time.Second))
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-time.After(d):
		return map[string]any{"slept_for_seconds": d.Seconds()}, nil
	}
}

// FlakyParams configures the flaky handler.
type FlakyParams struct {
	// SucceedOnAttempt is the first attempt that succeeds; zero means the
	// handler always fails.
	SucceedOnAttempt int `json:"succeed_on_attempt"`
}

// Flaky fails until a configured attempt, exercising retry and dead-letter
// paths.
type Flaky struct{}

func (Flaky) Name() string { return "flaky" }

func (Flaky) Handle(_ context.Context, job queue.Job, data FlakyParams) (any, error) {
	if data.SucceedOnAttempt > 0 && job.Attempt >= data.SucceedOnAttempt {
		return map[string]any{"succeeded_on_attempt": job.Attempt}, nil
	}
	return nil, fmt.Errorf("flaky handler failing on attempt %d", job.Attempt)
}

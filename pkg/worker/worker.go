package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/queue"
)

// Worker pulls leased jobs, dispatches them through the handler registry,
// and acknowledges the outcome. One Worker per process; concurrency inside
// it is bounded by MaxInFlight.
type Worker struct {
	store    Store
	registry *Registry
	lm       *LeaseManager
	cfg      Config
	log      *slog.Logger
	wg       sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// New creates a Worker over the given store and registry.
func New(store Store, registry *Registry, cfg Config, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With(slog.String("worker_id", cfg.ID))
	w.lm = NewLeaseManager(store, cfg, w.log)
	return w
}

// ID returns the worker identity used for leases and acknowledgements.
func (w *Worker) ID() string { return w.cfg.ID }

// Run claims and executes jobs until ctx is cancelled, then drains:
// claiming stops, outstanding handlers get GracePeriod to finish, and
// whatever remains is cancelled and left for the reaper to reclaim.
//
// Run returns nil after a clean drain, ErrNoHandlers when the registry is
// empty, and ErrStorageDegraded after StorageFailureLimit consecutive
// storage failures.
func (w *Worker) Run(ctx context.Context) error {
	if w.registry.Len() == 0 {
		return ErrNoHandlers
	}

	w.log.InfoContext(ctx, "worker starting",
		slog.Int("max_in_flight", w.cfg.MaxInFlight),
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Duration("lease_duration", w.cfg.LeaseDuration),
		slog.Any("job_types", w.registry.Types()),
	)

	// The heartbeat outlives the claim loop: leases must keep renewing
	// while drain waits for handlers to finish.
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()

	err := w.claimLoop(ctx)
	w.drain()
	stopHeartbeat()
	<-hbDone

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	w.log.Info("worker stopped")
	return nil
}

// claimLoop requests work whenever capacity is free and hands it to
// executor goroutines.
func (w *Worker) claimLoop(ctx context.Context) error {
	storageFailures := 0
	for {
		if err := sleepCtx(ctx, 0); err != nil {
			return err
		}

		free := w.cfg.MaxInFlight - w.lm.InFlight()
		if free <= 0 {
			if err := sleepCtx(ctx, w.cfg.PollIntervalMin); err != nil {
				return err
			}
			continue
		}

		jobs, err := w.lm.Claim(ctx, min(free, w.cfg.BatchSize))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			storageFailures++
			w.log.ErrorContext(ctx, "claim failed",
				slog.Any("error", err),
				slog.Int("consecutive_failures", storageFailures),
			)
			if storageFailures >= w.cfg.StorageFailureLimit {
				return fmt.Errorf("%w: %d consecutive claim failures", ErrStorageDegraded, storageFailures)
			}
			if err := sleepCtx(ctx, w.lm.NextDelay(true)); err != nil {
				return err
			}
			continue
		}
		storageFailures = 0

		if len(jobs) == 0 {
			if err := sleepCtx(ctx, w.lm.NextDelay(true)); err != nil {
				return err
			}
			continue
		}
		w.lm.NextDelay(false)

		for _, job := range jobs {
			w.launch(ctx, job)
		}
	}
}

// heartbeatLoop renews leases at half the renewal threshold so a due lease
// is never more than one tick away from renewal.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(float64(w.cfg.LeaseDuration) * w.cfg.HeartbeatFraction / 2)
	interval = max(interval, time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.lm.RenewDue(ctx, now)
		}
	}
}

// launch starts one executor goroutine. The handler context is detached
// from the claim loop's cancellation: drain keeps handlers running through
// the grace period, and only lease loss or grace expiry aborts them.
func (w *Worker) launch(ctx context.Context, job queue.Job) {
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	w.lm.Bind(job, cancel)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.lm.Release(job.ID)
		defer cancel(nil)
		w.execute(jobCtx, job)
	}()
}

// execute runs the full per-job protocol: start, dispatch, acknowledge.
// The job's identity rides on the context; the logger's extractor attaches
// it to every record emitted below, handler logging included.
func (w *Worker) execute(ctx context.Context, job queue.Job) {
	jobType := job.JobType()
	ctx = withJobAttrs(ctx, job)

	started, err := w.store.StartJob(ctx, job.ID, w.cfg.ID)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			w.log.WarnContext(ctx, "lease gone before start, surrendering job")
			metrics.LeasesLost.Inc()
			return
		}
		// Storage hiccup before any work happened; the lease expires on its
		// own and the reaper re-queues the job.
		w.log.ErrorContext(ctx, "failed to start job", slog.Any("error", err))
		return
	}
	job = started

	handler, ok := w.registry.Get(jobType)
	if !ok {
		w.log.ErrorContext(ctx, "no handler registered, dead-lettering")
		msg := fmt.Sprintf("%s: %q", ErrUnknownHandler, jobType)
		if _, err := w.store.AckFatal(ctx, job.ID, w.cfg.ID, msg); err != nil {
			w.handleAckError(ctx, err)
			return
		}
		metrics.JobsProcessed.WithLabelValues(jobType, string(queue.OutcomeDeadLettered)).Inc()
		return
	}

	begin := time.Now()
	result, handlerErr := w.invoke(ctx, handler, job)
	metrics.JobDuration.WithLabelValues(jobType).Observe(time.Since(begin).Seconds())

	// A cancelled context means the lease was lost or drain gave up on the
	// handler. Either way the job is orphaned here: acknowledging it could
	// race the next owner.
	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		w.log.WarnContext(ctx, "handler abandoned", slog.Any("cause", cause))
		metrics.JobsProcessed.WithLabelValues(jobType, "lost").Inc()
		return
	}

	if handlerErr == nil {
		if err := w.store.AckSuccess(ctx, job.ID, w.cfg.ID, result); err != nil {
			w.handleAckError(ctx, err)
			return
		}
		w.log.InfoContext(ctx, "job succeeded", slog.Duration("duration", time.Since(begin)))
		metrics.JobsProcessed.WithLabelValues(jobType, string(queue.StatusSucceeded)).Inc()
		return
	}

	outcome, err := w.store.AckFailure(ctx, job.ID, w.cfg.ID, handlerErr.Error(), w.cfg.Retry)
	if err != nil {
		w.handleAckError(ctx, err)
		return
	}
	w.log.WarnContext(ctx, "job failed",
		slog.Any("error", handlerErr),
		slog.String("outcome", string(outcome)),
	)
	metrics.JobsProcessed.WithLabelValues(jobType, string(outcome)).Inc()
}

// invoke runs a handler, converting panics into ordinary failures so one
// bad job cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, job queue.Job) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, job)
}

// handleAckError deals with a failed acknowledgement. Lease loss is
// expected under at-least-once semantics: the job will re-execute and the
// handler must be idempotent. Anything else is a storage fault worth an
// error log; the reaper eventually repairs the row.
func (w *Worker) handleAckError(ctx context.Context, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		w.log.WarnContext(ctx, "acknowledgement lost the lease race, job may re-execute")
		metrics.AtLeastOnceWarnings.Inc()
		return
	}
	w.log.ErrorContext(ctx, "acknowledgement failed", slog.Any("error", err))
}

// drain waits for outstanding handlers, cancelling whatever outlives the
// grace period. Unfinished jobs keep their leases and are recovered by the
// reaper after expiry.
func (w *Worker) drain() {
	inflight := w.lm.InFlight()
	if inflight == 0 {
		w.wg.Wait()
		return
	}
	w.log.Info("draining", slog.Int("in_flight", inflight), slog.Duration("grace_period", w.cfg.GracePeriod))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.GracePeriod):
		w.log.Warn("grace period exceeded, cancelling handlers",
			slog.Int("in_flight", w.lm.InFlight()),
		)
		w.lm.CancelAll(errDrainTimeout)
		<-done
	}
}

// sleepCtx waits d or until ctx is cancelled. A zero d only checks ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

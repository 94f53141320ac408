package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/queue"
)

// Store is the slice of the queue store the reaper consumes.
type Store interface {
	ReclaimExpired(ctx context.Context, now time.Time, maxBatch int) ([]queue.Reclaimed, error)
}

// Config holds reaper tuning. Embed it in a binary's config struct for env
// parsing with caarlos0/env.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	// Batch caps reclaimed jobs per sweep; a sweep that fills the batch is
	// followed by another immediately.
	Batch int `env:"REAPER_BATCH" envDefault:"100"`
	// ErrorBackoffCap bounds the retry delay after storage failures.
	ErrorBackoffCap time.Duration `env:"REAPER_ERROR_BACKOFF_CAP" envDefault:"5m"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.ErrorBackoffCap <= 0 {
		c.ErrorBackoffCap = 5 * time.Minute
	}
	return c
}

// Reaper periodically returns expired leases to the queue, or to the dead
// letter when the retry budget is spent. It is the only path by which a
// crashed worker's jobs become claimable again, so its liveness bounds the
// crash-recovery delay at lease_duration + interval.
//
// A single instance per cluster is enough. A second one is harmless
// because reclaim uses lock-skip row locks, it just burns cycles.
type Reaper struct {
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reaper) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a Reaper.
func New(store Store, cfg Config, opts ...Option) *Reaper {
	r := &Reaper{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   slog.New(slog.DiscardHandler),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps until ctx is cancelled. Storage errors are retried
// indefinitely with exponential backoff; the reaper never gives up, since
// abandoning it would strand leased jobs forever.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.InfoContext(ctx, "reaper starting",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("batch", r.cfg.Batch),
	)

	errBackoff := r.cfg.Interval
	for {
		n, err := r.RunOnce(ctx)
		switch {
		case err != nil:
			r.log.ErrorContext(ctx, "sweep failed", slog.Any("error", err))
			if sleepErr := sleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}
			errBackoff = min(errBackoff*2, r.cfg.ErrorBackoffCap)
			continue
		case n >= r.cfg.Batch:
			// Full batch: more expired leases are likely waiting.
			errBackoff = r.cfg.Interval
			continue
		default:
			errBackoff = r.cfg.Interval
		}

		if err := sleep(ctx, r.cfg.Interval); err != nil {
			r.log.Info("reaper stopped")
			return nil
		}
	}
}

// RunOnce performs a single sweep and returns the number of reclaimed
// jobs. Exposed for tests and cron-style deployments.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := r.store.ReclaimExpired(ctx, r.now(), r.cfg.Batch)
	if err != nil {
		return 0, err
	}

	for _, rec := range reclaimed {
		metrics.LeasesExpired.Inc()
		r.log.InfoContext(ctx, "reclaimed expired lease",
			slog.String("job_id", rec.JobID.String()),
			slog.String("tenant_id", rec.TenantID),
			slog.String("outcome", string(rec.Outcome)),
		)
	}
	return len(reclaimed), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

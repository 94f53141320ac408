package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/internal/handlers"
	"github.com/conveyorhq/conveyor/pkg/db"
	"github.com/conveyorhq/conveyor/pkg/health"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/queue"
	"github.com/conveyorhq/conveyor/pkg/worker"
)

type config struct {
	DB     db.Config
	Log    logger.Config
	Sentry logger.SentryConfig
	Worker worker.Config

	// OpsAddr serves /health/live, /health/ready and /metrics.
	OpsAddr string `env:"OPS_ADDR" envDefault:":9090"`
	// StatsInterval is the queue-depth gauge sampling cadence.
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"15s"`
	// Migrate applies pending schema migrations on startup.
	Migrate bool `env:"MIGRATE_ON_START" envDefault:"true"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to parse configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.NewWithSentry(cfg.Log, cfg.Sentry, worker.LogExtractor)
	slog.SetDefault(log)

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		log.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Migrate {
		if err := db.Migrate(ctx, pool, queue.Migrations, cfg.DB.MigrationsTable, log); err != nil {
			log.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	store := queue.NewStore(pool,
		queue.WithLogger(log),
		queue.WithEventSink(metrics.MultiSink(metrics.NewSink(), queue.NewLogSink(log))),
	)

	registry := worker.NewRegistry()
	handlers.RegisterAll(registry)

	w := worker.New(store, registry, cfg.Worker, worker.WithLogger(log))
	log.Info("starting worker", slog.String("worker_id", w.ID()), slog.String("ops_addr", cfg.OpsAddr))

	ops := &http.Server{Addr: cfg.OpsAddr, Handler: opsRouter(pool)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sampleQueueDepth(gctx, store, cfg.StatsInterval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func opsRouter(pool *pgxpool.Pool) http.Handler {
	r := chi.NewRouter()
	r.Get("/health/live", health.LivenessHandler())
	r.Get("/health/ready", health.ReadinessHandler(health.Checks{
		"postgres": db.Healthcheck(pool),
	}, 3*time.Second))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// sampleQueueDepth refreshes the per-status gauges. Sampling keeps the
// claim hot path free of counting queries.
func sampleQueueDepth(ctx context.Context, store *queue.Store, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			counts, err := store.CountsByState(ctx, "")
			if err != nil {
				continue
			}
			for _, status := range []queue.Status{
				queue.StatusQueued, queue.StatusLeased, queue.StatusRunning,
				queue.StatusSucceeded, queue.StatusDeadLetter,
			} {
				metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
			}
		}
	}
}

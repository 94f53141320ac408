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
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/pkg/db"
	"github.com/conveyorhq/conveyor/pkg/health"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/queue"
	"github.com/conveyorhq/conveyor/pkg/reaper"
	"github.com/conveyorhq/conveyor/pkg/worker"
)

type config struct {
	DB     db.Config
	Log    logger.Config
	Sentry logger.SentryConfig
	Reaper reaper.Config

	OpsAddr string `env:"OPS_ADDR" envDefault:":9091"`
	Migrate bool   `env:"MIGRATE_ON_START" envDefault:"false"`
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

	store := queue.NewStore(pool, queue.WithLogger(log))
	r := reaper.New(store, cfg.Reaper, reaper.WithLogger(log))

	opsRouter := chi.NewRouter()
	opsRouter.Get("/health/live", health.LivenessHandler())
	opsRouter.Get("/health/ready", health.ReadinessHandler(health.Checks{
		"postgres": db.Healthcheck(pool),
	}, 3*time.Second))
	opsRouter.Method(http.MethodGet, "/metrics", metrics.Handler())
	ops := &http.Server{Addr: cfg.OpsAddr, Handler: opsRouter}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
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

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reaper exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

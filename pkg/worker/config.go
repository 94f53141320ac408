package worker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/conveyorhq/conveyor/pkg/queue"
)

// Config holds worker tuning. Embed it in a binary's config struct for env
// parsing with caarlos0/env. Zero values fall back to the defaults below.
type Config struct {
	// ID uniquely identifies this worker process for the lifetime of its
	// leases. Generated as hostname-pid-random when empty.
	ID string `env:"WORKER_ID"`

	// BatchSize caps jobs per claim call.
	BatchSize int `env:"WORKER_BATCH_SIZE" envDefault:"10"`

	// MaxInFlight caps concurrent handler invocations.
	MaxInFlight int `env:"WORKER_MAX_IN_FLIGHT" envDefault:"10"`

	// LeaseDuration is the exclusive claim window per attempt.
	LeaseDuration time.Duration `env:"LEASE_DURATION" envDefault:"30s"`

	// HeartbeatFraction renews a lease once its remaining time drops below
	// this fraction of LeaseDuration.
	HeartbeatFraction float64 `env:"HEARTBEAT_FRACTION" envDefault:"0.5"`

	// TenantConcurrencyLimit caps in-flight jobs per tenant cluster-wide.
	TenantConcurrencyLimit int `env:"TENANT_CONCURRENCY_LIMIT" envDefault:"10"`

	// Empty-poll backoff bounds. The delay doubles from min to max on
	// consecutive empty claims and resets on any non-empty result.
	PollIntervalMin time.Duration `env:"POLL_INTERVAL_MIN" envDefault:"200ms"`
	PollIntervalMax time.Duration `env:"POLL_INTERVAL_MAX" envDefault:"2s"`

	// GracePeriod bounds the drain phase on shutdown.
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"60s"`

	// StorageFailureLimit is the number of consecutive storage failures
	// after which Run gives up with ErrStorageDegraded.
	StorageFailureLimit int `env:"STORAGE_FAILURE_LIMIT" envDefault:"10"`

	// Retry controls the backoff applied to failed attempts.
	Retry queue.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = DefaultWorkerID()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.HeartbeatFraction <= 0 || c.HeartbeatFraction >= 1 {
		c.HeartbeatFraction = 0.5
	}
	if c.TenantConcurrencyLimit <= 0 {
		c.TenantConcurrencyLimit = 10
	}
	if c.PollIntervalMin <= 0 {
		c.PollIntervalMin = 200 * time.Millisecond
	}
	if c.PollIntervalMax < c.PollIntervalMin {
		c.PollIntervalMax = 2 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = time.Minute
	}
	if c.StorageFailureLimit <= 0 {
		c.StorageFailureLimit = 10
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = queue.DefaultRetryBase
	}
	if c.Retry.Cap <= 0 {
		c.Retry.Cap = queue.DefaultRetryCap
	}
	return c
}

// DefaultWorkerID builds a hostname-pid-random identity, stable for the
// process lifetime and unique across restarts on the same host.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(suffix))
}

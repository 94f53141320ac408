package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Jobs accepted by the submitter.",
	}, []string{"tenant", "priority"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Job attempts finished by workers.",
	}, []string{"job_type", "outcome"}) // outcome: succeeded, retried, dead_lettered, lost

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Handler execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"job_type"})

	LeasesAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lease_acquired_total",
		Help: "Leases acquired by claim calls.",
	})

	LeasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lease_expired_total",
		Help: "Expired leases reclaimed by the reaper.",
	})

	LeasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lease_lost_total",
		Help: "Leases lost by live workers (failed heartbeat or ack guard).",
	})

	AtLeastOnceWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_least_once_warning_total",
		Help: "Successful executions whose acknowledgement found the lease gone; the job may run again.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "job_queue_depth",
		Help: "Jobs per status.",
	}, []string{"status"})
)

// Handler exposes the default registry for the ops listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

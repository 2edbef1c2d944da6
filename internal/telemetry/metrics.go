package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted into the store"})
	EnqueueDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueue_duplicates_total", Help: "Enqueue calls suppressed by (workflow_run_id, step_id)"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	LeasedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_leased_total", Help: "Jobs leased by workers"})
	AttemptCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_attempts_total", Help: "Finished attempts by outcome"}, []string{"outcome"})
	TerminalFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_terminal_failures_total", Help: "Jobs that exhausted max_attempts"})
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Outbound dispatch latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "outcome"})
	TriggerDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trigger_dispatches_total", Help: "Workflow dispatch calls made by the trigger scheduler"}, []string{"workflow", "outcome"})
	JobsByStatus      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Job rows per status"}, []string{"status"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently being dispatched by this process"})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueDuplicate,
			RateLimitRejects,
			LeasedCounter,
			AttemptCounter,
			TerminalFailures,
			DispatchDuration,
			TriggerDispatches,
			JobsByStatus,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

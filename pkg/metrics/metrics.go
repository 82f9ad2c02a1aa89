package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Compilation metrics
	CompilationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_compilations_total",
			Help: "Total number of finished compilations by terminal status",
		},
		[]string{"status"},
	)

	CompilationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_compilation_duration_seconds",
			Help:    "Wall-clock compilation duration in seconds by engine",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"engine"},
	)

	CompilationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_compilations_in_flight",
			Help: "Number of compilations currently running",
		},
	)

	// Queue metrics
	JobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_queue_jobs_consumed_total",
			Help: "Total number of jobs pulled from the queue",
		},
	)

	JobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_queue_jobs_reclaimed_total",
			Help: "Total number of stalled jobs reclaimed from other consumers",
		},
	)

	JobsShortCircuited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_queue_jobs_short_circuited_total",
			Help: "Total number of redelivered jobs skipped because the record was already terminal",
		},
	)

	RateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_queue_rate_limit_waits_total",
			Help: "Total number of jobs delayed by the intake rate limit",
		},
	)

	// Log bus metrics
	LogEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_logbus_events_dropped_total",
			Help: "Total number of log events dropped on full subscriber buffers",
		},
	)

	LogSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_logbus_subscribers",
			Help: "Number of active log stream subscribers",
		},
	)

	// Artifact metrics
	ArtifactBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_artifact_bytes_total",
			Help: "Total artifact bytes uploaded by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(CompilationsTotal)
	prometheus.MustRegister(CompilationDuration)
	prometheus.MustRegister(CompilationsInFlight)
	prometheus.MustRegister(JobsConsumed)
	prometheus.MustRegister(JobsReclaimed)
	prometheus.MustRegister(JobsShortCircuited)
	prometheus.MustRegister(RateLimitWaits)
	prometheus.MustRegister(LogEventsDropped)
	prometheus.MustRegister(LogSubscribers)
	prometheus.MustRegister(ArtifactBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

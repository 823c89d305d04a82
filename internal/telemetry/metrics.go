package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every route served by
// the root router: health, metrics, and the /api/v1 batch and audit routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "contentcore",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Ambient HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ProviderAttemptsTotal counts provider call attempts by provider and outcome.
var ProviderAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "contentcore",
		Subsystem: "provider",
		Name:      "attempts_total",
		Help:      "Provider call attempts, labeled by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

// ProviderAttemptDuration tracks provider call latency.
var ProviderAttemptDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "contentcore",
		Subsystem: "provider",
		Name:      "attempt_duration_seconds",
		Help:      "Provider call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"provider"},
)

// BatchesTotal counts batches by terminal state.
var BatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "contentcore",
		Subsystem: "batch",
		Name:      "total",
		Help:      "Batches reaching a terminal state, labeled by state.",
	},
	[]string{"state"},
)

// PiecesGeneratedTotal counts persisted pieces by tier.
var PiecesGeneratedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "contentcore",
		Subsystem: "batch",
		Name:      "pieces_generated_total",
		Help:      "Persisted content pieces, labeled by tier.",
	},
	[]string{"tier"},
)

// CostUSDTotal accumulates accounted cost, labeled by operation and provider.
var CostUSDTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "contentcore",
		Subsystem: "cost",
		Name:      "usd_total",
		Help:      "Accounted cost in USD, labeled by operation and provider.",
	},
	[]string{"operation", "provider"},
)

// JobsQueueDepth reports the current number of queued-but-not-running jobs.
var JobsQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "contentcore",
		Subsystem: "jobmanager",
		Name:      "queue_depth",
		Help:      "Number of jobs waiting to be picked up by a worker.",
	},
)

// All returns the service-specific collectors registered alongside the
// Go/process collectors in NewMetricsRegistry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProviderAttemptsTotal,
		ProviderAttemptDuration,
		BatchesTotal,
		PiecesGeneratedTotal,
		CostUSDTotal,
		JobsQueueDepth,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

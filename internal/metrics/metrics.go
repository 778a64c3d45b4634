// Package metrics exposes Prometheus collectors for the execution pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snippetbox_executions_total",
			Help: "Total number of snippet executions by outcome",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snippetbox_execution_duration_seconds",
			Help:    "Wall-clock duration from spawn to termination",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language"},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snippetbox_active_executions",
			Help: "Number of child processes currently running",
		},
	)

	QueueWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snippetbox_queue_wait_seconds",
			Help:    "Time spent waiting for an execution slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	PackageInstalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snippetbox_package_installs_total",
			Help: "Package install attempts into execution environments",
		},
		[]string{"kind", "result"},
	)

	OutputTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snippetbox_output_truncations_total",
			Help: "Executions whose captured output hit the size cap",
		},
		[]string{"stream"},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snippetbox_cleanup_failures_total",
			Help: "Artifacts or environments that could not be removed",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snippetbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)

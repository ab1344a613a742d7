// Package metrics exposes Prometheus instrumentation for the sieve engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Script execution metrics
var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_executions_total",
			Help: "Total number of script executions",
		},
		[]string{"status"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_execution_duration_seconds",
			Help:    "Duration of script executions in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	CompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_compilations_total",
			Help: "Total number of script compilations",
		},
		[]string{"result"},
	)

	BinaryCorruptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieve_binary_corrupt_total",
			Help: "Total number of corrupt-binary detections at runtime",
		},
	)
)

// Result metrics
var (
	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_actions_executed_total",
			Help: "Total number of actions committed by script results",
		},
		[]string{"action"},
	)

	ActionsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_actions_failed_total",
			Help: "Total number of actions that failed to commit",
		},
		[]string{"action"},
	)

	ImplicitKeepTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieve_implicit_keep_total",
			Help: "Total number of implicit keep fallbacks",
		},
	)
)

// RecordExecution tracks a single script execution outcome.
func RecordExecution(status string, seconds float64) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDuration.Observe(seconds)
}

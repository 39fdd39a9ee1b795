// Package metrics registers the engine's Prometheus collectors. All
// collectors use the default registry; the API serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts finished executions by terminal status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftpipe",
		Name:      "executions_total",
		Help:      "Finished pipeline executions by terminal status.",
	}, []string{"status"})

	// ActiveExecutions tracks executions currently in the running state.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "draftpipe",
		Name:      "active_executions",
		Help:      "Executions currently running.",
	})

	// StepDuration observes wall-clock step latency by step type.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "draftpipe",
		Name:      "step_duration_seconds",
		Help:      "Step execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	// CacheHits and CacheMisses count semantic cache outcomes.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftpipe",
		Name:      "cache_hits_total",
		Help:      "Semantic cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftpipe",
		Name:      "cache_misses_total",
		Help:      "Semantic cache misses (including forced misses).",
	})

	// GatewayRetries counts retried gateway calls.
	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftpipe",
		Name:      "gateway_retries_total",
		Help:      "Gateway call retry attempts.",
	})

	// DuplicatesRejected counts invocations refused by duplicate detection.
	DuplicatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "draftpipe",
		Name:      "duplicates_rejected_total",
		Help:      "Invocations rejected as duplicates within the detection window.",
	})

	// BatchJobs counts per-item batch outcomes.
	BatchJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftpipe",
		Name:      "batch_jobs_total",
		Help:      "Batch items by outcome.",
	}, []string{"outcome"})
)

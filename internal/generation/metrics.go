package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationRequestsTotal counts provider calls.
	// Labels: provider, outcome (success, error)
	GenerationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Total number of generation provider calls",
		},
		[]string{"provider", "outcome"},
	)

	// GenerationSkippedTotal counts providers skipped by the fallback chain.
	// Labels: provider, reason
	GenerationSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "generation",
			Name:      "skipped_total",
			Help:      "Total number of providers skipped by the fallback chain",
		},
		[]string{"provider", "reason"},
	)

	// GenerationDuration tracks provider latency including retries.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Generation provider call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
)

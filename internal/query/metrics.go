package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts Query calls.
	// Labels: outcome (success, quota_exceeded, validation, embedding, retrieval, generation, error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "query",
			Name:      "queries_total",
			Help:      "Total number of queries by outcome",
		},
		[]string{"outcome"},
	)

	// Duration tracks end-to-end query latency.
	Duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Duration of queries in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// SourcesReturned tracks how many sources survive the relevance cutoff.
	SourcesReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "query",
			Name:      "sources_returned",
			Help:      "Number of sources returned per query",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		},
	)
)

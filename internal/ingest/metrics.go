package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsTotal counts AddDocument calls.
	// Labels: outcome (success or the error kind)
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total number of document ingestion attempts",
		},
		[]string{"outcome"},
	)

	Duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Duration of document ingestion in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	ChunksPerDocument = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "chunks_per_document",
			Help:      "Number of chunks created per ingested document",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

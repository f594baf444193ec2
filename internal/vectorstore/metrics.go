package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts tenant store operations.
	// Labels: operation (put, query, delete, list, stats), result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"operation", "result"},
	)

	// OperationDuration tracks how long tenant store operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// IsolationViolationsTotal counts cross-tenant data caught before it
	// reached a caller.
	IsolationViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "isolation_violations_total",
			Help:      "Total number of tenant isolation violations detected",
		},
	)

	// PendingDeletesReclaimed counts interrupted deletes finished by the sweeper.
	// Labels: result (success, error)
	PendingDeletesReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "pending_deletes_reclaimed_total",
			Help:      "Total number of interrupted deletes finished in the background",
		},
		[]string{"result"},
	)

	// QuarantineTotal counts corrupt chromem collections moved aside.
	// Labels: result (success, error)
	QuarantineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "quarantine_operations_total",
			Help:      "Total number of quarantine operations",
		},
		[]string{"result"},
	)
)

func observe(operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationsTotal.WithLabelValues(operation, "error").Inc()
		return
	}
	OperationsTotal.WithLabelValues(operation, "success").Inc()
}

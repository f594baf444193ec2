package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservationsTotal counts CheckAndReserve decisions.
	// Labels: outcome (granted, denied), dimension (set when denied)
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "quota",
			Name:      "reservations_total",
			Help:      "Total number of quota reservation decisions",
		},
		[]string{"outcome", "dimension"},
	)

	// SettlementsTotal counts reservation commits and releases.
	// Labels: action (commit, release, refund)
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "quota",
			Name:      "settlements_total",
			Help:      "Total number of reservation settlements",
		},
		[]string{"action"},
	)

	// ConflictsTotal counts optimistic write conflicts against the ledger store.
	ConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "quota",
			Name:      "store_conflicts_total",
			Help:      "Total number of ledger version conflicts",
		},
	)

	// ExpiredHoldsTotal counts holds dropped after their TTL.
	ExpiredHoldsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "quota",
			Name:      "expired_holds_total",
			Help:      "Total number of reservations that expired unsettled",
		},
	)

	// PeriodResetsTotal counts periodic counter resets.
	// Labels: dimension
	PeriodResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "quota",
			Name:      "period_resets_total",
			Help:      "Total number of periodic counter resets",
		},
		[]string{"dimension"},
	)
)

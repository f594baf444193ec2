// Package quota tracks per-tenant usage against plan limits.
//
// Capacity is taken in two phases. CheckAndReserve records a pending hold in
// the tenant's ledger record if usage plus all pending holds plus the request
// stays within every limit; Commit turns the hold into usage and Release drops
// it. Records are updated under a per-tenant mutex and persisted through a
// LedgerStore using an optimistic version check.
package quota

import (
	"fmt"
	"strings"
	"sync"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
)

// ParsePlan parses a plan name case-insensitively.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanBasic, PlanPremium:
		return true
	}
	return false
}

// Dimension is a metered quantity.
type Dimension string

const (
	DimDocuments    Dimension = "document_count"
	DimVectors      Dimension = "vector_count"
	DimStorageBytes Dimension = "storage_bytes"
	DimUploads      Dimension = "upload_count_per_period"
	DimQueries      Dimension = "query_count_per_period"
)

// Dimensions lists every dimension in check order. The first dimension that
// would exceed its limit is the one reported.
var Dimensions = []Dimension{DimDocuments, DimVectors, DimStorageBytes, DimUploads, DimQueries}

// Periodic reports whether the dimension resets on a calendar period.
func (d Dimension) Periodic() bool {
	return d == DimUploads || d == DimQueries
}

// Limits is the limit table of one plan. A zero limit is unlimited.
type Limits struct {
	Documents       int64 `yaml:"documents" json:"documents"`
	Vectors         int64 `yaml:"vectors" json:"vectors"`
	StorageBytes    int64 `yaml:"storage_bytes" json:"storage_bytes"`
	UploadsPerDay   int64 `yaml:"uploads_per_day" json:"uploads_per_day"`
	QueriesPerMonth int64 `yaml:"queries_per_month" json:"queries_per_month"`
}

// Of returns the limit for dim.
func (l Limits) Of(dim Dimension) int64 {
	switch dim {
	case DimDocuments:
		return l.Documents
	case DimVectors:
		return l.Vectors
	case DimStorageBytes:
		return l.StorageBytes
	case DimUploads:
		return l.UploadsPerDay
	case DimQueries:
		return l.QueriesPerMonth
	}
	return 0
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	for _, d := range Dimensions {
		if l.Of(d) < 0 {
			return fmt.Errorf("limit %s must not be negative", d)
		}
	}
	return nil
}

const mib = 1 << 20

// DefaultLimits returns the built-in limit table.
func DefaultLimits() map[Plan]Limits {
	return map[Plan]Limits{
		PlanFree: {
			Documents:       20,
			Vectors:         5000,
			StorageBytes:    50 * mib,
			UploadsPerDay:   25,
			QueriesPerMonth: 500,
		},
		PlanBasic: {
			Documents:       200,
			Vectors:         20000,
			StorageBytes:    200 * mib,
			UploadsPerDay:   50,
			QueriesPerMonth: 2000,
		},
		PlanPremium: {
			Documents:       1000,
			Vectors:         100000,
			StorageBytes:    1000 * mib,
			UploadsPerDay:   200,
			QueriesPerMonth: 10000,
		},
	}
}

// PlanTable holds the limit table in effect. It can be replaced at runtime
// when the plan overrides file changes.
type PlanTable struct {
	mu     sync.RWMutex
	limits map[Plan]Limits
}

// NewPlanTable returns a table seeded with DefaultLimits.
func NewPlanTable() *PlanTable {
	return &PlanTable{limits: DefaultLimits()}
}

// Limits returns the limits of plan p.
func (t *PlanTable) Limits(p Plan) Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.limits[p]; ok {
		return l
	}
	return t.limits[PlanFree]
}

// Apply merges overrides onto the default table and installs the result.
// Plans absent from overrides keep their default limits.
func (t *PlanTable) Apply(overrides map[Plan]Limits) error {
	next := DefaultLimits()
	for p, l := range overrides {
		if !p.Valid() {
			return fmt.Errorf("unknown plan %q", p)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("plan %s: %w", p, err)
		}
		next[p] = l
	}

	t.mu.Lock()
	t.limits = next
	t.mu.Unlock()
	return nil
}

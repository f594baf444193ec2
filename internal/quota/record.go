package quota

import (
	"time"
)

// Delta is the amount requested on each dimension.
type Delta struct {
	Documents    int64 `json:"documents,omitempty"`
	Vectors      int64 `json:"vectors,omitempty"`
	StorageBytes int64 `json:"storage_bytes,omitempty"`
	Uploads      int64 `json:"uploads,omitempty"`
	Queries      int64 `json:"queries,omitempty"`
}

// Of returns the delta for dim.
func (d Delta) Of(dim Dimension) int64 {
	switch dim {
	case DimDocuments:
		return d.Documents
	case DimVectors:
		return d.Vectors
	case DimStorageBytes:
		return d.StorageBytes
	case DimUploads:
		return d.Uploads
	case DimQueries:
		return d.Queries
	}
	return 0
}

// IsZero reports whether the delta requests nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Hold is a pending reservation stored in the tenant record.
type Hold struct {
	Delta     Delta     `json:"delta"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// settlement remembers how a reservation ended so repeated Commit or Release
// calls stay no-ops.
type settlement struct {
	Committed bool      `json:"committed"`
	Refunded  bool      `json:"refunded,omitempty"`
	At        time.Time `json:"at"`
}

// refundRetention is how long a document refund is remembered. It outlasts
// any retry of the delete that issued it.
const refundRetention = 7 * 24 * time.Hour

// refundKey is the Settled key of a document refund.
func refundKey(documentID string) string { return "refund:" + documentID }

// Record is the persisted ledger state of one tenant.
type Record struct {
	TenantID string              `json:"tenant_id"`
	Plan     Plan                `json:"plan"`
	Usage    map[Dimension]int64 `json:"usage"`
	// Periods holds the period key each periodic counter belongs to.
	Periods map[Dimension]string  `json:"periods"`
	Holds   map[string]Hold       `json:"holds"`
	Settled map[string]settlement `json:"settled,omitempty"`
	// Version increments on every successful write.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newRecord(tenantID string, plan Plan, now time.Time) *Record {
	r := &Record{
		TenantID:  tenantID,
		Plan:      plan,
		UpdatedAt: now,
	}
	r.init()
	for _, d := range Dimensions {
		if d.Periodic() {
			r.Periods[d] = PeriodKey(d, now)
		}
	}
	return r
}

func (r *Record) init() {
	if r.Usage == nil {
		r.Usage = make(map[Dimension]int64)
	}
	if r.Periods == nil {
		r.Periods = make(map[Dimension]string)
	}
	if r.Holds == nil {
		r.Holds = make(map[string]Hold)
	}
	if r.Settled == nil {
		r.Settled = make(map[string]settlement)
	}
	if r.Plan == "" {
		r.Plan = PlanFree
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Usage = make(map[Dimension]int64, len(r.Usage))
	for k, v := range r.Usage {
		c.Usage[k] = v
	}
	c.Periods = make(map[Dimension]string, len(r.Periods))
	for k, v := range r.Periods {
		c.Periods[k] = v
	}
	c.Holds = make(map[string]Hold, len(r.Holds))
	for k, v := range r.Holds {
		c.Holds[k] = v
	}
	c.Settled = make(map[string]settlement, len(r.Settled))
	for k, v := range r.Settled {
		c.Settled[k] = v
	}
	return &c
}

// pending sums the held amount on dim.
func (r *Record) pending(dim Dimension) int64 {
	var total int64
	for _, h := range r.Holds {
		total += h.Delta.Of(dim)
	}
	return total
}

// apply adds sign*delta to usage. Counters never go below zero.
func (r *Record) apply(d Delta, sign int64) {
	for _, dim := range Dimensions {
		v := d.Of(dim)
		if v == 0 {
			continue
		}
		next := r.Usage[dim] + sign*v
		if next < 0 {
			next = 0
		}
		r.Usage[dim] = next
	}
}

// rollover resets periodic counters whose stored period is older than the
// period containing now. It returns the dimensions that were reset.
//
// Keys are compared lexically, which orders YYYY-MM and YYYY-MM-DD keys
// chronologically, so a process with a lagging clock never rolls a counter
// back into an earlier period.
func (r *Record) rollover(now time.Time, dims ...Dimension) []Dimension {
	if len(dims) == 0 {
		dims = Dimensions
	}
	var reset []Dimension
	for _, d := range dims {
		if !d.Periodic() {
			continue
		}
		key := PeriodKey(d, now)
		if r.Periods[d] >= key {
			continue
		}
		r.Periods[d] = key
		r.Usage[d] = 0
		reset = append(reset, d)
	}
	return reset
}

// expireHolds drops holds whose TTL elapsed and forgets old settlements.
func (r *Record) expireHolds(now time.Time, settledRetention time.Duration) int {
	expired := 0
	for id, h := range r.Holds {
		if !now.Before(h.ExpiresAt) {
			delete(r.Holds, id)
			expired++
		}
	}
	for id, s := range r.Settled {
		keep := settledRetention
		if s.Refunded {
			keep = refundRetention
		}
		if now.Sub(s.At) > keep {
			delete(r.Settled, id)
		}
	}
	return expired
}

// PeriodKey returns the UTC calendar period containing t for a periodic
// dimension: YYYY-MM for queries, YYYY-MM-DD for uploads.
func PeriodKey(dim Dimension, t time.Time) string {
	t = t.UTC()
	switch dim {
	case DimQueries:
		return t.Format("2006-01")
	case DimUploads:
		return t.Format("2006-01-02")
	}
	return ""
}

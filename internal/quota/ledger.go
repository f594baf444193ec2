package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

const (
	// DefaultHoldTTL bounds how long an unsettled reservation pins capacity.
	DefaultHoldTTL = 10 * time.Minute

	defaultMaxAttempts = 8
)

// ErrReservationExpired is returned by Commit when the hold timed out before
// it was settled. The caller must undo whatever the reservation covered.
var ErrReservationExpired = errors.New("reservation expired")

// ExceededError describes a denied reservation.
type ExceededError struct {
	Dimension Dimension
	Limit     int64
	Current   int64
	Pending   int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: current %d + pending %d + requested %d exceeds limit %d",
		e.Dimension, e.Current, e.Pending, e.Requested, e.Limit)
}

// Reservation is a granted hold. It is settled with Commit or Release.
type Reservation struct {
	ID        string
	TenantID  string
	Delta     Delta
	ExpiresAt time.Time
}

// DimensionStatus reports usage on one dimension.
type DimensionStatus struct {
	Current    int64   `json:"current"`
	Pending    int64   `json:"pending"`
	Max        int64   `json:"max"`
	Percentage float64 `json:"percentage"`
}

// Status is a tenant's quota snapshot.
type Status struct {
	TenantID   string                        `json:"tenant_id"`
	Plan       Plan                          `json:"plan"`
	Dimensions map[Dimension]DimensionStatus `json:"dimensions"`
	Periods    map[Dimension]string          `json:"periods"`
	UpdatedAt  time.Time                     `json:"updated_at"`
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	HoldTTL     time.Duration
	DefaultPlan Plan
	// MaxAttempts bounds read-modify-write retries on version conflicts.
	MaxAttempts int
	// OnExceeded is called after a reservation is denied.
	OnExceeded func(ctx context.Context, tenantID string, dim Dimension)
	// Now overrides the clock.
	Now func() time.Time
}

func (c *LedgerConfig) applyDefaults() {
	if c.HoldTTL <= 0 {
		c.HoldTTL = DefaultHoldTTL
	}
	if !c.DefaultPlan.Valid() {
		c.DefaultPlan = PlanFree
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Ledger enforces plan limits for all tenants.
type Ledger struct {
	store  LedgerStore
	plans  *PlanTable
	cfg    LedgerConfig
	logger *zap.Logger

	locks *tenantLocks

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// NewLedger creates a ledger over store. A nil plans table uses the defaults.
func NewLedger(store LedgerStore, plans *PlanTable, cfg LedgerConfig, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if plans == nil {
		plans = NewPlanTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Ledger{
		store:  store,
		plans:  plans,
		cfg:    cfg,
		logger: logger,
		locks:  newTenantLocks(),
		seen:   make(map[string]struct{}),
	}, nil
}

// Plans returns the plan table in use.
func (l *Ledger) Plans() *PlanTable { return l.plans }

// errNoWrite tells update that the mutation left nothing to persist.
var errNoWrite = errors.New("no write")

// update runs fn against the tenant's current record and persists the result.
// Period rollover and hold expiry are applied before fn sees the record. On a
// version conflict the whole read-modify-write is retried.
func (l *Ledger) update(ctx context.Context, tenantID string, fn func(rec *Record, now time.Time, rolled []Dimension) error) (*Record, error) {
	unlock := l.locks.lock(tenantID)
	defer unlock()

	l.markSeen(tenantID)

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := l.cfg.Now().UTC()
		rec, err := l.store.Get(ctx, tenantID)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			rec = newRecord(tenantID, l.cfg.DefaultPlan, now)
		case err != nil:
			return nil, err
		}

		rolled := rec.rollover(now)
		expired := rec.expireHolds(now, 2*l.cfg.HoldTTL)

		if err := fn(rec, now, rolled); err != nil {
			if !errors.Is(err, errNoWrite) {
				return nil, err
			}
			// Persist housekeeping even when fn changed nothing.
			if len(rolled) == 0 && expired == 0 {
				return rec, nil
			}
		}

		expected := rec.Version
		rec.Version++
		rec.UpdatedAt = now
		err = l.store.CompareAndSwap(ctx, rec, expected)
		if errors.Is(err, ErrConflict) {
			ConflictsTotal.Inc()
			l.logger.Debug("ledger version conflict, retrying",
				zap.String("tenant_id", tenantID),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, d := range rolled {
			PeriodResetsTotal.WithLabelValues(string(d)).Inc()
		}
		if expired > 0 {
			ExpiredHoldsTotal.Add(float64(expired))
			l.logger.Warn("dropped expired quota holds",
				zap.String("tenant_id", tenantID),
				zap.Int("count", expired))
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrConflict, l.cfg.MaxAttempts)
}

// CheckAndReserve reserves delta for tenantID if every dimension stays within
// the plan limit once all pending holds are counted. Either every dimension is
// reserved or none is. Denials are *ragerr.Error of kind QuotaExceeded
// wrapping an *ExceededError for the first failing dimension.
func (l *Ledger) CheckAndReserve(ctx context.Context, tenantID string, delta Delta) (*Reservation, error) {
	var (
		res    *Reservation
		denied *ExceededError
	)
	_, err := l.update(ctx, tenantID, func(rec *Record, now time.Time, _ []Dimension) error {
		res, denied = nil, nil
		limits := l.plans.Limits(rec.Plan)
		for _, dim := range Dimensions {
			req := delta.Of(dim)
			if req == 0 {
				continue
			}
			current, pending, limit := rec.Usage[dim], rec.pending(dim), limits.Of(dim)
			if limit > 0 && current+pending+req > limit {
				denied = &ExceededError{
					Dimension: dim,
					Limit:     limit,
					Current:   current,
					Pending:   pending,
					Requested: req,
				}
				return errNoWrite
			}
		}

		res = &Reservation{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Delta:     delta,
			ExpiresAt: now.Add(l.cfg.HoldTTL),
		}
		rec.Holds[res.ID] = Hold{Delta: delta, CreatedAt: now, ExpiresAt: res.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, ragerr.Internal("CheckAndReserve", err)
	}

	if denied != nil {
		ReservationsTotal.WithLabelValues("denied", string(denied.Dimension)).Inc()
		l.logger.Info("quota reservation denied",
			zap.String("tenant_id", tenantID),
			zap.String("dimension", string(denied.Dimension)),
			zap.Int64("limit", denied.Limit),
			zap.Int64("current", denied.Current),
			zap.Int64("pending", denied.Pending),
			zap.Int64("requested", denied.Requested))
		if l.cfg.OnExceeded != nil {
			l.cfg.OnExceeded(ctx, tenantID, denied.Dimension)
		}
		return nil, ragerr.QuotaExceeded("CheckAndReserve", string(denied.Dimension), denied)
	}

	ReservationsTotal.WithLabelValues("granted", "").Inc()
	return res, nil
}

// Commit moves the reservation's hold into usage. Committing an already
// settled reservation is a no-op. A hold that expired before Commit yields
// ErrReservationExpired.
func (l *Ledger) Commit(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	_, err := l.update(ctx, res.TenantID, func(rec *Record, now time.Time, _ []Dimension) error {
		if _, done := rec.Settled[res.ID]; done {
			return errNoWrite
		}
		hold, ok := rec.Holds[res.ID]
		if !ok {
			return ErrReservationExpired
		}
		delete(rec.Holds, res.ID)
		rec.apply(hold.Delta, 1)
		rec.Settled[res.ID] = settlement{Committed: true, At: now}
		return nil
	})
	if err != nil {
		return err
	}
	SettlementsTotal.WithLabelValues("commit").Inc()
	return nil
}

// Release drops the reservation's hold. Releasing a settled or expired
// reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	_, err := l.update(ctx, res.TenantID, func(rec *Record, now time.Time, _ []Dimension) error {
		if _, ok := rec.Holds[res.ID]; !ok {
			return errNoWrite
		}
		delete(rec.Holds, res.ID)
		rec.Settled[res.ID] = settlement{At: now}
		return nil
	})
	if err != nil {
		return err
	}
	SettlementsTotal.WithLabelValues("release").Inc()
	return nil
}

// Refund subtracts delta from usage when documentID is deleted. Period
// counters are never refunded. A second refund for the same document is a
// no-op, so a delete that is retried after an ambiguous failure cannot
// refund twice.
func (l *Ledger) Refund(ctx context.Context, tenantID, documentID string, delta Delta) error {
	delta.Uploads, delta.Queries = 0, 0
	if delta.IsZero() {
		return nil
	}
	if documentID == "" {
		return errors.New("refund requires a document ID")
	}
	key := refundKey(documentID)
	applied := false
	_, err := l.update(ctx, tenantID, func(rec *Record, now time.Time, _ []Dimension) error {
		applied = false
		if _, done := rec.Settled[key]; done {
			return errNoWrite
		}
		rec.apply(delta, -1)
		rec.Settled[key] = settlement{Refunded: true, At: now}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		SettlementsTotal.WithLabelValues("refund").Inc()
	}
	return nil
}

// ResetPeriodic resets the given periodic counters if at falls in a later
// period than the stored one. Calling it again within the same period changes
// nothing. With no dimensions, every periodic dimension is considered.
func (l *Ledger) ResetPeriodic(ctx context.Context, tenantID string, dims []Dimension, at time.Time) ([]Dimension, error) {
	var reset, extra []Dimension
	_, err := l.update(ctx, tenantID, func(rec *Record, _ time.Time, rolled []Dimension) error {
		extra = rec.rollover(at.UTC(), dims...)
		reset = append(append([]Dimension(nil), rolled...), extra...)
		if len(extra) == 0 {
			return errNoWrite
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range extra {
		PeriodResetsTotal.WithLabelValues(string(d)).Inc()
	}
	return reset, nil
}

// SetPlan changes the tenant's plan. Existing usage is kept; a downgrade below
// current usage only blocks further reservations.
func (l *Ledger) SetPlan(ctx context.Context, tenantID string, plan Plan) (*Status, error) {
	if !plan.Valid() {
		return nil, ragerr.Validation("SetPlan", fmt.Sprintf("unknown plan %q", plan))
	}
	rec, err := l.update(ctx, tenantID, func(rec *Record, _ time.Time, _ []Dimension) error {
		if rec.Plan == plan {
			return errNoWrite
		}
		rec.Plan = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("tenant plan updated",
		zap.String("tenant_id", tenantID),
		zap.String("plan", string(plan)))
	return l.statusOf(rec), nil
}

// Status returns the tenant's current usage. Unknown tenants report zero
// usage on the default plan without creating a record.
func (l *Ledger) Status(ctx context.Context, tenantID string) (*Status, error) {
	now := l.cfg.Now().UTC()
	rec, err := l.store.Get(ctx, tenantID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = newRecord(tenantID, l.cfg.DefaultPlan, now)
	case err != nil:
		return nil, err
	}
	rec.rollover(now)
	rec.expireHolds(now, 2*l.cfg.HoldTTL)
	return l.statusOf(rec), nil
}

func (l *Ledger) statusOf(rec *Record) *Status {
	limits := l.plans.Limits(rec.Plan)
	st := &Status{
		TenantID:   rec.TenantID,
		Plan:       rec.Plan,
		Dimensions: make(map[Dimension]DimensionStatus, len(Dimensions)),
		Periods:    make(map[Dimension]string, len(rec.Periods)),
		UpdatedAt:  rec.UpdatedAt,
	}
	for _, dim := range Dimensions {
		ds := DimensionStatus{
			Current: rec.Usage[dim],
			Pending: rec.pending(dim),
			Max:     limits.Of(dim),
		}
		if ds.Max > 0 {
			ds.Percentage = float64(ds.Current) / float64(ds.Max) * 100
		}
		st.Dimensions[dim] = ds
	}
	for k, v := range rec.Periods {
		st.Periods[k] = v
	}
	return st
}

// Tenants lists every tenant with a ledger record.
func (l *Ledger) Tenants(ctx context.Context) ([]string, error) {
	return l.store.ListTenants(ctx)
}

func (l *Ledger) markSeen(tenantID string) {
	l.seenMu.Lock()
	l.seen[tenantID] = struct{}{}
	l.seenMu.Unlock()
}

// DrainSeen returns the tenants touched since the previous call.
func (l *Ledger) DrainSeen() []string {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	ids := make([]string, 0, len(l.seen))
	for id := range l.seen {
		ids = append(ids, id)
	}
	l.seen = make(map[string]struct{})
	return ids
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

package quota

import "sync"

// tenantLocks serializes ledger updates per tenant. An entry lives only while
// some caller holds or waits for it, so the map is bounded by in-flight
// tenants rather than every tenant ever seen.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*tenantLock)}
}

// lock blocks until the caller owns tenantID's lock and returns the matching
// unlock.
func (t *tenantLocks) lock(tenantID string) func() {
	t.mu.Lock()
	l, ok := t.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		t.locks[tenantID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, tenantID)
		}
		t.mu.Unlock()
	}
}

func (t *tenantLocks) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

package quota

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrRecordNotFound is returned by LedgerStore.Get for unknown tenants.
	ErrRecordNotFound = errors.New("ledger record not found")

	// ErrConflict is returned by CompareAndSwap when the stored version no
	// longer matches the expected one.
	ErrConflict = errors.New("ledger record version conflict")
)

// LedgerStore persists ledger records.
//
// CompareAndSwap writes rec only if the stored version equals expected. An
// expected version of zero means the record must not exist yet.
type LedgerStore interface {
	Get(ctx context.Context, tenantID string) (*Record, error)
	CompareAndSwap(ctx context.Context, rec *Record, expected int64) error
	ListTenants(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore is a process-local LedgerStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[tenantID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, rec *Record, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.TenantID]
	switch {
	case !ok && expected != 0:
		return ErrConflict
	case ok && current.Version != expected:
		return ErrConflict
	}
	s.records[rec.TenantID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

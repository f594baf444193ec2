package vectorstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type catalogKey struct {
	tenantID   string
	documentID string
}

type memoryRow struct {
	doc       Document
	claimedAt time.Time
}

// MemoryCatalog is a process-local Catalog.
type MemoryCatalog struct {
	mu   sync.RWMutex
	rows map[catalogKey]*memoryRow
	now  func() time.Time
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{rows: make(map[catalogKey]*memoryRow), now: time.Now}
}

func (c *MemoryCatalog) Insert(_ context.Context, doc Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := catalogKey{doc.TenantID, doc.ID}
	if _, ok := c.rows[key]; ok {
		return ErrDocumentExists
	}
	c.rows[key] = &memoryRow{doc: doc}
	return nil
}

func (c *MemoryCatalog) Get(_ context.Context, tenantID, documentID string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[catalogKey{tenantID, documentID}]
	if !ok || !row.claimedAt.IsZero() {
		return Document{}, ErrDocumentNotFound
	}
	return row.doc, nil
}

func (c *MemoryCatalog) Claim(_ context.Context, tenantID, documentID string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[catalogKey{tenantID, documentID}]
	if !ok || !row.claimedAt.IsZero() {
		return Document{}, ErrDocumentNotFound
	}
	row.claimedAt = c.now()
	return row.doc, nil
}

func (c *MemoryCatalog) Remove(_ context.Context, tenantID, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, catalogKey{tenantID, documentID})
	return nil
}

func (c *MemoryCatalog) Restore(_ context.Context, tenantID, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if row, ok := c.rows[catalogKey{tenantID, documentID}]; ok {
		row.claimedAt = time.Time{}
	}
	return nil
}

func (c *MemoryCatalog) Abandon(_ context.Context, doc Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc.Orphaned = true
	c.rows[catalogKey{doc.TenantID, doc.ID}] = &memoryRow{doc: doc, claimedAt: c.now()}
	return nil
}

func (c *MemoryCatalog) Pending(_ context.Context, claimedBefore time.Time) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Document
	for _, row := range c.rows {
		if !row.claimedAt.IsZero() && row.claimedAt.Before(claimedBefore) {
			out = append(out, row.doc)
		}
	}
	return out, nil
}

func (c *MemoryCatalog) visible(tenantID string) []Document {
	var docs []Document
	for key, row := range c.rows {
		if key.tenantID == tenantID && row.claimedAt.IsZero() {
			docs = append(docs, row.doc)
		}
	}
	return docs
}

func (c *MemoryCatalog) List(_ context.Context, tenantID string, opts ListOptions) (Page, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return Page{}, err
	}

	c.mu.RLock()
	docs := c.visible(tenantID)
	c.mu.RUnlock()

	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		filtered := docs[:0]
		for _, d := range docs {
			if strings.Contains(strings.ToLower(d.Title), needle) {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}

	sort.SliceStable(docs, func(i, j int) bool {
		cmp := compareDocuments(docs[i], docs[j], opts.SortBy)
		if opts.SortOrder == SortDesc {
			return cmp > 0
		}
		return cmp < 0
	})

	total := len(docs)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)
	return newPage(append([]Document(nil), docs[start:end]...), total, opts), nil
}

// compareDocuments orders by field, then by ID so pages are stable.
func compareDocuments(a, b Document, field SortField) int {
	var cmp int
	switch field {
	case SortByTitle:
		cmp = strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	case SortByVectorCount:
		cmp = a.VectorCount - b.VectorCount
	case SortByContentLength:
		cmp = compareInt64(a.ContentLength, b.ContentLength)
	default:
		cmp = a.CreatedAt.Compare(b.CreatedAt)
	}
	if cmp == 0 {
		cmp = strings.Compare(a.ID, b.ID)
	}
	return cmp
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (c *MemoryCatalog) Stats(_ context.Context, tenantID string) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var s Stats
	for _, d := range c.visible(tenantID) {
		s.Documents++
		s.Vectors += d.VectorCount
		s.StorageBytes += d.ContentLength
		if d.CreatedAt.After(s.LastUpdated) {
			s.LastUpdated = d.CreatedAt
		}
	}
	return s, nil
}

func (c *MemoryCatalog) Close() error { return nil }

var _ Catalog = (*MemoryCatalog)(nil)

package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogFactory func(t *testing.T) Catalog

func catalogs() map[string]catalogFactory {
	return map[string]catalogFactory{
		"memory": func(t *testing.T) Catalog { return NewMemoryCatalog() },
		"sqlite": func(t *testing.T) Catalog {
			c, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })
			return c
		},
	}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedDocs(t *testing.T, c Catalog, tenantID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Insert(ctx, Document{
			ID:            fmt.Sprintf("doc-%02d", i),
			TenantID:      tenantID,
			Title:         fmt.Sprintf("Title %02d", i),
			ContentLength: int64(100 * (n - i)),
			VectorCount:   i%3 + 1,
			CreatedAt:     epoch.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestCatalog_InsertGet(t *testing.T) {
	for name, newCatalog := range catalogs() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newCatalog(t)

			doc := Document{ID: "d1", TenantID: "alice", Title: "Guide", ContentLength: 42, VectorCount: 2, CreatedAt: epoch}
			require.NoError(t, c.Insert(ctx, doc))
			assert.ErrorIs(t, c.Insert(ctx, doc), ErrDocumentExists)

			got, err := c.Get(ctx, "alice", "d1")
			require.NoError(t, err)
			assert.Equal(t, doc, got)

			_, err = c.Get(ctx, "bob", "d1")
			assert.ErrorIs(t, err, ErrDocumentNotFound)
		})
	}
}

func TestCatalog_ClaimLifecycle(t *testing.T) {
	for name, newCatalog := range catalogs() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newCatalog(t)
			seedDocs(t, c, "alice", 1)

			doc, err := c.Claim(ctx, "alice", "doc-00")
			require.NoError(t, err)
			assert.Equal(t, "doc-00", doc.ID)

			_, err = c.Claim(ctx, "alice", "doc-00")
			assert.ErrorIs(t, err, ErrDocumentNotFound, "second claim must fail")
			_, err = c.Get(ctx, "alice", "doc-00")
			assert.ErrorIs(t, err, ErrDocumentNotFound, "claimed rows are hidden")

			pending, err := c.Pending(ctx, time.Now().Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "alice", pending[0].TenantID)

			require.NoError(t, c.Restore(ctx, "alice", "doc-00"))
			_, err = c.Get(ctx, "alice", "doc-00")
			require.NoError(t, err)

			_, err = c.Claim(ctx, "alice", "doc-00")
			require.NoError(t, err)
			require.NoError(t, c.Remove(ctx, "alice", "doc-00"))
			pending, err = c.Pending(ctx, time.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestCatalog_ConcurrentClaim(t *testing.T) {
	for name, newCatalog := range catalogs() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newCatalog(t)
			seedDocs(t, c, "alice", 1)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := c.Claim(ctx, "alice", "doc-00"); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestCatalog_List(t *testing.T) {
	for name, newCatalog := range catalogs() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newCatalog(t)
			seedDocs(t, c, "alice", 25)
			seedDocs(t, c, "bob", 3)

			page, err := c.List(ctx, "alice", ListOptions{})
			require.NoError(t, err)
			assert.Equal(t, 25, page.Total)
			assert.Len(t, page.Items, DefaultListLimit)
			assert.True(t, page.HasMore)
			assert.Equal(t, "doc-24", page.Items[0].ID, "default sort is newest first")

			page, err = c.List(ctx, "alice", ListOptions{Limit: 10, Offset: 20})
			require.NoError(t, err)
			assert.Len(t, page.Items, 5)
			assert.False(t, page.HasMore)

			page, err = c.List(ctx, "alice", ListOptions{Offset: 100})
			require.NoError(t, err)
			assert.Empty(t, page.Items)
			assert.NotNil(t, page.Items)

			page, err = c.List(ctx, "alice", ListOptions{SortBy: SortByTitle, SortOrder: SortAsc, Limit: 3})
			require.NoError(t, err)
			require.Len(t, page.Items, 3)
			assert.Equal(t, []string{"doc-00", "doc-01", "doc-02"}, ids(page.Items))

			page, err = c.List(ctx, "alice", ListOptions{SortBy: SortByContentLength, SortOrder: SortAsc, Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, "doc-24", page.Items[0].ID)

			page, err = c.List(ctx, "alice", ListOptions{Search: "  title 1 "})
			require.NoError(t, err)
			assert.Equal(t, 10, page.Total, "titles 10-19 match")

			page, err = c.List(ctx, "bob", ListOptions{Limit: 100})
			require.NoError(t, err)
			assert.Equal(t, 3, page.Total)
			for _, d := range page.Items {
				assert.Equal(t, "bob", d.TenantID)
			}

			_, err = c.List(ctx, "alice", ListOptions{Limit: 101})
			assert.Error(t, err)
			_, err = c.List(ctx, "alice", ListOptions{SortBy: "owner"})
			assert.Error(t, err)
		})
	}
}

func TestCatalog_Stats(t *testing.T) {
	for name, newCatalog := range catalogs() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newCatalog(t)

			st, err := c.Stats(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, Stats{}, st)

			seedDocs(t, c, "alice", 3)
			_, err = c.Claim(ctx, "alice", "doc-02")
			require.NoError(t, err)

			st, err = c.Stats(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 2, st.Documents)
			assert.Equal(t, 1+2, st.Vectors)
			assert.Equal(t, int64(300+200), st.StorageBytes)
			assert.True(t, st.LastUpdated.Equal(epoch.Add(time.Minute)))
		})
	}
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      ListOptions
		want    ListOptions
		wantErr bool
	}{
		{"defaults", ListOptions{}, ListOptions{Limit: 20, SortBy: SortByCreatedAt, SortOrder: SortDesc}, false},
		{"case folded", ListOptions{Limit: 5, SortBy: "TITLE", SortOrder: "ASC"}, ListOptions{Limit: 5, SortBy: SortByTitle, SortOrder: SortAsc}, false},
		{"limit too large", ListOptions{Limit: 101}, ListOptions{}, true},
		{"negative limit", ListOptions{Limit: -1}, ListOptions{}, true},
		{"negative offset", ListOptions{Offset: -1}, ListOptions{}, true},
		{"bad order", ListOptions{SortOrder: "sideways"}, ListOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

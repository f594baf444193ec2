package vectorstore

import (
	"fmt"
	"strings"
	"time"
)

// Payload keys stored with every vector.
const (
	payloadTenantID   = "tenant_id"
	payloadDocumentID = "document_id"
	payloadChunkIndex = "chunk_index"
	payloadTitle      = "title"
	payloadContent    = "content"
)

// Chunk is one embedded slice of a document.
type Chunk struct {
	ID         string
	DocumentID string
	TenantID   string
	Index      int
	Title      string
	Content    string
	Vector     []float32
}

// ScoredChunk is a query result. Vector is not populated.
type ScoredChunk struct {
	Chunk
	// Score is the cosine similarity to the query vector.
	Score float32
}

// Document is a catalog row.
type Document struct {
	ID       string    `json:"document_id"`
	TenantID string    `json:"-"`
	Title    string    `json:"title"`
	// ContentLength is the stored size in bytes, summed over chunks.
	ContentLength int64     `json:"content_length"`
	VectorCount   int       `json:"vector_count"`
	CreatedAt     time.Time `json:"created_at"`
	// Orphaned marks a row recorded only so the sweeper removes vectors
	// whose write was never charged to the tenant's quota.
	Orphaned bool `json:"-"`
}

// SortField names a listing sort column.
type SortField string

const (
	SortByCreatedAt     SortField = "created_at"
	SortByTitle         SortField = "title"
	SortByVectorCount   SortField = "vector_count"
	SortByContentLength SortField = "content_length"
)

// SortOrder is asc or desc.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Listing bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions selects a page of documents.
type ListOptions struct {
	Limit     int
	Offset    int
	Search    string
	SortBy    SortField
	SortOrder SortOrder
}

// Normalize applies defaults and validates the options. A zero Limit means
// DefaultListLimit.
func (o ListOptions) Normalize() (ListOptions, error) {
	if o.Limit == 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit < 1 || o.Limit > MaxListLimit {
		return o, fmt.Errorf("limit must be between 1 and %d, got %d", MaxListLimit, o.Limit)
	}
	if o.Offset < 0 {
		return o, fmt.Errorf("offset must be non-negative, got %d", o.Offset)
	}
	o.SortBy = SortField(strings.ToLower(string(o.SortBy)))
	switch o.SortBy {
	case "":
		o.SortBy = SortByCreatedAt
	case SortByCreatedAt, SortByTitle, SortByVectorCount, SortByContentLength:
	default:
		return o, fmt.Errorf("unsupported sort field %q", o.SortBy)
	}
	o.SortOrder = SortOrder(strings.ToLower(string(o.SortOrder)))
	switch o.SortOrder {
	case "":
		o.SortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return o, fmt.Errorf("unsupported sort order %q", o.SortOrder)
	}
	o.Search = strings.TrimSpace(o.Search)
	return o, nil
}

// Page is one page of a listing.
type Page struct {
	Items   []Document `json:"documents"`
	Total   int        `json:"total"`
	HasMore bool       `json:"has_more"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
}

func newPage(items []Document, total int, opts ListOptions) Page {
	if items == nil {
		items = []Document{}
	}
	return Page{
		Items:   items,
		Total:   total,
		HasMore: opts.Offset+len(items) < total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}
}

// Stats summarizes a tenant's documents.
type Stats struct {
	Documents    int       `json:"document_count"`
	Vectors      int       `json:"vector_count"`
	StorageBytes int64     `json:"storage_bytes"`
	LastUpdated  time.Time `json:"last_updated,omitempty"`
}

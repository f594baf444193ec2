// Package vectorstore stores document chunks and their embeddings per tenant.
//
// Storage is split in two. A Backend holds chunk vectors in one collection
// per tenant namespace and answers similarity queries. A Catalog holds one
// row per document and serves listing, statistics and delete claims.
// TenantStore ties both together and is the only type request code uses: it
// derives the namespace from the tenant ID on every call and refuses any
// chunk or result whose tenant does not match the caller.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrDocumentNotFound is returned for unknown or already deleted documents.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists is returned when inserting a duplicate document ID.
	ErrDocumentExists = errors.New("document already exists")

	// ErrIsolationViolation is returned when data of one tenant reaches
	// another tenant's call.
	ErrIsolationViolation = errors.New("tenant isolation violation")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyChunks indicates a Put without chunks.
	ErrEmptyChunks = errors.New("empty or nil chunks")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Backend stores chunk vectors, one collection per namespace.
//
// Implementations:
//   - ChromemBackend: embedded chromem-go (default)
//   - QdrantBackend: external Qdrant over gRPC
type Backend interface {
	// Upsert writes chunks into the namespace's collection, creating it on
	// first use. Every chunk carries its tenant ID and document ID as payload.
	Upsert(ctx context.Context, namespace string, chunks []Chunk) error

	// Query returns up to k chunks ordered by descending cosine similarity.
	// An empty or missing collection yields no results.
	Query(ctx context.Context, namespace string, vector []float32, k int) ([]ScoredChunk, error)

	// DeleteDocument removes every chunk of documentID. Deleting a document
	// with no chunks is not an error.
	DeleteDocument(ctx context.Context, namespace, documentID string) error

	// Count returns the number of chunks in the namespace.
	Count(ctx context.Context, namespace string) (int, error)

	// Health reports whether the backend can serve requests.
	Health(ctx context.Context) error

	Close() error
}

// Catalog records one row per document.
//
// Delete is two-phase: Claim hides the row and hands it to exactly one
// caller, which then either Removes it after the vectors are gone or
// Restores it when vector deletion failed.
type Catalog interface {
	// Insert adds a document. Returns ErrDocumentExists on duplicate IDs.
	Insert(ctx context.Context, doc Document) error

	// Get returns a visible document or ErrDocumentNotFound.
	Get(ctx context.Context, tenantID, documentID string) (Document, error)

	// Claim marks a visible document as being deleted and returns it.
	// Concurrent claims of one document succeed at most once; the rest
	// get ErrDocumentNotFound.
	Claim(ctx context.Context, tenantID, documentID string) (Document, error)

	// Remove deletes a claimed document's row.
	Remove(ctx context.Context, tenantID, documentID string) error

	// Restore makes a claimed document visible again.
	Restore(ctx context.Context, tenantID, documentID string) error

	// Abandon records doc as a claimed, orphaned row, replacing any row with
	// the same ID, so the sweeper removes its vectors without a refund.
	Abandon(ctx context.Context, doc Document) error

	// Pending returns documents claimed before the cutoff that were never
	// removed or restored.
	Pending(ctx context.Context, claimedBefore time.Time) ([]Document, error)

	// List returns a page of visible documents.
	List(ctx context.Context, tenantID string, opts ListOptions) (Page, error)

	// Stats aggregates a tenant's visible documents.
	Stats(ctx context.Context, tenantID string) (Stats, error)

	Close() error
}

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/resilience"
)

var storeTracer = otel.Tracer("ragd.vectorstore")

// TenantStoreConfig configures NewTenantStore.
type TenantStoreConfig struct {
	// Timeout bounds each backend or catalog call. Zero disables it.
	Timeout time.Duration
	// Retry applies to transient backend failures.
	Retry resilience.RetryConfig
	// CleanupTimeout bounds rollback work that runs after the caller's
	// context is done. Default: 10s.
	CleanupTimeout time.Duration
}

// TenantStore is the tenant-scoped entry point to a Backend and a Catalog.
type TenantStore struct {
	backend        Backend
	catalog        Catalog
	policy         resilience.Policy
	cleanupTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewTenantStore combines backend and catalog.
func NewTenantStore(backend Backend, catalog Catalog, cfg TenantStoreConfig, logger *zap.Logger) *TenantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	return &TenantStore{
		backend:        backend,
		catalog:        catalog,
		policy:         resilience.Policy{Timeout: cfg.Timeout, Retry: cfg.Retry},
		cleanupTimeout: cfg.CleanupTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// ChunkID returns the stable ID of a document's index-th chunk.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID+"#"+strconv.Itoa(index))).String()
}

// cleanupContext outlives the caller's cancellation so rollback can finish.
func (s *TenantStore) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
}

// Put stores doc's chunks and catalog row. On any failure, chunks already
// written are removed before returning.
func (s *TenantStore) Put(ctx context.Context, tenantID string, doc Document, chunks []Chunk) (Document, error) {
	start := s.now()
	ctx, span := storeTracer.Start(ctx, "TenantStore.Put")
	defer span.End()

	sc, err := newScope("Put", tenantID)
	if err != nil {
		return Document{}, err
	}
	if len(chunks) == 0 {
		return Document{}, ragerr.Validation("Put", ErrEmptyChunks.Error())
	}
	if doc.ID == "" {
		return Document{}, ragerr.Validation("Put", "document ID is required")
	}
	if doc.TenantID == "" {
		doc.TenantID = tenantID
	}
	if err := sc.checkDocument(s.logger, doc); err != nil {
		return Document{}, err
	}
	if err := sc.checkChunks(s.logger, chunks); err != nil {
		return Document{}, err
	}

	var size int64
	for i := range chunks {
		if chunks[i].DocumentID != doc.ID {
			return Document{}, ragerr.Validation("Put", fmt.Sprintf("chunk %d belongs to document %q", i, chunks[i].DocumentID))
		}
		if chunks[i].ID == "" {
			chunks[i].ID = ChunkID(doc.ID, chunks[i].Index)
		}
		if chunks[i].Title == "" {
			chunks[i].Title = doc.Title
		}
		size += int64(len(chunks[i].Content))
	}
	doc.VectorCount = len(chunks)
	doc.ContentLength = size
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
	}
	span.SetAttributes(attribute.String("namespace", sc.namespace), attribute.Int("chunk_count", len(chunks)))

	// Chunk IDs derive from the document ID, so writing a duplicate would
	// overwrite the existing document's vectors.
	if _, err := s.catalog.Get(ctx, tenantID, doc.ID); err == nil {
		return Document{}, ragerr.Validation("Put", "document "+doc.ID+" already exists")
	} else if !errors.Is(err, ErrDocumentNotFound) {
		return Document{}, fmt.Errorf("checking document %s: %w", doc.ID, err)
	}

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		return s.backend.Upsert(ctx, sc.namespace, chunks)
	})
	if err == nil {
		err = s.policy.Do(ctx, func(ctx context.Context) error {
			return s.catalog.Insert(ctx, doc)
		})
	}
	if err != nil {
		observe("put", start, err)
		span.RecordError(err)
		if errors.Is(err, ErrDocumentExists) {
			return Document{}, ragerr.Validation("Put", "document "+doc.ID+" already exists")
		}
		if derr := s.discard(ctx, sc, doc); derr != nil {
			err = errors.Join(err, derr)
		}
		return Document{}, fmt.Errorf("storing document %s: %w", doc.ID, err)
	}

	observe("put", start, nil)
	s.logger.Debug("stored document",
		zap.String("namespace", sc.namespace),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return doc, nil
}

// Discard removes a stored document that was never charged to the tenant's
// quota, for example after the reservation failed to commit.
func (s *TenantStore) Discard(ctx context.Context, tenantID string, doc Document) error {
	sc, err := newScope("Discard", tenantID)
	if err != nil {
		return err
	}
	if doc.TenantID == "" {
		doc.TenantID = tenantID
	}
	if err := sc.checkDocument(s.logger, doc); err != nil {
		return err
	}
	return s.discard(ctx, sc, doc)
}

// discard deletes doc's vectors and catalog row with retries. When that
// fails, the row is left claimed and orphaned so the Sweeper finishes the job;
// the returned error is non-nil only if even that could not be recorded.
func (s *TenantStore) discard(ctx context.Context, sc scope, doc Document) error {
	cctx, cancel := s.cleanupContext(ctx)
	defer cancel()

	err := s.policy.Do(cctx, func(ctx context.Context) error {
		return s.backend.DeleteDocument(ctx, sc.namespace, doc.ID)
	})
	if err == nil {
		err = s.policy.Do(cctx, func(ctx context.Context) error {
			return s.catalog.Remove(ctx, doc.TenantID, doc.ID)
		})
	}
	if err == nil {
		return nil
	}

	s.logger.Warn("document cleanup failed, leaving it to the sweeper",
		zap.String("namespace", sc.namespace),
		zap.String("document_id", doc.ID),
		zap.Error(err))
	aerr := s.policy.Do(cctx, func(ctx context.Context) error {
		return s.catalog.Abandon(ctx, doc)
	})
	if aerr != nil {
		s.logger.Error("failed to record orphaned document",
			zap.String("namespace", sc.namespace),
			zap.String("document_id", doc.ID),
			zap.Error(aerr))
		return fmt.Errorf("recording orphaned document %s: %w", doc.ID, errors.Join(err, aerr))
	}
	return nil
}

// Query returns up to k chunks nearest to vector. A result owned by another
// tenant fails the whole call.
func (s *TenantStore) Query(ctx context.Context, tenantID string, vector []float32, k int) ([]ScoredChunk, error) {
	start := s.now()
	ctx, span := storeTracer.Start(ctx, "TenantStore.Query")
	defer span.End()

	sc, err := newScope("Query", tenantID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("namespace", sc.namespace), attribute.Int("k", k))

	results, err := resilience.Call(ctx, s.policy, func(ctx context.Context) ([]ScoredChunk, error) {
		return s.backend.Query(ctx, sc.namespace, vector, k)
	})
	if err == nil {
		err = sc.checkResults(s.logger, results)
	}
	if err == nil {
		results, err = s.visibleResults(ctx, tenantID, results)
	}
	observe("query", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// visibleResults drops hits whose document has no visible catalog row: a
// write still in progress, or one being deleted or awaiting the sweeper.
func (s *TenantStore) visibleResults(ctx context.Context, tenantID string, results []ScoredChunk) ([]ScoredChunk, error) {
	visible := make(map[string]bool)
	out := results[:0]
	for _, r := range results {
		ok, seen := visible[r.DocumentID]
		if !seen {
			_, err := s.catalog.Get(ctx, tenantID, r.DocumentID)
			switch {
			case err == nil:
				ok = true
			case errors.Is(err, ErrDocumentNotFound):
				ok = false
			default:
				return nil, fmt.Errorf("checking document %s: %w", r.DocumentID, err)
			}
			visible[r.DocumentID] = ok
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// SettleFunc returns a deleted document's quota. It runs after the vectors
// are gone and before the catalog row is removed, and must be safe to call
// again for the same document.
type SettleFunc func(ctx context.Context, doc Document) error

// ErrSettlePending is returned by Delete when the vectors are gone but settle
// failed. The row stays claimed and the Sweeper retries settle and removal.
var ErrSettlePending = errors.New("quota settlement pending")

// Delete removes a document and returns its catalog row. Only one of any
// number of concurrent callers succeeds; the rest, and any later caller, get
// a not-found error. settle, if non-nil, runs while the row is still claimed.
func (s *TenantStore) Delete(ctx context.Context, tenantID, documentID string, settle SettleFunc) (Document, error) {
	start := s.now()
	ctx, span := storeTracer.Start(ctx, "TenantStore.Delete")
	defer span.End()

	sc, err := newScope("DeleteDocument", tenantID)
	if err != nil {
		return Document{}, err
	}
	span.SetAttributes(attribute.String("namespace", sc.namespace))

	doc, err := s.catalog.Claim(ctx, tenantID, documentID)
	if errors.Is(err, ErrDocumentNotFound) {
		observe("delete", start, nil)
		return Document{}, ragerr.NotFound("DeleteDocument", "DOCUMENT_NOT_FOUND", err)
	}
	if err != nil {
		observe("delete", start, err)
		return Document{}, fmt.Errorf("claiming document %s: %w", documentID, err)
	}
	if err := sc.checkDocument(s.logger, doc); err != nil {
		return Document{}, err
	}

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		return s.backend.DeleteDocument(ctx, sc.namespace, documentID)
	})
	if err != nil {
		cctx, cancel := s.cleanupContext(ctx)
		defer cancel()
		if rerr := s.catalog.Restore(cctx, tenantID, documentID); rerr != nil {
			s.logger.Error("failed to restore claimed document",
				zap.String("document_id", documentID), zap.Error(rerr))
		}
		observe("delete", start, err)
		span.RecordError(err)
		return Document{}, fmt.Errorf("deleting vectors of %s: %w", documentID, err)
	}

	cctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	if settle != nil && !doc.Orphaned {
		if err := settle(cctx, doc); err != nil {
			// The row stays claimed; the pending-delete sweeper settles it.
			observe("delete", start, err)
			span.RecordError(err)
			s.logger.Warn("settling deleted document failed, leaving it to the sweeper",
				zap.String("namespace", sc.namespace),
				zap.String("document_id", documentID),
				zap.Error(err))
			return doc, ragerr.Internal("DeleteDocument", fmt.Errorf("%w: %w", ErrSettlePending, err))
		}
	}
	if err := s.catalog.Remove(cctx, tenantID, documentID); err != nil {
		// The row stays claimed; the pending-delete sweeper finishes it.
		observe("delete", start, err)
		return doc, ragerr.Internal("DeleteDocument", fmt.Errorf("removing catalog row: %w", err))
	}

	observe("delete", start, nil)
	s.logger.Debug("deleted document",
		zap.String("namespace", sc.namespace),
		zap.String("document_id", documentID),
		zap.Int("vectors", doc.VectorCount))
	return doc, nil
}

// Get returns one visible document.
func (s *TenantStore) Get(ctx context.Context, tenantID, documentID string) (Document, error) {
	sc, err := newScope("GetDocument", tenantID)
	if err != nil {
		return Document{}, err
	}
	doc, err := s.catalog.Get(ctx, tenantID, documentID)
	if errors.Is(err, ErrDocumentNotFound) {
		return Document{}, ragerr.NotFound("GetDocument", "DOCUMENT_NOT_FOUND", err)
	}
	if err != nil {
		return Document{}, err
	}
	return doc, sc.checkDocument(s.logger, doc)
}

// ListDocuments returns a page of the tenant's documents.
func (s *TenantStore) ListDocuments(ctx context.Context, tenantID string, opts ListOptions) (Page, error) {
	start := s.now()
	sc, err := newScope("ListDocuments", tenantID)
	if err != nil {
		return Page{}, err
	}
	opts, err = opts.Normalize()
	if err != nil {
		return Page{}, ragerr.Validation("ListDocuments", err.Error())
	}
	page, err := s.catalog.List(ctx, tenantID, opts)
	if err == nil {
		for _, d := range page.Items {
			if err = sc.checkDocument(s.logger, d); err != nil {
				break
			}
		}
	}
	observe("list", start, err)
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// Stats aggregates the tenant's documents.
func (s *TenantStore) Stats(ctx context.Context, tenantID string) (Stats, error) {
	start := s.now()
	if _, err := newScope("Stats", tenantID); err != nil {
		return Stats{}, err
	}
	st, err := s.catalog.Stats(ctx, tenantID)
	observe("stats", start, err)
	return st, err
}

// Health reports backend health.
func (s *TenantStore) Health(ctx context.Context) error {
	return s.backend.Health(ctx)
}

// Close closes the backend and catalog.
func (s *TenantStore) Close() error {
	return errors.Join(s.backend.Close(), s.catalog.Close())
}

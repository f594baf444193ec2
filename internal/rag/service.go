// Package rag exposes the tenant-facing operations of the service: adding,
// listing and deleting documents, asking questions, and reading or changing
// quota. The HTTP and MCP transports are thin adapters over Service.
package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// DeleteResult reports a removed document.
type DeleteResult struct {
	DocumentID     string `json:"document_id"`
	VectorsRemoved int    `json:"vectors_removed"`
}

// Stats combines catalog statistics with the tenant's plan.
type Stats struct {
	vectorstore.Stats
	Plan quota.Plan `json:"plan"`
}

// Service implements the exposed operations.
type Service struct {
	ledger    *quota.Ledger
	store     *vectorstore.TenantStore
	ingest    *ingest.Pipeline
	query     *query.Pipeline
	publisher events.Publisher
	logger    *zap.Logger
	cleanup   time.Duration
}

// Options carries the collaborators of a Service.
type Options struct {
	Ledger    *quota.Ledger
	Store     *vectorstore.TenantStore
	Ingest    *ingest.Pipeline
	Query     *query.Pipeline
	Publisher events.Publisher
	// CleanupTimeout bounds event publishing after a delete. Default: 10s.
	CleanupTimeout time.Duration
}

// New creates a Service.
func New(opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Ledger == nil || opts.Store == nil || opts.Ingest == nil || opts.Query == nil {
		return nil, errors.New("rag: ledger, store, ingest and query are required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:    opts.Ledger,
		store:     opts.Store,
		ingest:    opts.Ingest,
		query:     opts.Query,
		publisher: opts.Publisher,
		logger:    logger,
		cleanup:   opts.CleanupTimeout,
	}, nil
}

// AddDocument chunks, embeds and stores text for tenantID.
func (s *Service) AddDocument(ctx context.Context, tenantID, title, text string) (ingest.Result, error) {
	return s.ingest.AddDocument(ctx, tenantID, title, text)
}

// ListDocuments returns a page of tenantID's documents.
func (s *Service) ListDocuments(ctx context.Context, tenantID string, opts vectorstore.ListOptions) (vectorstore.Page, error) {
	page, err := s.store.ListDocuments(ctx, tenantID, opts)
	if err != nil {
		return vectorstore.Page{}, classifyStore("ListDocuments", err)
	}
	return page, nil
}

// DeleteDocument removes a document and refunds its quota. Deleting a
// document that does not exist, or was already deleted, is a NotFound error
// and changes nothing. When the refund fails after the vectors are gone, the
// error is returned and the pending-delete sweeper completes the refund.
func (s *Service) DeleteDocument(ctx context.Context, tenantID, documentID string) (DeleteResult, error) {
	if documentID == "" {
		return DeleteResult{}, ragerr.Validation("DeleteDocument", "document_id is required")
	}
	doc, err := s.store.Delete(ctx, tenantID, documentID, s.SettleDeleted)
	if err != nil {
		if errors.Is(err, vectorstore.ErrSettlePending) {
			s.logger.Error("quota refund deferred to the sweeper",
				zap.String("tenant_id", tenantID),
				zap.String("document_id", documentID),
				zap.Error(err))
		}
		return DeleteResult{}, classifyStore("DeleteDocument", err)
	}
	s.announce(ctx, doc, false)
	return DeleteResult{DocumentID: doc.ID, VectorsRemoved: doc.VectorCount}, nil
}

// SettleDeleted refunds a deleted document's quota. It is the
// vectorstore.SettleFunc for both DeleteDocument and the sweeper, and refunds
// each document at most once.
func (s *Service) SettleDeleted(ctx context.Context, doc vectorstore.Document) error {
	delta := quota.Delta{Documents: 1, Vectors: int64(doc.VectorCount), StorageBytes: doc.ContentLength}
	if err := s.ledger.Refund(ctx, doc.TenantID, doc.ID, delta); err != nil {
		return fmt.Errorf("refunding quota: %w", err)
	}
	return nil
}

// announce logs and publishes a finished delete.
func (s *Service) announce(ctx context.Context, doc vectorstore.Document, reclaimed bool) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanup)
	defer cancel()
	s.logger.Info("document deleted",
		zap.String("tenant_id", doc.TenantID),
		zap.String("document_id", doc.ID),
		zap.Int("vectors", doc.VectorCount),
		zap.Bool("reclaimed", reclaimed))
	_ = s.publisher.Publish(cctx, events.DocumentDeleted{
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		Vectors:    doc.VectorCount,
		Reclaimed:  reclaimed,
	})
}

// OnReclaimed is the vectorstore.SweeperConfig hook for deletes finished in
// the background. Orphaned rows were never visible and are not announced.
func (s *Service) OnReclaimed(ctx context.Context, doc vectorstore.Document) {
	if doc.Orphaned {
		return
	}
	s.announce(ctx, doc, true)
}

// Query answers question from tenantID's documents.
func (s *Service) Query(ctx context.Context, tenantID, question string, prefs query.Preferences) (*query.Result, error) {
	return s.query.Query(ctx, tenantID, question, prefs)
}

// QuotaStatus returns tenantID's usage and limits.
func (s *Service) QuotaStatus(ctx context.Context, tenantID string) (*quota.Status, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, ragerr.Authentication("GetQuotaStatus", err)
	}
	st, err := s.ledger.Status(ctx, tenantID)
	if err != nil {
		return nil, ragerr.Internal("GetQuotaStatus", err)
	}
	return st, nil
}

// UpdatePlan moves tenantID to plan. Authorization is the caller's concern.
func (s *Service) UpdatePlan(ctx context.Context, tenantID, plan string) (*quota.Status, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, ragerr.Validation("UpdatePlan", "invalid tenant: "+err.Error())
	}
	p, err := quota.ParsePlan(plan)
	if err != nil {
		return nil, ragerr.Validation("UpdatePlan", err.Error())
	}
	st, err := s.ledger.SetPlan(ctx, tenantID, p)
	if err != nil {
		if ragerr.KindOf(err) != ragerr.KindInternal {
			return nil, err
		}
		return nil, ragerr.Internal("UpdatePlan", err)
	}
	return st, nil
}

// Stats returns tenantID's document statistics.
func (s *Service) Stats(ctx context.Context, tenantID string) (Stats, error) {
	st, err := s.store.Stats(ctx, tenantID)
	if err != nil {
		return Stats{}, classifyStore("Stats", err)
	}
	status, err := s.ledger.Status(ctx, tenantID)
	if err != nil {
		return Stats{}, ragerr.Internal("Stats", err)
	}
	return Stats{Stats: st, Plan: status.Plan}, nil
}

// Health reports whether the vector backend is reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Health(ctx); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	return nil
}

// classifyStore passes structured errors through and wraps the rest as
// retryable retrieval failures.
func classifyStore(op string, err error) error {
	var e *ragerr.Error
	if errors.As(err, &e) {
		return err
	}
	return ragerr.Retrieval(op, err)
}

// QuotaNotifier returns a quota.LedgerConfig.OnExceeded hook that publishes
// a QuotaExceeded event. plans resolves the tenant's current plan; it may be
// nil.
func QuotaNotifier(pub events.Publisher, plans func(ctx context.Context, tenantID string) (quota.Plan, error)) func(context.Context, string, quota.Dimension) {
	return func(ctx context.Context, tenantID string, dim quota.Dimension) {
		operation := "AddDocument"
		if dim == quota.DimQueries {
			operation = "Query"
		}
		ev := events.QuotaExceeded{TenantID: tenantID, Operation: operation, Dimension: string(dim)}
		if plans != nil {
			if p, err := plans(ctx, tenantID); err == nil {
				ev.Plan = string(p)
			}
		}
		_ = pub.Publish(ctx, ev)
	}
}

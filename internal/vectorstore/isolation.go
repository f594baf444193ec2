package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// scope is the verified identity of one call: the caller's tenant and the
// namespace derived from it.
type scope struct {
	op        string
	tenantID  string
	namespace string
}

func newScope(op, tenantID string) (scope, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return scope{}, ragerr.Authentication(op, err)
	}
	ns := tenant.Namespace(tenantID)
	if !tenant.ValidNamespace(ns) {
		return scope{}, ragerr.Internal(op, fmt.Errorf("derived namespace %q is invalid", ns))
	}
	return scope{op: op, tenantID: tenantID, namespace: ns}, nil
}

// violation records and returns a fatal isolation error. Both tenant IDs are
// logged; neither reaches the caller.
func (s scope) violation(logger *zap.Logger, other, what string) error {
	IsolationViolationsTotal.Inc()
	logger.Error("tenant isolation violation",
		zap.String("operation", s.op),
		zap.String("caller_tenant", s.tenantID),
		zap.String("data_tenant", other),
		zap.String("namespace", s.namespace),
		zap.String("subject", what))
	return ragerr.IsolationViolation(s.op, fmt.Errorf("%w: %s belongs to another tenant", ErrIsolationViolation, what))
}

func (s scope) checkDocument(logger *zap.Logger, doc Document) error {
	if doc.TenantID != s.tenantID {
		return s.violation(logger, doc.TenantID, "document "+doc.ID)
	}
	return nil
}

func (s scope) checkChunks(logger *zap.Logger, chunks []Chunk) error {
	for _, c := range chunks {
		if c.TenantID != s.tenantID {
			return s.violation(logger, c.TenantID, "chunk "+c.ID)
		}
	}
	return nil
}

func (s scope) checkResults(logger *zap.Logger, results []ScoredChunk) error {
	for _, r := range results {
		if r.TenantID != s.tenantID {
			return s.violation(logger, r.TenantID, "result "+r.ID)
		}
	}
	return nil
}

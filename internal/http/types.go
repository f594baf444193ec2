package http

import (
	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/quota"
)

// AddDocumentRequest is the request body for POST /api/v1/documents.
type AddDocumentRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Question    string            `json:"question"`
	Preferences query.Preferences `json:"preferences"`
}

// UpdatePlanRequest is the request body for PUT /api/v1/plan. An empty
// TenantID targets the caller.
type UpdatePlanRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Plan     string `json:"plan"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	// Dimension and Quota are set when a quota was exceeded.
	Dimension string        `json:"dimension,omitempty"`
	Quota     *quota.Status `json:"quota,omitempty"`
}

// Error codes.
const (
	CodeAuthentication = "AUTHENTICATION_FAILED"
	CodeForbidden      = "FORBIDDEN"
	CodeValidation     = "INVALID_REQUEST"
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeNotFound       = "DOCUMENT_NOT_FOUND"
	CodeRouteNotFound  = "NOT_FOUND"
	CodeEmbedding      = "EMBEDDING_FAILED"
	CodeGeneration     = "GENERATION_FAILED"
	CodeRetrieval      = "RETRIEVAL_FAILED"
	CodeIngestion      = "INGESTION_FAILED"
	CodeInternal       = "INTERNAL_SERVER_ERROR"
)

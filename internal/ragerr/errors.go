// Package ragerr defines the error taxonomy shared by the ingestion and query
// pipelines and mapped onto transport status codes by the HTTP and MCP layers.
package ragerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindValidation         Kind = "validation"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindNotFound           Kind = "not_found"
	KindEmbedding          Kind = "embedding"
	KindGeneration         Kind = "generation"
	KindRetrieval          Kind = "retrieval"
	KindIngestion          Kind = "ingestion"
	KindIsolationViolation Kind = "isolation_violation"
	KindInternal           Kind = "internal"
)

// Retryable reports whether a caller may retry an operation that failed with
// this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindEmbedding, KindGeneration, KindRetrieval, KindIngestion:
		return true
	default:
		return false
	}
}

// Error is the structured error returned by the exposed operations.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "AddDocument".
	Op string
	// Dimension is set for KindQuotaExceeded.
	Dimension string
	// Message is safe to show to the tenant.
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Dimension != "" {
		msg = fmt.Sprintf("%s (dimension=%s)", msg, e.Dimension)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New returns an Error of the given kind.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Authentication(op string, err error) *Error {
	return New(KindAuthentication, op, "authentication required", err)
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

// QuotaExceeded reports that reserving capacity on dimension would exceed the
// tenant's plan limit.
func QuotaExceeded(op, dimension string, err error) *Error {
	return &Error{Kind: KindQuotaExceeded, Op: op, Dimension: dimension, Message: "quota exceeded", Err: err}
}

func NotFound(op, message string, err error) *Error {
	return New(KindNotFound, op, message, err)
}

func Embedding(op string, err error) *Error {
	return New(KindEmbedding, op, "embedding failed", err)
}

func Generation(op string, err error) *Error {
	return New(KindGeneration, op, "generation failed", err)
}

func Retrieval(op string, err error) *Error {
	return New(KindRetrieval, op, "retrieval failed", err)
}

func Ingestion(op string, err error) *Error {
	return New(KindIngestion, op, "ingestion failed", err)
}

func IsolationViolation(op string, err error) *Error {
	return New(KindIsolationViolation, op, "tenant isolation violation", err)
}

func Internal(op string, err error) *Error {
	return New(KindInternal, op, "internal error", err)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// DimensionOf returns the quota dimension carried by err, if any.
func DimensionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Dimension
	}
	return ""
}

package tenant

import (
	"context"
	"errors"
)

// ErrMissingTenant is returned when a request context carries no tenant.
// Callers fail closed on it.
var ErrMissingTenant = errors.New("tenant missing from context")

type ctxKey struct{}

// Info is the resolved identity attached to a request.
type Info struct {
	ID     string
	Source Source
	// Admin is set when the token grants plan administration.
	Admin bool
}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the tenant attached to ctx.
func FromContext(ctx context.Context) (Info, error) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	if !ok || info.ID == "" {
		return Info{}, ErrMissingTenant
	}
	return info, nil
}

// Package tenant resolves the tenant identity of a request and derives the
// storage namespace that tenant owns.
package tenant

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnauthenticated is returned when no claim can identify a tenant.
	ErrUnauthenticated = errors.New("no subject, username or email claim present")

	// ErrInvalidTenantID is returned for identifiers that cannot name a tenant.
	ErrInvalidTenantID = errors.New("invalid tenant ID")
)

// MaxIDLength bounds the raw tenant identifier.
const MaxIDLength = 256

// Claims are the identity claims an authentication provider supplies for a
// request. Any of them may be empty.
type Claims struct {
	Subject  string
	Username string
	Email    string
}

// Source names the claim a tenant ID was taken from.
type Source string

const (
	SourceSubject  Source = "subject"
	SourceUsername Source = "username"
	SourceEmail    Source = "email"
)

// Resolve returns the tenant ID for the given claims.
//
// Precedence is fixed: subject, then username, then email. A claim that is
// empty after trimming whitespace counts as absent. Once a claim is present it
// wins, even if it later proves invalid; later claims are never consulted.
func Resolve(c Claims) (string, error) {
	id, _, err := ResolveWithSource(c)
	return id, err
}

// ResolveWithSource is Resolve that also reports which claim was used.
func ResolveWithSource(c Claims) (string, Source, error) {
	candidates := []struct {
		value  string
		source Source
	}{
		{c.Subject, SourceSubject},
		{c.Username, SourceUsername},
		{c.Email, SourceEmail},
	}

	for _, cand := range candidates {
		v := strings.TrimSpace(cand.value)
		if v == "" {
			continue
		}
		if err := ValidateID(v); err != nil {
			return "", cand.source, err
		}
		return v, cand.source, nil
	}
	return "", "", ErrUnauthenticated
}

// ValidateID checks that id can identify a tenant.
func ValidateID(id string) error {
	if id == "" {
		return ErrInvalidTenantID
	}
	if !utf8.ValidString(id) {
		return errors.Join(ErrInvalidTenantID, errors.New("tenant ID contains invalid UTF-8"))
	}
	if len(id) > MaxIDLength {
		return errors.Join(ErrInvalidTenantID, errors.New("tenant ID too long"))
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return errors.Join(ErrInvalidTenantID, errors.New("tenant ID contains control characters"))
		}
	}
	return nil
}

package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	namespacePrefix = "kb_"
	maxLabelLength  = 32
	hashLength      = 16
)

// namespacePattern matches the collection-name rules of every vector backend.
var namespacePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Namespace returns the storage namespace owned by tenantID.
//
// The result depends on tenantID alone: a readable label built from the
// sanitized ID followed by a SHA-256 fragment of the raw ID, so two tenants
// whose IDs sanitize identically still get distinct namespaces.
func Namespace(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return namespacePrefix + sanitizeLabel(tenantID) + "_" + hex.EncodeToString(sum[:])[:hashLength]
}

// ValidNamespace reports whether ns is a well-formed namespace.
func ValidNamespace(ns string) bool {
	return namespacePattern.MatchString(ns) && strings.HasPrefix(ns, namespacePrefix)
}

// sanitizeLabel keeps lowercase alphanumerics and underscores.
// Everything else collapses to a single underscore.
func sanitizeLabel(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		if b.Len() >= maxLabelLength {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	label := strings.TrimRight(b.String(), "_")
	if label == "" {
		return "tenant"
	}
	return label
}

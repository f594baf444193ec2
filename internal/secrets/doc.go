// Package secrets detects and redacts credentials in document text before it
// is chunked and embedded.
//
// Detection runs the gitleaks default rule set plus any extra regex rules from
// configuration. Every match is replaced with a [REDACTED:rule-id] marker so
// the surrounding text keeps its meaning for retrieval. Findings report rule
// IDs and positions, never the secret itself.
package secrets

package secrets

import (
	"sort"
	"time"
)

// Result is the outcome of scrubbing one text.
type Result struct {
	Scrubbed string        `json:"-"`
	Findings []Finding     `json:"findings,omitempty"`
	Duration time.Duration `json:"duration"`
	// ByRule counts findings per rule ID.
	ByRule map[string]int `json:"by_rule,omitempty"`
}

// Finding locates one redacted secret. The secret itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	// Start and End are byte offsets into the original text.
	Start int `json:"start"`
	End   int `json:"end"`
	// Line is 1-based.
	Line int `json:"line"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool { return len(r.Findings) > 0 }

// RuleIDs returns the sorted IDs of the rules that matched.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// RedactionsTotal counts redacted secrets by rule.
var RedactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "secrets",
		Name:      "redactions_total",
		Help:      "Total number of secrets redacted from ingested documents",
	},
	[]string{"rule"},
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) *Result
	Enabled() bool
}

type scrubber struct {
	// detect.Detector is not documented as safe for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
	rules    []*compiledRule
	allow    []*regexp.Regexp
}

// New builds a Scrubber. A nil config means DefaultConfig; a disabled config
// yields a Scrubber that returns text unchanged.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return Noop{}, nil
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	allowlist.apply(&detector.Config)
	return &scrubber{detector: detector, rules: rules, allow: allow}, nil
}

type span struct {
	start, end int
	ruleID     string
	desc       string
}

func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content, ByRule: map[string]int{}}
	if content == "" {
		return result
	}

	var spans []span
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		spans = append(spans, occurrences(content, secret, f.RuleID, f.Description)...)
	}
	for _, rule := range s.rules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			spans = append(spans, span{start: m[0], end: m[1], ruleID: rule.ID, desc: rule.Description})
		}
	}

	spans = s.filterAllowed(content, spans)
	if len(spans) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	merged := mergeSpans(spans)

	var b strings.Builder
	last := 0
	for _, sp := range merged {
		b.WriteString(content[last:sp.start])
		b.WriteString("[REDACTED:" + sp.ruleID + "]")
		last = sp.end

		result.Findings = append(result.Findings, Finding{
			RuleID:      sp.ruleID,
			Description: sp.desc,
			Start:       sp.start,
			End:         sp.end,
			Line:        strings.Count(content[:sp.start], "\n") + 1,
		})
		result.ByRule[sp.ruleID]++
		RedactionsTotal.WithLabelValues(sp.ruleID).Inc()
	}
	b.WriteString(content[last:])
	result.Scrubbed = b.String()
	result.Duration = time.Since(start)
	return result
}

func (s *scrubber) Enabled() bool { return true }

func (s *scrubber) filterAllowed(content string, spans []span) []span {
	if len(s.allow) == 0 {
		return spans
	}
	kept := spans[:0]
	for _, sp := range spans {
		allowed := false
		for _, re := range s.allow {
			if re.MatchString(content[sp.start:sp.end]) {
				allowed = true
				break
			}
		}
		if !allowed {
			kept = append(kept, sp)
		}
	}
	return kept
}

// occurrences returns every position of secret in content.
func occurrences(content, secret, ruleID, desc string) []span {
	if secret == "" {
		return nil
	}
	var out []span
	for from := 0; ; {
		i := strings.Index(content[from:], secret)
		if i < 0 {
			return out
		}
		start := from + i
		out = append(out, span{start: start, end: start + len(secret), ruleID: ruleID, desc: desc})
		from = start + len(secret)
	}
}

// mergeSpans joins overlapping spans. Input is sorted by start. The first
// span of a merged group names the rule.
func mergeSpans(spans []span) []span {
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start < last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

// Noop returns text unchanged.
type Noop struct{}

func (Noop) Scrub(content string) *Result {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}
}

func (Noop) Enabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = Noop{}
)

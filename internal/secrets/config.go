package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidRegex indicates a rule or allowlist pattern failed to compile.
var ErrInvalidRegex = errors.New("invalid regex pattern")

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing runs at all. Default: true.
	Enabled bool `koanf:"enabled"`

	// AllowlistPath is an optional gitleaks-style TOML allowlist.
	AllowlistPath string `koanf:"allowlist_path"`

	// Rules are checked in addition to the gitleaks defaults.
	Rules []Rule `koanf:"rules"`

	// AllowList holds extra content patterns that are never redacted.
	AllowList []string `koanf:"allow_list"`
}

// Rule is an extra detection rule.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`
	// Keywords, when set, must appear (case-insensitively) in the content
	// before the pattern is tried.
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables scrubbing with the gitleaks defaults only.
func DefaultConfig() *Config {
	return &Config{Enabled: true}
}

func (c *Config) compile() ([]*compiledRule, []*regexp.Regexp, error) {
	rules := make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRegex, rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: allow_list %d: %v", ErrInvalidRegex, i, err)
		}
		allow = append(allow, re)
	}
	return rules, allow, nil
}

func (r *compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

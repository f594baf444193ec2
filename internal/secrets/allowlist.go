package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrInvalidTOML indicates an allowlist file could not be parsed.
var ErrInvalidTOML = errors.New("invalid TOML format")

// Allowlist holds content patterns and stop words that are never redacted.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads the [allowlist] table of a gitleaks-style TOML file.
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes, StopWords: file.Allowlist.StopWords}, nil
}

// apply adds the allowlist to a gitleaks configuration. Patterns must already
// be validated.
func (a *Allowlist) apply(cfg *gitleaksconfig.Config) {
	if a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0) {
		return
	}
	entry := &gitleaksconfig.Allowlist{Description: "ragd allowlist", StopWords: a.StopWords}
	for _, pattern := range a.Regexes {
		entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
}

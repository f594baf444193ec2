package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

const (
	redactedMarker = "[REDACTED]"
	patternMarker  = "[REDACTED:pattern]"

	maxPatternLen = 200
)

func lengthMarker(n int) string { return fmt.Sprintf("[REDACTED:%d]", n) }

// Secret logs val as a length-only marker.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs only the length of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, lengthMarker(len(val)))
}

// redactionRules hold the compiled config. Keys compare case-insensitively.
type redactionRules struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func compileRedaction(cfg RedactionConfig) (*redactionRules, error) {
	rules := &redactionRules{keys: make(map[string]struct{}, len(cfg.Fields))}
	for _, f := range cfg.Fields {
		rules.keys[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern exceeds %d characters: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction pattern %q: %w", p, err)
		}
		rules.patterns = append(rules.patterns, re)
	}
	if len(rules.keys) == 0 && len(rules.patterns) == 0 {
		return nil, nil
	}
	return rules, nil
}

func (r *redactionRules) key(k string) bool {
	if r == nil {
		return false
	}
	_, ok := r.keys[strings.ToLower(k)]
	return ok
}

func (r *redactionRules) value(v string) bool {
	if r == nil {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// RedactingEncoder masks sensitive keys outright and string values that match
// a configured pattern. Non-string values are masked by key only.
type RedactingEncoder struct {
	zapcore.Encoder
	rules *redactionRules
}

// NewRedactingEncoder wraps base. A disabled config passes everything through.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}
	rules, err := compileRedaction(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, rules: rules}, nil
}

// EncodeEntry masks per-entry fields. zap encodes them on a clone of the
// wrapped encoder, so the Add overrides below never see them.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.rules == nil {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	masked := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.rules.key(f.Key):
			masked[i] = zap.String(f.Key, redactedMarker)
		case f.Type == zapcore.StringType && e.rules.value(f.String):
			masked[i] = zap.String(f.Key, patternMarker)
		default:
			masked[i] = f
		}
	}
	return e.Encoder.EncodeEntry(ent, masked)
}

// masked writes the marker in place of key's value when key is sensitive.
func (e *RedactingEncoder) masked(key string) bool {
	if !e.rules.key(key) {
		return false
	}
	e.Encoder.AddString(key, redactedMarker)
	return true
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.masked(key):
	case e.rules.value(val):
		e.Encoder.AddString(key, patternMarker)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if !e.masked(key) {
		e.Encoder.AddByteString(key, val)
	}
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if !e.masked(key) {
		e.Encoder.AddBinary(key, val)
	}
}

// AddReflected masks by key only; reflected values are not inspected.
func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
}

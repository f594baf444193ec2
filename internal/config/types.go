package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that koanf decodes from strings such as
// "30s" in YAML files and RAGD_ env vars.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// redacted stands in for every non-empty Secret when it is printed or
// serialized.
const redacted = "[REDACTED]"

// Secret holds a credential such as the JWT signing key or a provider API
// key. Every printing and marshaling path yields redacted; only Value
// returns the credential.
type Secret string

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redacted
}

// String implements fmt.Stringer.
func (s Secret) String() string { return s.masked() }

// GoString implements fmt.GoStringer for %#v.
func (s Secret) GoString() string { return "config.Secret(" + redacted + ")" }

// Value returns the credential.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return s != "" }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.masked())
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.masked()), nil
}

// UnmarshalJSON implements json.Unmarshaler. The redaction placeholder is
// rejected so a dumped config cannot be loaded back with a fake secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}

// UnmarshalText implements encoding.TextUnmarshaler. It is the path koanf
// uses for file and env values.
func (s *Secret) UnmarshalText(text []byte) error {
	if string(text) == redacted {
		return fmt.Errorf("secret value is a redaction placeholder")
	}
	*s = Secret(text)
	return nil
}

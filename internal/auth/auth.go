// Package auth verifies bearer tokens and turns their claims into a tenant
// identity.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Mode selects how a request is authenticated.
type Mode string

const (
	// ModeJWT verifies a bearer JWT.
	ModeJWT Mode = "jwt"
	// ModeHeader trusts identity headers set by a gateway that already
	// verified the caller.
	ModeHeader Mode = "header"
	// ModeLocal uses the operating system user. Only for single-user
	// setups such as MCP over stdio.
	ModeLocal Mode = "local"
)

// DefaultAdminScope grants plan administration.
const DefaultAdminScope = "ragd:admin"

var (
	// ErrMissingToken is returned when a request has no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures a Verifier.
type Config struct {
	Mode Mode
	// HS256Secret enables HMAC-signed tokens.
	HS256Secret string
	// RS256PublicKey is a PEM public key, or a path to one.
	RS256PublicKey string
	Issuer         string
	Audience       string
	AdminScope     string
	Leeway         time.Duration
}

// Validate checks the configuration for its mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeJWT:
		if c.HS256Secret == "" && c.RS256PublicKey == "" {
			return errors.New("jwt mode requires hs256_secret or rs256_public_key")
		}
		if c.HS256Secret != "" && len(c.HS256Secret) < 32 {
			return errors.New("hs256_secret must be at least 32 bytes")
		}
	case ModeHeader, ModeLocal:
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
	return nil
}

// Claims is the JWT payload ragd understands.
type Claims struct {
	jwt.RegisteredClaims
	CognitoUsername   string   `json:"cognito:username,omitempty"`
	Username          string   `json:"username,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	Scope             string   `json:"scope,omitempty"`
	Scp               []string `json:"scp,omitempty"`
}

// TenantClaims maps the token onto resolver claims.
func (c *Claims) TenantClaims() tenant.Claims {
	return tenant.Claims{
		Subject:  c.Subject,
		Username: firstPresent(c.CognitoUsername, c.Username, c.PreferredUsername),
		Email:    c.Email,
	}
}

func firstPresent(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	for _, s := range c.Scp {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier checks tokens and resolves them to a tenant.
type Verifier struct {
	cfg     Config
	hmacKey []byte
	rsaKey  *rsa.PublicKey
	parser  *jwt.Parser
}

// NewVerifier builds a Verifier. In jwt mode the key material is loaded
// and parsed up front.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AdminScope == "" {
		cfg.AdminScope = DefaultAdminScope
	}
	v := &Verifier{cfg: cfg}
	if cfg.Mode != ModeJWT {
		return v, nil
	}

	var methods []string
	if cfg.HS256Secret != "" {
		v.hmacKey = []byte(cfg.HS256Secret)
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if cfg.RS256PublicKey != "" {
		key, err := loadRSAPublicKey(cfg.RS256PublicKey)
		if err != nil {
			return nil, err
		}
		v.rsaKey = key
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

func loadRSAPublicKey(value string) (*rsa.PublicKey, error) {
	pem := []byte(value)
	if !strings.Contains(value, "-----BEGIN") {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("reading rs256 public key: %w", err)
		}
		pem = data
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing rs256 public key: %w", err)
	}
	return key, nil
}

// Mode returns the configured mode.
func (v *Verifier) Mode() Mode { return v.cfg.Mode }

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.Alg() {
	case jwt.SigningMethodHS256.Alg():
		return v.hmacKey, nil
	case jwt.SigningMethodRS256.Alg():
		return v.rsaKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
}

// Verify parses and checks token, then resolves its tenant.
func (v *Verifier) Verify(token string) (tenant.Info, error) {
	if v.parser == nil {
		return tenant.Info{}, fmt.Errorf("%w: jwt verification is not configured", ErrInvalidToken)
	}
	if token == "" {
		return tenant.Info{}, ErrMissingToken
	}
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFunc); err != nil {
		return tenant.Info{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, source, err := tenant.ResolveWithSource(claims.TenantClaims())
	if err != nil {
		return tenant.Info{}, err
	}
	return tenant.Info{ID: id, Source: source, Admin: claims.HasScope(v.cfg.AdminScope)}, nil
}

// TokenOptions describe a token minted by IssueToken.
type TokenOptions struct {
	Subject  string
	Username string
	Email    string
	Scopes   []string
	TTL      time.Duration
}

// IssueToken signs an HS256 token with the verifier's secret. It exists for
// tests and local development.
func (v *Verifier) IssueToken(opts TokenOptions) (string, error) {
	if v.hmacKey == nil {
		return "", errors.New("issuing tokens requires hs256_secret")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.TTL)),
		},
		Username: opts.Username,
		Email:    opts.Email,
		Scope:    strings.Join(opts.Scopes, " "),
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.hmacKey)
}

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newJWTVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Mode: ModeJWT, HS256Secret: testSecret, Issuer: "ragd-test", Audience: "ragd"})
	require.NoError(t, err)
	return v
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "ragd-test",
		Audience:  jwt.ClaimStrings{"ragd"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"jwt hs256", Config{Mode: ModeJWT, HS256Secret: testSecret}, true},
		{"jwt without key", Config{Mode: ModeJWT}, false},
		{"jwt short secret", Config{Mode: ModeJWT, HS256Secret: "short"}, false},
		{"header", Config{Mode: ModeHeader}, true},
		{"local", Config{Mode: ModeLocal}, true},
		{"unknown", Config{Mode: "basic"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestVerify_IssuedToken(t *testing.T) {
	v := newJWTVerifier(t)
	token, err := v.IssueToken(TokenOptions{Subject: "alice", Scopes: []string{"read", DefaultAdminScope}})
	require.NoError(t, err)

	info, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.ID)
	assert.Equal(t, tenant.SourceSubject, info.Source)
	assert.True(t, info.Admin)
}

func TestVerify_ClaimPrecedence(t *testing.T) {
	v := newJWTVerifier(t)
	tests := []struct {
		name   string
		mutate func(*Claims)
		want   string
		source tenant.Source
	}{
		{"subject wins", func(c *Claims) { c.Subject = "sub-1"; c.Username = "bob" }, "sub-1", tenant.SourceSubject},
		{"cognito before username", func(c *Claims) { c.CognitoUsername = "cog"; c.Username = "bob" }, "cog", tenant.SourceUsername},
		{"username before preferred", func(c *Claims) { c.Username = "bob"; c.PreferredUsername = "bobby" }, "bob", tenant.SourceUsername},
		{"preferred username", func(c *Claims) { c.PreferredUsername = "bobby"; c.Email = "b@x.com" }, "bobby", tenant.SourceUsername},
		{"blank subject skipped", func(c *Claims) { c.Subject = "  "; c.Username = "bob"; c.Email = "b@x.com" }, "bob", tenant.SourceUsername},
		{"email last", func(c *Claims) { c.Email = "b@x.com" }, "b@x.com", tenant.SourceEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims()
			tt.mutate(&c)
			info, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), c))
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.ID)
			assert.Equal(t, tt.source, info.Source)
			assert.False(t, info.Admin)
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := newJWTVerifier(t)
	good := validClaims()
	good.Subject = "alice"

	expired := good
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExp := good
	noExp.ExpiresAt = nil
	wrongIssuer := good
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := good
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	anonymous := validClaims()

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, good).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("ffffffffffffffffffffffffffffffff"), good), ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired), ErrInvalidToken},
		{"no expiry", sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExp), ErrInvalidToken},
		{"wrong issuer", sign(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), ErrInvalidToken},
		{"wrong audience", sign(t, jwt.SigningMethodHS256, []byte(testSecret), wrongAudience), ErrInvalidToken},
		{"no identity", sign(t, jwt.SigningMethodHS256, []byte(testSecret), anonymous), tenant.ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestVerify_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	for name, keyValue := range map[string]string{"inline": string(pemBytes), "path": path} {
		t.Run(name, func(t *testing.T) {
			v, err := NewVerifier(Config{Mode: ModeJWT, RS256PublicKey: keyValue})
			require.NoError(t, err)

			c := Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "carol",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			}}
			info, err := v.Verify(sign(t, jwt.SigningMethodRS256, key, c))
			require.NoError(t, err)
			assert.Equal(t, "carol", info.ID)

			// An HS256 token must not verify against an RS256-only setup.
			_, err = v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), c))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIssueToken_RequiresSecret(t *testing.T) {
	v, err := NewVerifier(Config{Mode: ModeHeader})
	require.NoError(t, err)
	_, err = v.IssueToken(TokenOptions{Subject: "alice"})
	assert.Error(t, err)
}

func runMiddleware(t *testing.T, v *Verifier, req *http.Request) (tenant.Info, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got tenant.Info
	h := Middleware(v, nil)(func(c echo.Context) error {
		info, err := tenant.FromContext(c.Request().Context())
		require.NoError(t, err)
		got = info
		return c.NoContent(http.StatusOK)
	})
	return got, h(c)
}

func TestMiddleware_JWT(t *testing.T) {
	v := newJWTVerifier(t)
	token, err := v.IssueToken(TokenOptions{Username: "bob"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	info, err := runMiddleware(t, v, req)
	require.NoError(t, err)
	assert.Equal(t, "bob", info.ID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil)
	req.Header.Set(echo.HeaderAuthorization, "Basic "+token)
	_, err = runMiddleware(t, v, req)
	require.Error(t, err)
	assert.Equal(t, ragerr.KindAuthentication, ragerr.KindOf(err))
}

func TestMiddleware_Header(t *testing.T) {
	v, err := NewVerifier(Config{Mode: ModeHeader})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSubject, "")
	req.Header.Set(HeaderUsername, "bob")
	req.Header.Set(HeaderEmail, "b@x.com")
	req.Header.Set(HeaderScope, "read "+DefaultAdminScope)
	info, err := runMiddleware(t, v, req)
	require.NoError(t, err)
	assert.Equal(t, "bob", info.ID)
	assert.True(t, info.Admin)

	_, err = runMiddleware(t, v, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, ragerr.KindAuthentication, ragerr.KindOf(err))
}

func TestRequireAdmin(t *testing.T) {
	e := echo.New()
	h := RequireAdmin()(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	call := func(info *tenant.Info) error {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/plan", nil)
		if info != nil {
			req = req.WithContext(tenant.WithInfo(req.Context(), *info))
		}
		return h(e.NewContext(req, httptest.NewRecorder()))
	}

	assert.NoError(t, call(&tenant.Info{ID: "root", Admin: true}))

	err := call(&tenant.Info{ID: "alice"})
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.Code)

	assert.Equal(t, ragerr.KindAuthentication, ragerr.KindOf(call(nil)))
}

func TestLocalIdentity(t *testing.T) {
	info, err := LocalIdentity()
	if err != nil {
		t.Skipf("no system user: %v", err)
	}
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, tenant.SourceUsername, info.Source)
	assert.True(t, info.Admin)
}

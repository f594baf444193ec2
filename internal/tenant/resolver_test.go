package tenant

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		claims     Claims
		want       string
		wantSource Source
		wantErr    error
	}{
		{
			name:       "subject wins",
			claims:     Claims{Subject: "sub-1", Username: "bob", Email: "b@x.com"},
			want:       "sub-1",
			wantSource: SourceSubject,
		},
		{
			name:       "empty subject falls through to username",
			claims:     Claims{Subject: "", Username: "bob", Email: "b@x.com"},
			want:       "bob",
			wantSource: SourceUsername,
		},
		{
			name:       "whitespace subject counts as absent",
			claims:     Claims{Subject: "   ", Username: "bob"},
			want:       "bob",
			wantSource: SourceUsername,
		},
		{
			name:       "email is last resort",
			claims:     Claims{Email: " b@x.com "},
			want:       "b@x.com",
			wantSource: SourceEmail,
		},
		{
			name:    "no claims",
			claims:  Claims{},
			wantErr: ErrUnauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, source, err := ResolveWithSource(tt.claims)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestResolve_InvalidEarlierClaimIsNotSkipped(t *testing.T) {
	// A present-but-invalid subject must not fall back to username.
	_, source, err := ResolveWithSource(Claims{Subject: "bad\x00id", Username: "bob"})
	assert.ErrorIs(t, err, ErrInvalidTenantID)
	assert.Equal(t, SourceSubject, source)

	_, err = Resolve(Claims{Subject: strings.Repeat("a", MaxIDLength+1), Username: "bob"})
	assert.ErrorIs(t, err, ErrInvalidTenantID)
}

func TestNamespace(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Namespace("alice@example.com"), Namespace("alice@example.com"))
	})

	t.Run("valid for every input", func(t *testing.T) {
		inputs := []string{
			"alice",
			"ALICE@Example.COM",
			"日本語ユーザー",
			"a-b-c",
			strings.Repeat("x", 200),
			"___",
		}
		for _, in := range inputs {
			ns := Namespace(in)
			assert.True(t, ValidNamespace(ns), "namespace %q for %q", ns, in)
		}
	})

	t.Run("ids that sanitize alike stay distinct", func(t *testing.T) {
		a := Namespace("alice.smith")
		b := Namespace("alice-smith")
		assert.NotEqual(t, a, b)
		assert.True(t, strings.HasPrefix(a, "kb_alice_smith_"))
		assert.True(t, strings.HasPrefix(b, "kb_alice_smith_"))
	})

	t.Run("non ascii id gets placeholder label", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(Namespace("日本語"), "kb_tenant_"))
	})
}

func TestContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingTenant)

	ctx := WithInfo(context.Background(), Info{ID: "bob", Source: SourceUsername})
	info, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", info.ID)
	assert.Equal(t, SourceUsername, info.Source)
}

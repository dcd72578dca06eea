package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verify(t *testing.T, k *Keyring, header string) (Principal, error) {
	t.Helper()
	r := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return k.Verify(r)
}

func TestAdminKeyHoldsEveryScope(t *testing.T) {
	k := NewKeyring("admin-key", nil)
	p, err := verify(t, k, "Bearer admin-key")
	require.NoError(t, err)
	assert.True(t, p.Allows(ScopePluginsRW))
	assert.True(t, p.Allows(ScopeEventsRW))
}

func TestScopedTokens(t *testing.T) {
	k := NewKeyring("", []TokenConfig{
		{Token: "reader", Scopes: []string{" plugins:ro ", ""}},
		{Token: "writer", Scopes: []string{ScopePluginsRW, ScopeEventsRW}},
		{Token: "", Scopes: []string{ScopeAll}},
	})

	p, err := verify(t, k, "Bearer reader")
	require.NoError(t, err)
	assert.True(t, p.Allows(ScopePluginsRO))
	assert.False(t, p.Allows(ScopePluginsRW))
	assert.False(t, p.Allows(ScopeEventsRO))
	assert.True(t, p.Allows(), "no requirement")

	p, err = verify(t, k, "Bearer writer")
	require.NoError(t, err)
	assert.True(t, p.Allows(ScopePluginsRO), "rw implies ro")
	assert.True(t, p.Allows(ScopeEventsRO), "rw implies ro")

	_, err = verify(t, k, "Bearer nobody")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestVerifyHeaderErrors(t *testing.T) {
	k := NewKeyring("tok", nil)

	_, err := verify(t, k, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = verify(t, k, "Basic abc")
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = verify(t, k, "Bearer   ")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = verify(t, k, "Bearer  tok ")
	assert.NoError(t, err)
}

func TestEmptyKeyringRejectsEverything(t *testing.T) {
	_, err := verify(t, NewKeyring("", nil), "Bearer x")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	p := Principal{scopes: map[string]struct{}{ScopeEventsRO: {}}}
	got, ok := FromContext(WithPrincipal(context.Background(), p))
	require.True(t, ok)
	assert.True(t, got.Allows(ScopeEventsRO))
}

func TestIsKnownScope(t *testing.T) {
	assert.True(t, IsKnownScope("plugins:ro"))
	assert.True(t, IsKnownScope("events:rw"))
	assert.True(t, IsKnownScope("*"))
	assert.False(t, IsKnownScope("jobs:ro"))
}

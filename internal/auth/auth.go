// Package auth resolves bearer tokens on the admin API to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the admin API.
const (
	ScopeAll       = "*"
	ScopePluginsRO = "plugins:ro"
	ScopePluginsRW = "plugins:rw"
	ScopeEventsRO  = "events:ro"
	ScopeEventsRW  = "events:rw"
)

// rw scopes that imply their read counterpart.
var implied = map[string]string{
	ScopePluginsRW: ScopePluginsRO,
	ScopeEventsRW:  ScopeEventsRO,
}

// IsKnownScope reports whether s is a scope the API checks for.
func IsKnownScope(s string) bool {
	s = strings.TrimSpace(s)
	if s == ScopeAll || s == ScopePluginsRO || s == ScopeEventsRO {
		return true
	}
	_, ok := implied[s]
	return ok
}

var (
	ErrMissingToken    = errors.New("missing Authorization header")
	ErrMalformedHeader = errors.New("invalid Authorization header format")
	ErrUnknownToken    = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	scopes map[string]struct{}
}

// Allows reports whether the principal holds any of the required scopes.
// No required scopes means any principal is allowed.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

type entry struct {
	token     []byte
	principal Principal
}

// Keyring holds every accepted token with its expanded scope set.
type Keyring struct {
	entries []entry
}

// NewKeyring builds a keyring. A non-empty adminKey is accepted with
// ScopeAll. Empty tokens are skipped.
func NewKeyring(adminKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.entries = append(k.entries, entry{
			token:     []byte(adminKey),
			principal: Principal{scopes: map[string]struct{}{ScopeAll: {}}},
		})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.entries = append(k.entries, entry{
			token:     []byte(t.Token),
			principal: Principal{scopes: expandScopes(t.Scopes)},
		})
	}
	return k
}

// Verify reads the bearer token from r and returns its principal.
func (k *Keyring) Verify(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, ErrMissingToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Principal{}, ErrMalformedHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	return k.lookup(token)
}

func (k *Keyring) lookup(token string) (Principal, error) {
	presented := []byte(token)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(presented, e.token) == 1 {
			return e.principal, nil
		}
	}
	return Principal{}, ErrUnknownToken
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if ro, ok := implied[s]; ok {
			out[ro] = struct{}{}
		}
	}
	return out
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

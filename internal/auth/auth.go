// Package auth resolves bearer tokens to scoped principals for the host API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Well-known scopes. Write scopes imply the matching read scope.
const (
	ScopeAll          = "*"
	ScopeOperationsRW = "operations:rw"
	ScopeOperationsRO = "operations:ro"
	ScopeWorkerRW     = "worker:rw"
	ScopeWorkerRO     = "worker:ro"
	ScopeEventsRO     = "events:ro"
	ScopeCallsRO      = "calls:ro"
)

var impliedScopes = map[string]string{
	ScopeOperationsRW: ScopeOperationsRO,
	ScopeWorkerRW:     ScopeWorkerRO,
	"events:rw":       ScopeEventsRO,
	"calls:rw":        ScopeCallsRO,
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If adminKey matches, it authenticates with scope "*".
func Authenticate(presented string, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, adminKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: NormalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// NormalizeScopes trims the list and expands write scopes to their read
// counterpart.
func NormalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}
	for rw, ro := range impliedScopes {
		if _, ok := out[rw]; ok {
			out[ro] = struct{}{}
		}
	}
	return out
}

// KnownScope reports whether s is a scope the API checks for.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeOperationsRW, ScopeOperationsRO, ScopeWorkerRW, ScopeWorkerRO, ScopeEventsRO, ScopeCallsRO:
		return true
	}
	_, ok := impliedScopes[s]
	return ok
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

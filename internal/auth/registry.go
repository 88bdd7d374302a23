package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bisectbot/bisectbot/internal/hash"
)

type Scope string

const (
	ScopeControlTokens Scope = "control-tokens"
	ScopeCreateJobs    Scope = "create-jobs"
	ScopeUpdateJobs    Scope = "update-jobs"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeControlTokens, ScopeCreateJobs, ScopeUpdateJobs:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope: %q", s)
}

// Token layout: one version byte followed by 63 random bytes, URL-safe
// encoded. The version byte leaves room to rotate the format without
// invalidating parsing of old tokens.
const (
	tokenVersion     byte = 0x01
	tokenRandomBytes      = 63
)

// Registry maps bearer tokens to scope sets for the process lifetime.
// Tokens are stored by digest; the raw secret never sits in memory longer
// than the call that carries it.
type Registry struct {
	mu     sync.RWMutex
	grants map[string]map[Scope]struct{}
}

func NewRegistry() *Registry {
	return &Registry{grants: make(map[string]map[Scope]struct{})}
}

// CreateToken mints a fresh high-entropy token carrying exactly the given
// scopes. Tokens are never derived from anything; every call draws new
// randomness.
func (r *Registry) CreateToken(scopes ...Scope) (string, error) {
	raw := make([]byte, 1+tokenRandomBytes)
	raw[0] = tokenVersion
	if _, err := rand.Read(raw[1:]); err != nil {
		return "", fmt.Errorf("failed to draw token randomness: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(raw)
	r.insert(token, scopes)
	return token, nil
}

// Seed registers an operator-provided token, e.g. from broker config.
func (r *Registry) Seed(token string, scopes ...Scope) {
	r.insert(token, scopes)
}

func (r *Registry) insert(token string, scopes []Scope) {
	set := make(map[Scope]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[hash.Digest([]byte(token))] = set
}

// RevokeToken removes the token entirely. Reports whether it was known.
func (r *Registry) RevokeToken(token string) bool {
	key := hash.Digest([]byte(token))

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.grants[key]
	delete(r.grants, key)
	return ok
}

// Scopes returns the scope set for a token and whether the token is known.
func (r *Registry) Scopes(token string) ([]Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.grants[hash.Digest([]byte(token))]
	if !ok {
		return nil, false
	}
	scopes := make([]Scope, 0, len(set))
	for s := range set {
		scopes = append(scopes, s)
	}
	return scopes, true
}

// HasScopes reports whether the token is known and carries every required
// scope. Unknown tokens fail closed.
func (r *Registry) HasScopes(token string, required ...Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.grants[hash.Digest([]byte(token))]
	if !ok {
		return false
	}
	for _, s := range required {
		if _, has := set[s]; !has {
			return false
		}
	}
	return true
}

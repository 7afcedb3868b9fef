// provider.go -- OAuth provider capability interface and shared types.
package oauth

import (
	"context"
	"net/url"
	"sort"
	"time"
)

// Tokens is what a successful code exchange returns.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Expiry       time.Time // zero when the provider sent no expires_in
	Scope        string
}

// UserInfo is the normalized profile. ID is the provider's stable subject.
// Image is a provider-hosted URL; consuming apps should proxy or CSP it before rendering.
type UserInfo struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Image         string
}

// Provider is an OAuth2/OIDC identity provider.
// PKCE (RFC 7636, S256) is always used: the verifier passed to CreateAuthorizationURL
// must be the one passed to ValidateAuthorizationCode.
type Provider interface {
	// ID is the identifier used in /callback/{provider} and stored as accounts.provider_id.
	ID() string

	CreateAuthorizationURL(state, codeVerifier, redirectURI string) (*url.URL, error)

	ValidateAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Tokens, error)

	// GetUserInfo returns nil, nil when the provider has no usable profile.
	GetUserInfo(ctx context.Context, tokens *Tokens) (*UserInfo, error)
}

// SignUpPolicy is implemented by providers that can refuse implicit sign-up.
type SignUpPolicy interface {
	DisableImplicitSignUp() bool
}

// ImplicitSignUpDisabled reports whether p refuses to create users unless asked.
func ImplicitSignUpDisabled(p Provider) bool {
	sp, ok := p.(SignUpPolicy)
	return ok && sp.DisableImplicitSignUp()
}

// Registry looks providers up by ID.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry indexes ps by ID. Later duplicates replace earlier ones.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.ID()] = p
	}
	return r
}

// Get returns the provider for id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// oidc.go -- Generic OIDC provider over discovery + OAuth2 code flow.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Options configures one OIDC provider.
type Options struct {
	ID            string
	Issuer        string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	DisableSignUp bool

	// HTTPClient is used for discovery, JWKS, token and userinfo calls. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// OIDCProvider implements Provider for any issuer with a discovery document.
type OIDCProvider struct {
	id            string
	provider      *oidc.Provider
	config        oauth2.Config
	verifier      *oidc.IDTokenVerifier
	client        *http.Client
	disableSignUp bool
}

// NewOIDCProvider fetches the issuer's discovery document once.
func NewOIDCProvider(ctx context.Context, opts Options) (*OIDCProvider, error) {
	if opts.ID == "" || opts.Issuer == "" || opts.ClientID == "" {
		return nil, errors.New("oidc provider: ID, Issuer and ClientID are required")
	}
	p := &OIDCProvider{id: opts.ID, client: opts.HTTPClient, disableSignUp: opts.DisableSignUp}

	op, err := oidc.NewProvider(p.ctx(ctx), opts.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s oidc discovery: %w", opts.ID, err)
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	p.provider = op
	p.config = oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     op.Endpoint(),
		Scopes:       scopes,
	}
	p.verifier = op.Verifier(&oidc.Config{ClientID: opts.ClientID})
	return p, nil
}

// Discover is NewOIDCProvider retried with exponential backoff, for startup
// when the issuer (or the network) may not be reachable yet.
func Discover(ctx context.Context, opts Options, maxTries uint) (*OIDCProvider, error) {
	if maxTries == 0 {
		maxTries = 1
	}
	return backoff.Retry(ctx,
		func() (*OIDCProvider, error) { return NewOIDCProvider(ctx, opts) },
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("oidc discovery failed, retrying", "provider", opts.ID, "issuer", opts.Issuer, "in", d, "error", err)
		}),
	)
}

// ctx attaches the configured HTTP client for go-oidc and x/oauth2.
func (p *OIDCProvider) ctx(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	ctx = oidc.ClientContext(ctx, p.client)
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *OIDCProvider) ID() string { return p.id }

func (p *OIDCProvider) DisableImplicitSignUp() bool { return p.disableSignUp }

func (p *OIDCProvider) configFor(redirectURI string) *oauth2.Config {
	c := p.config
	c.RedirectURL = redirectURI
	return &c
}

// CreateAuthorizationURL builds the consent URL with state and the S256 challenge for codeVerifier.
func (p *OIDCProvider) CreateAuthorizationURL(state, codeVerifier, redirectURI string) (*url.URL, error) {
	raw := p.configFor(redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier))
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing authorization url: %w", err)
	}
	return u, nil
}

// ValidateAuthorizationCode trades code + verifier for tokens.
func (p *OIDCProvider) ValidateAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Tokens, error) {
	tok, err := p.configFor(redirectURI).Exchange(p.ctx(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	t := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if idt, ok := tok.Extra("id_token").(string); ok {
		t.IDToken = idt
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return t, nil
}

// profileClaims covers both ID token and userinfo shapes.
type profileClaims struct {
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
	GivenName     string   `json:"given_name"`
	FamilyName    string   `json:"family_name"`
	Picture       string   `json:"picture"`
}

func (c profileClaims) userInfo() *UserInfo {
	name := c.Name
	if name == "" {
		name = strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	}
	return &UserInfo{
		ID:            c.Sub,
		Email:         c.Email,
		EmailVerified: bool(c.EmailVerified),
		Name:          name,
		Image:         c.Picture,
	}
}

// GetUserInfo verifies the ID token (signature, issuer, audience, expiry) and reads its claims.
// Without an ID token it falls back to the userinfo endpoint.
func (p *OIDCProvider) GetUserInfo(ctx context.Context, t *Tokens) (*UserInfo, error) {
	if t == nil {
		return nil, nil
	}
	ctx = p.ctx(ctx)
	var c profileClaims

	if t.IDToken != "" {
		idToken, err := p.verifier.Verify(ctx, t.IDToken)
		if err != nil {
			return nil, fmt.Errorf("verifying id token: %w", err)
		}
		if err := idToken.Claims(&c); err != nil {
			return nil, fmt.Errorf("extracting id token claims: %w", err)
		}
		return c.userInfo(), nil
	}

	if t.AccessToken == "" {
		return nil, nil
	}
	ui, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.AccessToken, TokenType: t.TokenType}))
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	if err := ui.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting userinfo claims: %w", err)
	}
	return c.userInfo(), nil
}

// flexBool accepts true/false as JSON booleans or strings; some providers send "true".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		*b = flexBool(strings.EqualFold(t, "true"))
	case nil:
		*b = false
	default:
		return fmt.Errorf("email_verified: unexpected %T", v)
	}
	return nil
}

// handler.go -- AuthHandler and the store interfaces it consumes.
package auth

import (
	"context"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/MGallo-Code/obol/internal/metrics"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/state"
	"github.com/MGallo-Code/obol/internal/store"
	"github.com/gofrs/uuid/v5"
)

// SessionCache defines session cache operations needed by auth handlers.
// Satisfied by *store.RedisStore.
type SessionCache interface {
	// GetSession retrieves cached session by token hash. Returns store.ErrCacheMiss on a miss.
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)

	// SetSession caches session with given TTL.
	SetSession(ctx context.Context, tokenHash string, sess store.Session, ttl time.Duration) error

	// DeleteSession removes session and its entry in the user tracking set.
	DeleteSession(ctx context.Context, tokenHash string, userID uuid.UUID) error

	// DeleteAllUserSessions removes all cached sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error

	CheckHealth(ctx context.Context) error
}

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore. Lookups that miss return store.ErrNotFound.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// CreateUserWithAccount inserts both rows atomically.
	// Returns store.ErrEmailTaken or store.ErrAccountExists on conflicts.
	CreateUserWithAccount(ctx context.Context, u *store.User, a *store.Account) error

	// CreateAccount links an account to an existing user. Returns store.ErrAccountExists
	// if the provider identity is already linked to anyone.
	CreateAccount(ctx context.Context, a *store.Account) error

	GetAccount(ctx context.Context, providerID, accountID string) (*store.Account, error)
	GetAccountByUserAndProvider(ctx context.Context, userID uuid.UUID, providerID string) (*store.Account, error)
	ListAccountsByUser(ctx context.Context, userID uuid.UUID) ([]store.Account, error)
	UpdateAccountTokens(ctx context.Context, accountID uuid.UUID, t store.AccountTokens) error

	// CreateSession inserts new session row with token hash and CSRF token.
	CreateSession(ctx context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error

	// GetSessionByTokenHash fetches valid (non-expired) session by token hash.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// DeleteSession removes single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	// DeleteAllUserSessions removes all sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error

	CheckHealth(ctx context.Context) error
}

// StateManager generates and parses OAuth state. Satisfied by *state.Manager.
type StateManager interface {
	Generate(ctx context.Context, in state.GenerateInput) (state.Generated, error)
	Parse(ctx context.Context, s string) (state.Payload, error)
	Reject(ctx context.Context, e *state.Error) *state.Error
	ErrorURL() string
}

// AuthHandler serves every auth endpoint. Fields are set once in main.
type AuthHandler struct {
	PS        Store
	RS        SessionCache
	States    StateManager
	Providers *oauth.Registry
	Metrics   *metrics.Recorder // nil-safe

	// BaseURL is the externally visible prefix of these routes, e.g. https://app.example.com/api/auth.
	// Redirect URIs are BaseURL + "/callback/" + provider.
	BaseURL    string
	SessionTTL time.Duration

	// CookieKey seals the PKCE cookie (32 bytes).
	CookieKey    []byte
	CookieSecure bool

	// TrustedProviders may link to an existing user by verified email alone.
	TrustedProviders []string
	// TrustedOrigins may appear in callback URLs alongside BaseURL's origin.
	TrustedOrigins []string

	Now func() time.Time // defaults to time.Now
}

func (h *AuthHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// redirectURI is where providers send the browser back for providerID.
func (h *AuthHandler) redirectURI(providerID string) string {
	return h.BaseURL + "/callback/" + providerID
}

func (h *AuthHandler) trustedProvider(providerID string) bool {
	return slices.Contains(h.TrustedProviders, providerID)
}

func (h *AuthHandler) provider(id string) (oauth.Provider, bool) {
	if h.Providers == nil {
		return nil, false
	}
	return h.Providers.Get(id)
}

// clientIP returns the request's IP without port, or nil when it doesn't parse.
// RemoteAddr is already the client IP when chi's RealIP runs in front.
func clientIP(r *http.Request) *string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return nil
	}
	return &host
}

// strOrNil converts an empty string to nil; non-empty strings are returned as a pointer.
// Used to map optional provider fields to nullable DB columns.
func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

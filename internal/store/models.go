// models.go -- Shared domain types for the store package.
// Used by Postgres (durable store), Redis (cache + verification) and the in-memory store.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned by single-row lookups when no row matches.
// pgx.ErrNoRows never escapes the store package, callers check this instead.
var ErrNotFound = errors.New("not found")

// ErrVerificationNotFound is returned by Find/Consume when no live verification record
// exists for the identifier. Expired records count as missing.
var ErrVerificationNotFound = errors.New("verification not found")

// ErrVerificationExists is returned by CreateVerificationValue when the identifier is taken.
var ErrVerificationExists = errors.New("verification identifier already exists")

// ErrAccountExists is returned when (provider_id, account_id) is already linked to some user.
var ErrAccountExists = errors.New("account already linked")

// ErrEmailTaken is returned by CreateUserWithAccount when the email already belongs to a user.
var ErrEmailTaken = errors.New("email already registered")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// CredentialProviderID is the provider_id of accounts holding an email+password credential.
const CredentialProviderID = "credential"

// User represents a row in the users table.
// Nullable columns are pointers, nil means SQL NULL.
type User struct {
	ID            uuid.UUID
	Email         string
	EmailVerified bool
	Name          *string
	Image         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Account represents a row in the accounts table: one identity at one provider, owned by a user.
// Provider tokens are nil for the credential account; PasswordHash is nil for every other one.
type Account struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	ProviderID           string
	AccountID            string
	AccessToken          *string
	RefreshToken         *string
	IDToken              *string
	AccessTokenExpiresAt *time.Time
	Scope                *string
	PasswordHash         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AccountTokens is the token set written on link and refreshed on every sign-in.
type AccountTokens struct {
	AccessToken          *string
	RefreshToken         *string
	IDToken              *string
	AccessTokenExpiresAt *time.Time
	Scope                *string
}

// Session represents a row in the sessions table.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation, full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verification is a short-lived, single-use record keyed by Identifier.
// OAuth state uses it to carry the payload across the provider redirect.
type Verification struct {
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier"`
	Value      string    `json:"value"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether v is past its expiry at now.
func (v *Verification) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

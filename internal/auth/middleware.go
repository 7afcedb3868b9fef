// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"
const tokenHashKey contextKey = "token_hash"
const csrfTokenKey contextKey = "csrf_token"
const expiresAtKey contextKey = "expires_at"

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// TokenHashFromContext retrieves session token hash from context.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

// CSRFTokenFromContext retrieves session CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) ([]byte, bool) {
	token, ok := ctx.Value(csrfTokenKey).([]byte)
	return token, ok
}

// errNoSession means the cookie named no live session. Anything else from
// lookupSession is an infrastructure failure.
var errNoSession = errors.New("no live session")

// lookupSession resolves a session token hash: Redis first, Postgres on miss or
// Redis failure, repopulating Redis from Postgres. Postgres is authoritative.
func (h *AuthHandler) lookupSession(r *http.Request, tokenHash []byte) (store.CachedSession, error) {
	key := cacheKey(tokenHash)
	cached, err := h.RS.GetSession(r.Context(), key)
	switch {
	case err == nil && cached.ExpiresAt.After(h.now()):
		return *cached, nil
	case err != nil && !errors.Is(err, store.ErrCacheMiss):
		logError(r, "redis session lookup failed, falling back to postgres", "error", err)
	}

	sess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return store.CachedSession{}, errNoSession
	}
	if err != nil {
		return store.CachedSession{}, err
	}
	// TTL 0 would mean "no expiry" to Redis, so expired rows are never cached.
	if ttl := sess.ExpiresAt.Sub(h.now()); ttl > 0 {
		if err := h.RS.SetSession(r.Context(), key, *sess, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}
	return store.CachedSession{UserID: sess.UserID, CSRFToken: sess.CSRFToken, ExpiresAt: sess.ExpiresAt}, nil
}

// RequireAuth validates the session cookie and injects user id, token hash, CSRF
// token and session expiry into the request context. 401 on any failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(cookieName(sessionCookieBase, h.CookieSecure))
		if err != nil || c.Value == "" {
			logWarn(r, "require auth failed", "reason", "missing_session_cookie")
			Unauthorized(w, r, "unauthorized")
			return
		}
		raw, err := base64.RawURLEncoding.DecodeString(c.Value)
		if err != nil {
			logWarn(r, "require auth failed", "reason", "invalid_cookie_encoding")
			Unauthorized(w, r, "unauthorized")
			return
		}
		tokenHash := sha256.Sum256(raw)

		sess, err := h.lookupSession(r, tokenHash[:])
		if err != nil {
			if errors.Is(err, errNoSession) {
				logWarn(r, "require auth failed", "reason", "session_not_found")
			} else {
				logError(r, "require auth failed fetching session from db", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
		ctx = context.WithValue(ctx, tokenHashKey, tokenHash[:])
		ctx = context.WithValue(ctx, csrfTokenKey, sess.CSRFToken)
		ctx = context.WithValue(ctx, expiresAtKey, sess.ExpiresAt)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

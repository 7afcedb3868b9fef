// session.go

// Session token generation, issuance and cookie management.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Cookie base names. The __Host- prefix is added when cookies are Secure.
const (
	sessionCookieBase = "obol.session"
	pkceCookieBase    = "obol.pkce"
)

// cookieName returns the __Host- prefixed name when secure, the bare name otherwise.
// Browsers reject __Host- cookies without Secure, so plain-HTTP dev gets the bare name.
func cookieName(base string, secure bool) string {
	if secure {
		return "__Host-" + base
	}
	return base
}

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// cacheKey is the Redis key form of a token hash.
func cacheKey(tokenHash []byte) string {
	return base64.RawURLEncoding.EncodeToString(tokenHash)
}

// SetSessionCookie writes the session cookie with HttpOnly, SameSite=Lax.
func (h *AuthHandler) SetSessionCookie(w http.ResponseWriter, rawToken [32]byte, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(sessionCookieBase, h.CookieSecure),
		Value:    base64.RawURLEncoding.EncodeToString(rawToken[:]),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(expiresAt.Sub(h.now()).Seconds()),
	})
}

// ClearSessionCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func (h *AuthHandler) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(sessionCookieBase, h.CookieSecure),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// issuedSession is what issueSession hands back to the caller.
type issuedSession struct {
	ID        uuid.UUID
	CSRFToken [32]byte
	ExpiresAt time.Time
}

// issueSession creates the Postgres row, caches it in Redis (non-fatal), and sets the cookie.
// method labels the session metric: "email" or a provider id.
func (h *AuthHandler) issueSession(w http.ResponseWriter, r *http.Request, userID uuid.UUID, method string) (*issuedSession, error) {
	sessionToken, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	expiresAt := h.now().Add(h.SessionTTL)
	ipAddr := clientIP(r)
	userAgent := r.UserAgent()

	if err := h.PS.CreateSession(r.Context(), sessionID, userID, tokenHash[:], csrfToken[:], expiresAt, ipAddr, &userAgent); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if err := h.RS.SetSession(r.Context(), cacheKey(tokenHash[:]), store.Session{
		ID: sessionID, UserID: userID, TokenHash: tokenHash[:], CSRFToken: csrfToken[:], ExpiresAt: expiresAt,
	}, h.SessionTTL); err != nil {
		logWarn(r, "failed to cache session in redis", "error", err)
	}

	h.SetSessionCookie(w, *sessionToken, expiresAt)
	h.Metrics.SessionCreated(method)
	return &issuedSession{ID: sessionID, CSRFToken: *csrfToken, ExpiresAt: expiresAt}, nil
}

// cookie.go -- Sealed PKCE cookie carried across the provider redirect.
//
// The cookie binds the browser that started the flow to the state it was given:
// it holds SHA-256(state) and the code verifier, sealed with XChaCha20-Poly1305.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	errPKCECookieMissing = errors.New("pkce cookie missing")
	errPKCECookieInvalid = errors.New("pkce cookie invalid")
	errPKCECookieUnbound = errors.New("pkce cookie bound to a different state")
)

type pkceCookie struct {
	StateHash []byte `json:"s"`
	Verifier  string `json:"v"`
}

func stateHash(state string) []byte {
	sum := sha256.Sum256([]byte(state))
	return sum[:]
}

// sealPKCE encrypts the cookie body. The cookie name is the associated data,
// so a value lifted into another cookie does not open.
func sealPKCE(key []byte, name, state, verifier string) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("creating pkce cipher: %w", err)
	}
	plain, err := json.Marshal(pkceCookie{StateHash: stateHash(state), Verifier: verifier})
	if err != nil {
		return "", fmt.Errorf("encoding pkce cookie: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating pkce nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, []byte(name))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// openPKCE decrypts value and checks it was issued for state. Returns the verifier.
func openPKCE(key []byte, name, value, state string) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("creating pkce cipher: %w", err)
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(value)
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errPKCECookieInvalid
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return "", errPKCECookieInvalid
	}
	var c pkceCookie
	if err := json.Unmarshal(plain, &c); err != nil {
		return "", errPKCECookieInvalid
	}
	if subtle.ConstantTimeCompare(c.StateHash, stateHash(state)) != 1 {
		return "", errPKCECookieUnbound
	}
	return c.Verifier, nil
}

// setPKCECookie writes the sealed cookie for the duration of the state's lifetime.
// SameSite=None when Secure so response_mode=form_post callbacks (cross-site POST) still carry it.
func (h *AuthHandler) setPKCECookie(w http.ResponseWriter, state, verifier string, expiresAt time.Time) error {
	name := cookieName(pkceCookieBase, h.CookieSecure)
	value, err := sealPKCE(h.CookieKey, name, state, verifier)
	if err != nil {
		return err
	}
	sameSite := http.SameSiteLaxMode
	if h.CookieSecure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: sameSite,
		MaxAge:   max(1, int(expiresAt.Sub(h.now()).Seconds())),
	})
	return nil
}

// takePKCECookie reads and clears the cookie, returning the verifier bound to state.
// The cookie is cleared on every path, including failures.
func (h *AuthHandler) takePKCECookie(w http.ResponseWriter, r *http.Request, state string) (string, error) {
	name := cookieName(pkceCookieBase, h.CookieSecure)
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		MaxAge:   -1,
	})

	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", errPKCECookieMissing
	}
	return openPKCE(h.CookieKey, name, c.Value, state)
}

// session_handler.go -- Read-only endpoints for the signed-in user.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"
)

type userView struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	EmailVerified bool    `json:"email_verified"`
	Name          *string `json:"name,omitempty"`
	Image         *string `json:"image,omitempty"`
}

// GetSession handles GET /session: the current user, when the session ends, and the
// session's CSRF token (social sign-ins never see it otherwise).
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	expiresAt, _ := r.Context().Value(expiresAtKey).(time.Time)
	csrfToken, _ := CSRFTokenFromContext(r.Context())

	writeJSON(w, http.StatusOK, struct {
		User      userView  `json:"user"`
		ExpiresAt time.Time `json:"expires_at"`
		CSRFToken string    `json:"csrf_token"`
	}{
		User: userView{
			ID:            user.ID.String(),
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
			Name:          user.Name,
			Image:         user.Image,
		},
		ExpiresAt: expiresAt,
		CSRFToken: base64.RawURLEncoding.EncodeToString(csrfToken),
	})
}

// ListAccounts handles GET /accounts: the providers linked to the current user.
// Tokens never leave the server.
func (h *AuthHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	accounts, err := h.PS.ListAccountsByUser(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	type accountView struct {
		ProviderID string    `json:"provider_id"`
		AccountID  string    `json:"account_id"`
		CreatedAt  time.Time `json:"created_at"`
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{ProviderID: a.ProviderID, AccountID: a.AccountID, CreatedAt: a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, struct {
		Accounts []accountView `json:"accounts"`
	}{out})
}

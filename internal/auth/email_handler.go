// email_handler.go -- HTTP handlers for email+password auth: sign-up, sign-in, sign-out.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/gofrs/uuid/v5"
)

// sessionResponse is returned whenever a session is issued.
type sessionResponse struct {
	UserID    string `json:"user_id"`
	CSRFToken string `json:"csrf_token"`
}

// SignUpEmail handles POST /sign-up/email.
// Returns 201 with a generic message whether or not the email was free (no enumeration).
// The password lives on a "credential" account created with the user.
func (h *AuthHandler) SignUpEmail(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	email := strings.ToLower(input.Email)
	if msg := ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if msg := ValidatePassword(input.Password); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	hashed, err := HashPassword(input.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	userID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	accountID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	err = h.PS.CreateUserWithAccount(r.Context(),
		&store.User{ID: userID, Email: email, Name: strOrNil(input.Name)},
		&store.Account{
			ID:           accountID,
			UserID:       userID,
			ProviderID:   store.CredentialProviderID,
			AccountID:    userID.String(),
			PasswordHash: &hashed,
		})
	switch {
	case errors.Is(err, store.ErrEmailTaken):
		logInfo(r, "sign up failed", "reason", "duplicate_email")
	case err != nil:
		logError(r, "failed to create user", "error", err)
		InternalServerError(w, r, err)
		return
	default:
		logInfo(r, "user registered", "user_id", userID)
	}

	writeJSON(w, http.StatusCreated, messageBody{Message: "if that email is available, your account has been created"})
}

// SignInEmail handles POST /sign-in/email.
// Returns 200 with user_id and CSRF token, 401 for bad credentials.
// Unknown emails and provider-only users verify against a dummy hash to equalise timing.
func (h *AuthHandler) SignInEmail(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	email := strings.ToLower(input.Email)
	if ValidateEmail(email) != "" || input.Password == "" || len(input.Password) > maxPasswordBytes {
		Unauthorized(w, r, "invalid credentials")
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if err != nil {
		_, _ = VerifyPassword(input.Password, dummyHash())
		if errors.Is(err, store.ErrNotFound) {
			logInfo(r, "sign in failed", "reason", "user_not_found")
			Unauthorized(w, r, "invalid credentials")
		} else {
			InternalServerError(w, r, err)
		}
		return
	}

	acc, err := h.PS.GetAccountByUserAndProvider(r.Context(), user.ID, store.CredentialProviderID)
	if err != nil || acc.PasswordHash == nil {
		_, _ = VerifyPassword(input.Password, dummyHash())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			InternalServerError(w, r, err)
			return
		}
		logInfo(r, "sign in failed", "reason", "no_credential_account", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	valid, err := VerifyPassword(input.Password, *acc.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !valid {
		logInfo(r, "sign in failed", "reason", "wrong_password", "user_id", user.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	sess, err := h.issueSession(w, r, user.ID, "email")
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "user signed in", "user_id", user.ID, "method", "email")
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:    user.ID.String(),
		CSRFToken: base64.RawURLEncoding.EncodeToString(sess.CSRFToken[:]),
	})
}

// SignOut handles POST /sign-out -- ends the current session.
// Deletes from Redis (non-fatal) then Postgres (fatal), clears cookie.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	tokenHash, hashOK := TokenHashFromContext(r.Context())
	if !ok || !hashOK {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.RS.DeleteSession(r.Context(), cacheKey(tokenHash), userID); err != nil {
		logWarn(r, "failed to delete session from redis", "error", err)
	}
	if err := h.PS.DeleteSession(r.Context(), tokenHash); err != nil {
		InternalServerError(w, r, err)
		return
	}

	h.ClearSessionCookie(w)
	logInfo(r, "user signed out", "user_id", userID)
	OK(w, "signed out")
}

// RevokeSessions handles POST /revoke-sessions -- ends every session for the user.
func (h *AuthHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.RS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		logWarn(r, "failed to delete all sessions from redis", "error", err)
	}
	if err := h.PS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		InternalServerError(w, r, err)
		return
	}

	h.ClearSessionCookie(w)
	logInfo(r, "user signed out of all sessions", "user_id", userID)
	OK(w, "signed out of all sessions")
}

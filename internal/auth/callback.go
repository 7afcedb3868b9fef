// callback.go -- OAuth authorization callback.
//
// The provider redirects here with ?code&state (or POSTs them for response_mode=form_post).
// Every outcome is a 302: success goes to the payload's callback URL, failure to an error
// URL with ?error=<code>. The state is consumed on every path that reaches a provider.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/state"
	"github.com/MGallo-Code/obol/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

// Error codes appended to the error URL.
const (
	ErrOAuthCodeMissing            = "oauth_code_missing"
	ErrOAuthProviderNotFound       = "oauth_provider_not_found"
	ErrOAuthCodeVerificationFailed = "oauth_code_verification_failed"
	ErrOAuthValidationFailed       = "oauth_validation_failed"
	ErrOAuthCallbackURLNotFound    = "oauth_callback_url_not_found"
	ErrEmailMismatch               = "email_doesn't_match"
	ErrAccountLinkedToOther        = "account_already_linked_to_different_user"
	ErrUnableToLinkAccount         = "unable_to_link_account"
	ErrAccountNotLinked            = "account_not_linked"
	ErrFailedLinkingAccount        = "failed_linking_account"
	ErrSignUpDisabled              = "signup_disabled"
	ErrUnableToCreateUser          = "unable_to_create_user"
	ErrUnableToCreateSession       = "unable_to_create_session"
	ErrInternal                    = "internal_server_error"
)

// Named steps of a callback, logged as oauth_state.
const (
	stepAwaitingCode    = "awaiting_code"
	stepCodeReceived    = "code_received"
	stepTokenExchanged  = "token_exchanged"
	stepUserInfoFetched = "user_info_fetched"
	stepAccountResolved = "account_resolved"
	stepSessionCreated  = "session_created"
	stepRedirected      = "redirected"
	stepErrored         = "errored"
)

// callbackFlow carries one callback through its steps.
type callbackFlow struct {
	h        *AuthHandler
	w        http.ResponseWriter
	r        *http.Request
	provider string
	step     string
}

func (f *callbackFlow) advance(step string) {
	f.step = step
	logDebug(f.r, "oauth callback", "provider", f.provider, "oauth_state", step)
}

// fail redirects to target with ?error=code. Failures carrying err are logged at error
// level; the rest are expected user-facing outcomes.
func (f *callbackFlow) fail(target, code string, err error) {
	args := []any{"provider", f.provider, "oauth_state", stepErrored, "failed_at", f.step, "error_code", code}
	if err != nil {
		logError(f.r, "oauth callback failed", append(args, "error", err)...)
	} else {
		logWarn(f.r, "oauth callback failed", args...)
	}
	f.h.Metrics.Callback(f.provider, metricResult(code))
	http.Redirect(f.w, f.r, f.h.withError(target, code), http.StatusFound)
}

// metricResult keeps provider-supplied error codes out of metric labels.
func metricResult(code string) string {
	switch code {
	case ErrOAuthCodeMissing, ErrOAuthProviderNotFound, ErrOAuthCodeVerificationFailed,
		ErrOAuthValidationFailed, ErrOAuthCallbackURLNotFound, ErrEmailMismatch,
		ErrAccountLinkedToOther, ErrUnableToLinkAccount, ErrAccountNotLinked,
		ErrFailedLinkingAccount, ErrSignUpDisabled, ErrUnableToCreateUser,
		ErrUnableToCreateSession, ErrInternal, state.CodeRestart:
		return code
	}
	return "provider_error"
}

func (f *callbackFlow) done(target, result string, userID uuid.UUID) {
	f.step = stepRedirected
	logInfo(f.r, "oauth callback complete", "provider", f.provider, "oauth_state", stepRedirected,
		"result", result, "user_id", userID)
	f.h.Metrics.Callback(f.provider, result)
	http.Redirect(f.w, f.r, target, http.StatusFound)
}

// withError appends error=code to target, falling back to the default error URL.
func (h *AuthHandler) withError(target, code string) string {
	u, err := url.Parse(target)
	if err != nil || target == "" {
		u, _ = url.Parse(h.States.ErrorURL())
	}
	q := u.Query()
	q.Set("error", code)
	u.RawQuery = q.Encode()
	return u.String()
}

// burnState consumes the state so it cannot be replayed, returning the error URL to use.
func (h *AuthHandler) burnState(f *callbackFlow, stateParam string) string {
	p, err := h.States.Parse(f.r.Context(), stateParam)
	if err != nil {
		return h.States.ErrorURL()
	}
	return p.ErrorURL
}

// Callback handles GET|POST /callback/{provider}.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// FormValue reads the query and, for form_post, the body
	stateParam := r.FormValue("state")
	code := r.FormValue("code")
	providerErr := r.FormValue("error")

	f := &callbackFlow{h: h, w: w, r: r, provider: chi.URLParam(r, "provider")}
	f.advance(stepAwaitingCode)

	if providerErr != "" || code == "" {
		h.takePKCECookie(w, r, stateParam)
		errCode := ErrOAuthCodeMissing
		if providerErr != "" {
			errCode = providerErr
		}
		target := h.burnState(f, stateParam)
		if _, ok := h.provider(f.provider); !ok {
			f.provider = "unknown"
		}
		f.fail(target, errCode, nil)
		return
	}
	f.advance(stepCodeReceived)

	provider, ok := h.provider(f.provider)
	if !ok {
		h.takePKCECookie(w, r, stateParam)
		logWarn(r, "oauth callback: unknown provider", "provider", f.provider)
		f.provider = "unknown"
		f.fail(h.burnState(f, stateParam), ErrOAuthProviderNotFound, nil)
		return
	}

	verifier, err := h.takePKCECookie(w, r, stateParam)
	if err != nil {
		target := h.burnState(f, stateParam)
		h.States.Reject(r.Context(), &state.Error{Reason: state.ReasonStateMismatch, Err: err})
		f.fail(target, state.CodeRestart, nil)
		return
	}

	redirectURI := h.redirectURI(provider.ID())
	tokens, err := provider.ValidateAuthorizationCode(r.Context(), code, verifier, redirectURI)
	if err != nil {
		logWarn(r, "oauth callback: code exchange failed", "provider", f.provider, "error", err)
		f.fail(h.burnState(f, stateParam), ErrOAuthCodeVerificationFailed, nil)
		return
	}
	f.advance(stepTokenExchanged)

	info, err := provider.GetUserInfo(r.Context(), tokens)
	if err != nil || info == nil || info.ID == "" || info.Email == "" {
		logWarn(r, "oauth callback: no usable profile", "provider", f.provider, "error", err)
		f.fail(h.burnState(f, stateParam), ErrOAuthValidationFailed, nil)
		return
	}
	f.advance(stepUserInfoFetched)

	payload, err := h.States.Parse(r.Context(), stateParam)
	if err != nil {
		logDebug(r, "oauth callback: state rejected", "provider", f.provider, "reason", state.ReasonOf(err))
		f.fail(h.States.ErrorURL(), state.CodeRestart, nil)
		return
	}
	if payload.CodeVerifier != "" && subtle.ConstantTimeCompare([]byte(payload.CodeVerifier), []byte(verifier)) != 1 {
		h.States.Reject(r.Context(), &state.Error{Reason: state.ReasonVerifierMismatch})
		f.fail(payload.ErrorURL, state.CodeRestart, nil)
		return
	}
	if payload.CallbackURL == "" {
		f.fail(payload.ErrorURL, ErrOAuthCallbackURLNotFound, nil)
		return
	}

	if payload.Link != nil {
		h.linkAccount(f, provider, tokens, info, payload)
		return
	}

	user, isNew, errCode, err := h.resolveUser(f, provider, tokens, info, payload)
	if errCode != "" {
		f.fail(payload.ErrorURL, errCode, err)
		return
	}
	f.advance(stepAccountResolved)

	if _, err := h.issueSession(w, r, user.ID, provider.ID()); err != nil {
		f.fail(payload.ErrorURL, ErrUnableToCreateSession, err)
		return
	}
	f.advance(stepSessionCreated)

	target, result := payload.CallbackURL, "success"
	if isNew {
		result = "signed_up"
		if payload.NewUserURL != "" {
			target = payload.NewUserURL
		}
	}
	f.done(target, result, user.ID)
}

// resolveUser finds or creates the user behind info. A non-empty errCode means the
// callback must fail with it; err is set for infrastructure failures only.
func (h *AuthHandler) resolveUser(f *callbackFlow, provider oauth.Provider, tokens *oauth.Tokens, info *oauth.UserInfo, p state.Payload) (user *store.User, isNew bool, errCode string, err error) {
	ctx := f.r.Context()
	providerID := provider.ID()

	// Returning user -- already has this provider identity.
	acc, err := h.PS.GetAccount(ctx, providerID, info.ID)
	switch {
	case err == nil:
		user, err := h.PS.GetUserByID(ctx, acc.UserID)
		if err != nil {
			return nil, false, ErrInternal, fmt.Errorf("fetching linked user: %w", err)
		}
		if err := h.PS.UpdateAccountTokens(ctx, acc.ID, accountTokens(tokens)); err != nil {
			logWarn(f.r, "oauth callback: failed to refresh account tokens", "error", err, "user_id", user.ID)
		}
		return user, false, "", nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, ErrInternal, fmt.Errorf("looking up account: %w", err)
	}

	email := strings.ToLower(info.Email)
	existing, err := h.PS.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrInternal, fmt.Errorf("looking up user by email: %w", err)
	}

	if existing != nil {
		// Implicit linking needs both a verified email and a trusted provider.
		if !info.EmailVerified || !h.trustedProvider(providerID) {
			logWarn(f.r, "oauth callback: email belongs to another account",
				"provider", providerID, "email_verified", info.EmailVerified, "user_id", existing.ID)
			return nil, false, ErrAccountNotLinked, nil
		}
		a, err := newAccount(existing.ID, providerID, info.ID, tokens)
		if err == nil {
			err = h.PS.CreateAccount(ctx, a)
		}
		if err != nil {
			return nil, false, ErrFailedLinkingAccount, fmt.Errorf("linking account: %w", err)
		}
		logInfo(f.r, "oauth account linked by verified email", "provider", providerID, "user_id", existing.ID)
		return existing, false, "", nil
	}

	if oauth.ImplicitSignUpDisabled(provider) && !p.RequestSignUp {
		return nil, false, ErrSignUpDisabled, nil
	}

	userID, err := uuid.NewV7()
	if err != nil {
		return nil, false, ErrUnableToCreateUser, fmt.Errorf("generating user id: %w", err)
	}
	user = &store.User{
		ID:            userID,
		Email:         email,
		EmailVerified: info.EmailVerified,
		Name:          strOrNil(info.Name),
		Image:         strOrNil(info.Image),
	}
	a, err := newAccount(userID, providerID, info.ID, tokens)
	if err == nil {
		err = h.PS.CreateUserWithAccount(ctx, user, a)
	}
	if err != nil {
		return nil, false, ErrUnableToCreateUser, fmt.Errorf("creating user: %w", err)
	}
	logInfo(f.r, "oauth user created", "user_id", userID, "provider", providerID)
	return user, true, "", nil
}

// linkAccount attaches the provider identity to the signed-in user named in the payload.
// No new session is issued.
func (h *AuthHandler) linkAccount(f *callbackFlow, provider oauth.Provider, tokens *oauth.Tokens, info *oauth.UserInfo, p state.Payload) {
	ctx := f.r.Context()
	providerID := provider.ID()

	// Untrusted providers must vouch for the address; the address must match either way
	if !h.trustedProvider(providerID) && !info.EmailVerified {
		f.fail(p.ErrorURL, ErrUnableToLinkAccount, nil)
		return
	}
	if !strings.EqualFold(info.Email, p.Link.Email) {
		f.fail(p.ErrorURL, ErrEmailMismatch, nil)
		return
	}
	userID, err := uuid.FromString(p.Link.UserID)
	if err != nil {
		f.fail(p.ErrorURL, ErrUnableToLinkAccount, fmt.Errorf("parsing link user id: %w", err))
		return
	}

	existing, err := h.PS.GetAccount(ctx, providerID, info.ID)
	switch {
	case err == nil && existing.UserID != userID:
		f.fail(p.ErrorURL, ErrAccountLinkedToOther, nil)
		return
	case err == nil:
		// Already linked to this user; refresh tokens only
		if err := h.PS.UpdateAccountTokens(ctx, existing.ID, accountTokens(tokens)); err != nil {
			f.fail(p.ErrorURL, ErrUnableToLinkAccount, err)
			return
		}
	case errors.Is(err, store.ErrNotFound):
		a, err := newAccount(userID, providerID, info.ID, tokens)
		if err == nil {
			err = h.PS.CreateAccount(ctx, a)
		}
		if errors.Is(err, store.ErrAccountExists) {
			f.fail(p.ErrorURL, ErrAccountLinkedToOther, nil)
			return
		}
		if err != nil {
			f.fail(p.ErrorURL, ErrUnableToLinkAccount, err)
			return
		}
	default:
		f.fail(p.ErrorURL, ErrUnableToLinkAccount, err)
		return
	}
	f.advance(stepAccountResolved)
	f.done(p.CallbackURL, "linked", userID)
}

func newAccount(userID uuid.UUID, providerID, accountID string, t *oauth.Tokens) (*store.Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating account id: %w", err)
	}
	at := accountTokens(t)
	return &store.Account{
		ID:                   id,
		UserID:               userID,
		ProviderID:           providerID,
		AccountID:            accountID,
		AccessToken:          at.AccessToken,
		RefreshToken:         at.RefreshToken,
		IDToken:              at.IDToken,
		AccessTokenExpiresAt: at.AccessTokenExpiresAt,
		Scope:                at.Scope,
	}, nil
}

func accountTokens(t *oauth.Tokens) store.AccountTokens {
	out := store.AccountTokens{
		AccessToken:  strOrNil(t.AccessToken),
		RefreshToken: strOrNil(t.RefreshToken),
		IDToken:      strOrNil(t.IDToken),
		Scope:        strOrNil(t.Scope),
	}
	if !t.Expiry.IsZero() {
		exp := t.Expiry
		out.AccessTokenExpiresAt = &exp
	}
	return out
}

// ErrorPage handles GET /error. Host apps normally point errorCallbackURL elsewhere;
// this echoes the code so a bare deployment still says what went wrong.
func (h *AuthHandler) ErrorPage(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("error")
	if code == "" {
		code = "unknown_error"
	}
	writeJSON(w, http.StatusOK, struct {
		Error string `json:"error"`
	}{code})
}

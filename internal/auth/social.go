// social.go -- Sign-in and account-link initiation for OAuth providers.
//
// Both endpoints generate state + PKCE verifier, set the sealed PKCE cookie, and hand
// the provider's authorization URL back as JSON for the client to navigate to.
package auth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/MGallo-Code/obol/internal/state"
)

// maxBodyBytes caps JSON request bodies on auth endpoints.
const maxBodyBytes = 64 << 10

// CodeInvalidCallbackURL is returned when a redirect target is not same-origin or trusted.
const CodeInvalidCallbackURL = "INVALID_CALLBACK_URL"

type socialInput struct {
	Provider           string         `json:"provider"`
	CallbackURL        string         `json:"callbackURL"`
	ErrorCallbackURL   string         `json:"errorCallbackURL"`
	NewUserCallbackURL string         `json:"newUserCallbackURL"`
	RequestSignUp      bool           `json:"requestSignUp"`
	AdditionalData     map[string]any `json:"additionalData"`
}

type authorizationResponse struct {
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// SignInSocial handles POST /sign-in/social.
func (h *AuthHandler) SignInSocial(w http.ResponseWriter, r *http.Request) {
	var input socialInput
	if !decodeJSON(w, r, &input) {
		return
	}
	h.startFlow(w, r, input, nil)
}

// LinkSocial handles POST /link-social for the signed-in user.
// The callback attaches the provider account to this user instead of signing in.
func (h *AuthHandler) LinkSocial(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	var input socialInput
	if !decodeJSON(w, r, &input) {
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	// Link flows never sign up; the user already exists
	input.NewUserCallbackURL = ""
	input.RequestSignUp = false
	h.startFlow(w, r, input, &state.Link{Email: user.Email, UserID: userID.String()})
}

func (h *AuthHandler) startFlow(w http.ResponseWriter, r *http.Request, input socialInput, link *state.Link) {
	provider, ok := h.provider(input.Provider)
	if !ok {
		logWarn(r, "oauth start: unknown provider", "provider", input.Provider)
		NotFound(w, "provider not found")
		return
	}
	for _, u := range []string{input.CallbackURL, input.ErrorCallbackURL, input.NewUserCallbackURL} {
		if !h.allowedRedirect(u) {
			logWarn(r, "oauth start: untrusted redirect target", "provider", input.Provider, "url", u)
			ForbiddenCode(w, CodeInvalidCallbackURL, "callback URL is not a trusted origin")
			return
		}
	}

	gen, err := h.States.Generate(r.Context(), state.GenerateInput{
		CallbackURL:   input.CallbackURL,
		ErrorURL:      input.ErrorCallbackURL,
		NewUserURL:    input.NewUserCallbackURL,
		RequestSignUp: input.RequestSignUp,
		Link:          link,
		Extra:         input.AdditionalData,
	})
	if err != nil {
		writeStateError(w, r, err)
		return
	}

	authURL, err := provider.CreateAuthorizationURL(gen.State, gen.CodeVerifier, h.redirectURI(provider.ID()))
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.setPKCECookie(w, gen.State, gen.CodeVerifier, gen.ExpiresAt); err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "oauth flow started", "provider", provider.ID(), "link", link != nil, "oauth_state", "awaiting_code")
	writeJSON(w, http.StatusOK, authorizationResponse{URL: authURL.String(), Redirect: true})
}

// allowedRedirect accepts empty values, host-relative paths, and absolute URLs whose
// origin is BaseURL's or listed in TrustedOrigins.
func (h *AuthHandler) allowedRedirect(raw string) bool {
	if raw == "" {
		return true
	}
	if strings.Contains(raw, `\`) {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(u.Path, "/")
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.User != nil {
		return false
	}
	got := origin(u)
	if base, err := url.Parse(h.BaseURL); err == nil && origin(base) == got {
		return true
	}
	for _, o := range h.TrustedOrigins {
		if tu, err := url.Parse(o); err == nil && origin(tu) == got {
			return true
		}
	}
	return false
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// decodeJSON decodes a size-limited body into v, writing 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

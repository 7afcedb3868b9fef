// handler_test.go -- shared fixtures for auth handler tests.
//
// The harness wires a real state.Manager (in-memory verification store), real OIDC
// providers pointed at an in-process issuer, and the stateful mocks from testutil.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/obol/internal/metrics"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/state"
	"github.com/MGallo-Code/obol/internal/store"
	"github.com/MGallo-Code/obol/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

const (
	testBaseURL     = "https://app.example.com/api/auth"
	testCallbackURL = "https://app.example.com/dashboard"
)

var (
	testStateKey  = []byte("0123456789abcdef0123456789abcdef")
	testCookieKey = []byte("fedcba9876543210fedcba9876543210")
)

// clock is a settable time source for the state manager.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	h     *AuthHandler
	ps    *testutil.MockStore
	rs    *testutil.MockCache
	vs    *store.MemoryVerificationStore
	idp   *testutil.OIDCServer
	rec   *metrics.Recorder
	clock *clock
}

// newHarness registers two providers on one issuer: "idp" (open sign-up) and
// "strict" (implicit sign-up disabled).
func newHarness(t *testing.T, mutate func(*AuthHandler)) *harness {
	t.Helper()
	ctx := context.Background()
	idp := testutil.NewOIDCServer(t)

	var providers []oauth.Provider
	for _, o := range []oauth.Options{
		{ID: "idp"},
		{ID: "strict", DisableSignUp: true},
	} {
		o.Issuer, o.ClientID, o.ClientSecret = idp.Issuer(), idp.ClientID, idp.ClientSecret
		p, err := oauth.NewOIDCProvider(ctx, o)
		if err != nil {
			t.Fatalf("NewOIDCProvider(%s): %v", o.ID, err)
		}
		providers = append(providers, p)
	}

	c := &clock{now: time.Now()}
	vs := store.NewMemoryVerificationStore(c.Now)
	rec := metrics.New()
	mgr, err := state.NewManager(state.Config{
		BaseURL:  testBaseURL,
		Strategy: state.NewStoreStrategy(vs, testStateKey),
		Metrics:  rec,
		Now:      c.Now,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	hs := &harness{
		ps:    testutil.NewMockStore(),
		rs:    testutil.NewMockCache(),
		vs:    vs,
		idp:   idp,
		rec:   rec,
		clock: c,
	}
	hs.h = &AuthHandler{
		PS:           hs.ps,
		RS:           hs.rs,
		States:       mgr,
		Providers:    oauth.NewRegistry(providers...),
		Metrics:      rec,
		BaseURL:      testBaseURL,
		SessionTTL:   time.Hour,
		CookieKey:    testCookieKey,
		CookieSecure: true,
	}
	if mutate != nil {
		mutate(hs.h)
	}
	return hs
}

// flow is an initiated sign-in: the URL the browser is sent to plus the PKCE cookie.
type flow struct {
	authURL *url.URL
	state   string
	cookie  *http.Cookie
}

// start POSTs body to SignInSocial (or LinkSocial when userID is set) and returns the flow.
func (hs *harness) start(t *testing.T, body string) flow {
	t.Helper()
	w := hs.post(hs.h.SignInSocial, "/sign-in/social", body, nil)
	return readFlow(t, w)
}

func (hs *harness) startLink(t *testing.T, userID uuid.UUID, body string) flow {
	t.Helper()
	w := hs.post(hs.h.LinkSocial, "/link-social", body, withUser(userID))
	return readFlow(t, w)
}

func (hs *harness) post(fn http.HandlerFunc, path, body string, ctx context.Context) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/auth"+path, strings.NewReader(body))
	if ctx != nil {
		r = r.WithContext(ctx)
	}
	w := httptest.NewRecorder()
	fn(w, r)
	return w
}

func readFlow(t *testing.T, w *httptest.ResponseRecorder) flow {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("start flow: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp authorizationResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding start response: %v", err)
	}
	u, err := url.Parse(resp.URL)
	if err != nil {
		t.Fatalf("parsing authorization url: %v", err)
	}
	c := findCookie(w.Result().Cookies(), "__Host-obol.pkce")
	if c == nil {
		t.Fatal("pkce cookie not set")
	}
	return flow{authURL: u, state: u.Query().Get("state"), cookie: c}
}

// callback delivers params to /callback/{provider} with the given cookies.
func (hs *harness) callback(provider string, params url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/api/auth/callback/"+provider+"?"+params.Encode(), nil)
	for _, c := range cookies {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	r = withProvider(r, provider)
	w := httptest.NewRecorder()
	hs.h.Callback(w, r)
	return w
}

// finish approves f at the issuer as p and delivers the code back.
func (hs *harness) finish(t *testing.T, provider string, f flow, p testutil.Profile) *httptest.ResponseRecorder {
	t.Helper()
	code := hs.idp.Approve(t, f.authURL, p)
	return hs.callback(provider, url.Values{"code": {code}, "state": {f.state}}, f.cookie)
}

func withProvider(r *http.Request, provider string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("provider", provider)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withUser(userID uuid.UUID) context.Context {
	return context.WithValue(context.Background(), userIDKey, userID)
}

// seedUser adds a user with no accounts.
func (hs *harness) seedUser(t *testing.T, email string) *store.User {
	t.Helper()
	u := &store.User{ID: uuid.Must(uuid.NewV7()), Email: email, EmailVerified: true}
	hs.ps.AddUser(u)
	return u
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// assertRedirect checks for a 302 to want (compared without query) and returns its ?error.
func assertRedirect(t *testing.T, w *httptest.ResponseRecorder, want string) string {
	t.Helper()
	if w.Code != http.StatusFound {
		t.Fatalf("status: expected 302, got %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	errCode := loc.Query().Get("error")
	loc.RawQuery = ""
	if loc.String() != want {
		t.Errorf("Location: expected %q, got %q", want, loc.String())
	}
	return errCode
}

// assertRedirectError checks for a redirect to target carrying ?error=code.
func assertRedirectError(t *testing.T, w *httptest.ResponseRecorder, target, code string) {
	t.Helper()
	if got := assertRedirect(t, w, target); got != code {
		t.Errorf("error: expected %q, got %q", code, got)
	}
}

// assertJSONError checks status and the "code" field of a JSON error body.
func assertJSONError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d", status, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var body messageBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Code != code {
		t.Errorf("code: expected %q, got %q (message %q)", code, body.Code, body.Message)
	}
}

// assertBadRequest checks for a 400 with the given message.
func assertBadRequest(t *testing.T, w *httptest.ResponseRecorder, message string) {
	t.Helper()
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: expected 400, got %d", w.Code)
	}
	var body messageBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Message != message {
		t.Errorf("message: expected %q, got %q", message, body.Message)
	}
}

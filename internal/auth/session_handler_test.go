package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

func TestGetSession(t *testing.T) {
	h, ps, _ := newEmailHandler()
	name := "Alice"
	u := &store.User{ID: uuid.Must(uuid.NewV7()), Email: "alice@example.com", EmailVerified: true, Name: &name}
	ps.AddUser(u)
	expires := time.Now().Add(time.Hour).Truncate(time.Second).UTC()

	t.Run("returns the user", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), userIDKey, u.ID)
		ctx = context.WithValue(ctx, expiresAtKey, expires)
		ctx = context.WithValue(ctx, csrfTokenKey, []byte{0xfb, 0xff})
		w := httptest.NewRecorder()
		h.GetSession(w, httptest.NewRequest(http.MethodGet, "/session", nil).WithContext(ctx))

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			User      userView  `json:"user"`
			ExpiresAt time.Time `json:"expires_at"`
			CSRFToken string    `json:"csrf_token"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if resp.User.ID != u.ID.String() || resp.User.Email != u.Email || !resp.User.EmailVerified {
			t.Errorf("unexpected user %+v", resp.User)
		}
		if resp.User.Name == nil || *resp.User.Name != "Alice" || resp.User.Image != nil {
			t.Errorf("unexpected optional fields %+v", resp.User)
		}
		if resp.CSRFToken != "-_8" {
			t.Errorf("csrf_token: expected -_8, got %q", resp.CSRFToken)
		}
		if !resp.ExpiresAt.Equal(expires) {
			t.Errorf("expires_at: expected %v, got %v", expires, resp.ExpiresAt)
		}
	})

	t.Run("missing context", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.GetSession(w, httptest.NewRequest(http.MethodGet, "/session", nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})
}

func TestListAccounts(t *testing.T) {
	h, ps, _ := newEmailHandler()
	u := seedCredentialUser(t, ps, "alice@example.com", "correct horse battery")
	token := "secret-access-token"
	ps.AddUser(u, &store.Account{ID: uuid.Must(uuid.NewV7()), ProviderID: "google", AccountID: "g-1", AccessToken: &token})

	w := httptest.NewRecorder()
	h.ListAccounts(w, httptest.NewRequest(http.MethodGet, "/accounts", nil).WithContext(withUser(u.ID)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), token) {
		t.Error("provider tokens must not be returned")
	}
	var resp struct {
		Accounts []struct {
			ProviderID string `json:"provider_id"`
			AccountID  string `json:"account_id"`
		} `json:"accounts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(resp.Accounts))
	}

	t.Run("store failure", func(t *testing.T) {
		ps.GetAccountErr = errors.New("db down")
		defer func() { ps.GetAccountErr = nil }()
		w := httptest.NewRecorder()
		h.ListAccounts(w, httptest.NewRequest(http.MethodGet, "/accounts", nil).WithContext(withUser(u.ID)))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		pgErr    error
		redisErr error
		want     int
		body     string
	}{
		{"healthy", nil, nil, http.StatusOK, `{"postgres":"ok","redis":"ok"}`},
		{"postgres down", errors.New("down"), nil, http.StatusServiceUnavailable, `{"postgres":"error","redis":"ok"}`},
		{"redis down", nil, errors.New("down"), http.StatusServiceUnavailable, `{"postgres":"ok","redis":"error"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, ps, rs := newEmailHandler()
			ps.HealthErr, rs.HealthErr = tc.pgErr, tc.redisErr
			w := httptest.NewRecorder()
			h.CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tc.want || strings.TrimSpace(w.Body.String()) != tc.body {
				t.Errorf("got %d %s", w.Code, w.Body.String())
			}
		})
	}
}

// --- Wiring ---

// TestSessionLifecycle drives sign-in, an authenticated read, CSRF enforcement and
// sign-out through RequireAuth and CSRFMiddleware the way the server mounts them.
func TestSessionLifecycle(t *testing.T) {
	h, ps, _ := newEmailHandler()
	seedCredentialUser(t, ps, "alice@example.com", "correct horse battery")

	r := chi.NewRouter()
	r.Post("/sign-in/email", h.SignInEmail)
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/session", h.GetSession)
		r.Group(func(r chi.Router) {
			r.Use(h.CSRFMiddleware)
			r.Post("/sign-out", h.SignOut)
		})
	})

	do := func(method, path, body string, cookie *http.Cookie, csrf string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if cookie != nil {
			req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
		}
		if csrf != "" {
			req.Header.Set(CSRFHeader, csrf)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/sign-in/email", `{"email":"alice@example.com","password":"correct horse battery"}`, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("sign in: expected 200, got %d", w.Code)
	}
	var sess sessionResponse
	json.NewDecoder(w.Body).Decode(&sess)
	cookie := findCookie(w.Result().Cookies(), "__Host-obol.session")
	if cookie == nil {
		t.Fatal("no session cookie")
	}

	if w := do(http.MethodGet, "/session", "", cookie, ""); w.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d", w.Code)
	}
	if w := do(http.MethodGet, "/session", "", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("session without cookie: expected 401, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/sign-out", "", cookie, ""); w.Code != http.StatusForbidden {
		t.Errorf("sign-out without csrf: expected 403, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/sign-out", "", cookie, sess.CSRFToken); w.Code != http.StatusOK {
		t.Fatalf("sign-out: expected 200, got %d", w.Code)
	}
	if w := do(http.MethodGet, "/session", "", cookie, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("session after sign-out: expected 401, got %d", w.Code)
	}
}

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"github.com/MGallo-Code/obol/internal/testutil"
)

const redirectURI = "https://auth.example.com/callback/test"

func newTestProvider(t *testing.T, srv *testutil.OIDCServer, mutate func(*Options)) *OIDCProvider {
	t.Helper()
	opts := Options{ID: "test", Issuer: srv.Issuer(), ClientID: srv.ClientID, ClientSecret: srv.ClientSecret}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewOIDCProvider(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}
	return p
}

// --- CreateAuthorizationURL ---

func TestCreateAuthorizationURL(t *testing.T) {
	srv := testutil.NewOIDCServer(t)
	p := newTestProvider(t, srv, nil)
	verifier := oauth2.GenerateVerifier()

	u, err := p.CreateAuthorizationURL("the-state", verifier, redirectURI)
	if err != nil {
		t.Fatalf("CreateAuthorizationURL: %v", err)
	}
	q := u.Query()
	if !strings.HasPrefix(u.String(), srv.Issuer()+"/authorize") {
		t.Errorf("unexpected endpoint: %s", u)
	}
	checks := map[string]string{
		"state":                 "the-state",
		"redirect_uri":          redirectURI,
		"client_id":             srv.ClientID,
		"response_type":         "code",
		"code_challenge_method": "S256",
		"code_challenge":        oauth2.S256ChallengeFromVerifier(verifier),
		"scope":                 "openid email profile",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s: expected %q, got %q", k, want, got)
		}
	}
	if q.Has("code_verifier") {
		t.Error("verifier must never appear in the authorization url")
	}
}

// --- Exchange + profile ---

func TestExchangeAndUserInfo(t *testing.T) {
	ctx := context.Background()
	profile := testutil.Profile{Sub: "sub-1", Email: "ada@example.com", EmailVerified: true, Name: "Ada", Picture: "https://img.example/ada.png"}

	t.Run("id token path", func(t *testing.T) {
		srv := testutil.NewOIDCServer(t)
		p := newTestProvider(t, srv, nil)
		verifier := oauth2.GenerateVerifier()
		u, _ := p.CreateAuthorizationURL("s", verifier, redirectURI)
		code := srv.Approve(t, u, profile)

		tokens, err := p.ValidateAuthorizationCode(ctx, code, verifier, redirectURI)
		if err != nil {
			t.Fatalf("ValidateAuthorizationCode: %v", err)
		}
		if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.IDToken == "" {
			t.Errorf("missing tokens: %+v", tokens)
		}
		if tokens.Scope != "openid email profile" || tokens.Expiry.IsZero() {
			t.Errorf("scope/expiry: %q %v", tokens.Scope, tokens.Expiry)
		}

		info, err := p.GetUserInfo(ctx, tokens)
		if err != nil {
			t.Fatalf("GetUserInfo: %v", err)
		}
		want := UserInfo{ID: "sub-1", Email: "ada@example.com", EmailVerified: true, Name: "Ada", Image: "https://img.example/ada.png"}
		if *info != want {
			t.Errorf("expected %+v, got %+v", want, *info)
		}
	})

	t.Run("userinfo fallback without id token", func(t *testing.T) {
		srv := testutil.NewOIDCServer(t)
		srv.OmitIDToken = true
		p := newTestProvider(t, srv, nil)
		verifier := oauth2.GenerateVerifier()
		u, _ := p.CreateAuthorizationURL("s", verifier, redirectURI)
		code := srv.Approve(t, u, profile)

		tokens, err := p.ValidateAuthorizationCode(ctx, code, verifier, redirectURI)
		if err != nil {
			t.Fatalf("ValidateAuthorizationCode: %v", err)
		}
		info, err := p.GetUserInfo(ctx, tokens)
		if err != nil {
			t.Fatalf("GetUserInfo: %v", err)
		}
		if info.ID != "sub-1" || info.Email != "ada@example.com" || !info.EmailVerified {
			t.Errorf("unexpected profile %+v", info)
		}
	})

	t.Run("wrong verifier is rejected", func(t *testing.T) {
		srv := testutil.NewOIDCServer(t)
		p := newTestProvider(t, srv, nil)
		u, _ := p.CreateAuthorizationURL("s", oauth2.GenerateVerifier(), redirectURI)
		code := srv.Approve(t, u, profile)

		if _, err := p.ValidateAuthorizationCode(ctx, code, oauth2.GenerateVerifier(), redirectURI); err == nil {
			t.Fatal("expected exchange with wrong verifier to fail")
		}
	})

	t.Run("codes are single use", func(t *testing.T) {
		srv := testutil.NewOIDCServer(t)
		p := newTestProvider(t, srv, nil)
		verifier := oauth2.GenerateVerifier()
		u, _ := p.CreateAuthorizationURL("s", verifier, redirectURI)
		code := srv.Approve(t, u, profile)

		if _, err := p.ValidateAuthorizationCode(ctx, code, verifier, redirectURI); err != nil {
			t.Fatalf("first exchange: %v", err)
		}
		if _, err := p.ValidateAuthorizationCode(ctx, code, verifier, redirectURI); err == nil {
			t.Fatal("expected second exchange to fail")
		}
	})

	t.Run("forged id token is rejected", func(t *testing.T) {
		srv := testutil.NewOIDCServer(t)
		p := newTestProvider(t, srv, nil)
		_, err := p.GetUserInfo(ctx, &Tokens{IDToken: "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln"})
		if err == nil {
			t.Fatal("expected verification failure")
		}
	})

	t.Run("nothing to read yields nil profile", func(t *testing.T) {
		srv := testutil.NewOIDCServer(t)
		p := newTestProvider(t, srv, nil)
		info, err := p.GetUserInfo(ctx, &Tokens{})
		if err != nil || info != nil {
			t.Errorf("expected nil, nil; got %+v, %v", info, err)
		}
	})
}

// --- Options / discovery ---

func TestNewOIDCProviderValidation(t *testing.T) {
	if _, err := NewOIDCProvider(context.Background(), Options{ID: "x"}); err == nil {
		t.Error("expected error for missing issuer/client id")
	}
}

func TestDisableImplicitSignUp(t *testing.T) {
	srv := testutil.NewOIDCServer(t)
	p := newTestProvider(t, srv, func(o *Options) { o.DisableSignUp = true })
	if !ImplicitSignUpDisabled(p) {
		t.Error("expected sign-up disabled")
	}
	if ImplicitSignUpDisabled(newTestProvider(t, srv, nil)) {
		t.Error("expected sign-up enabled by default")
	}
}

func TestDiscoverRetries(t *testing.T) {
	srv := testutil.NewOIDCServer(t)

	// Proxy that fails the first two discovery requests
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp, err := http.Get(srv.URL + r.URL.Path)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		var doc map[string]any
		json.NewDecoder(resp.Body).Decode(&doc)
		doc["issuer"] = "http://" + r.Host
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(flaky.Close)

	p, err := Discover(context.Background(), Options{ID: "flaky", Issuer: flaky.URL, ClientID: "c"}, 5)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if p.ID() != "flaky" || calls.Load() != 3 {
		t.Errorf("expected success on third try, calls=%d", calls.Load())
	}

	t.Run("gives up after max tries", func(t *testing.T) {
		dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(dead.Close)
		if _, err := Discover(context.Background(), Options{ID: "dead", Issuer: dead.URL, ClientID: "c"}, 2); err == nil {
			t.Fatal("expected Discover to fail")
		}
	})
}

// --- Registry ---

func TestRegistry(t *testing.T) {
	srv := testutil.NewOIDCServer(t)
	a := newTestProvider(t, srv, func(o *Options) { o.ID = "b-provider" })
	b := newTestProvider(t, srv, func(o *Options) { o.ID = "a-provider" })
	r := NewRegistry(a, b)

	if got, ok := r.Get("b-provider"); !ok || got != a {
		t.Error("lookup by id failed")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unknown id should not resolve")
	}
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "a-provider" {
		t.Errorf("IDs: %v", ids)
	}
}

func TestFlexBool(t *testing.T) {
	for in, want := range map[string]bool{`true`: true, `false`: false, `"true"`: true, `"False"`: false, `null`: false} {
		var b flexBool
		if err := json.Unmarshal([]byte(in), &b); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if bool(b) != want {
			t.Errorf("%s: expected %v", in, want)
		}
	}
	var b flexBool
	if err := json.Unmarshal([]byte(`7`), &b); err == nil {
		t.Error("expected error for number")
	}
}

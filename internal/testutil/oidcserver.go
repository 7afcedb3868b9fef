// oidcserver.go
//
// In-process OIDC issuer for tests: discovery, JWKS, token and userinfo endpoints.
// Tokens are RS256 JWTs signed with a throwaway key. The token endpoint enforces
// PKCE S256 and single-use codes like a real provider.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"
)

// Profile is what the fake issuer asserts about the user.
type Profile struct {
	Sub           string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

type pendingCode struct {
	challenge   string
	redirectURI string
	profile     Profile
}

// OIDCServer is a fake issuer. ClientID is the only accepted audience.
type OIDCServer struct {
	*httptest.Server
	ClientID     string
	ClientSecret string

	// OmitIDToken makes the token endpoint return only an access token,
	// forcing clients onto the userinfo endpoint.
	OmitIDToken bool

	key    *rsa.PrivateKey
	signer jose.Signer

	mu          sync.Mutex
	codes       map[string]pendingCode
	accessToken map[string]Profile
	Exchanges   int
}

// NewOIDCServer starts an issuer; it is closed via t.Cleanup.
func NewOIDCServer(t *testing.T) *OIDCServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: "test-key"}},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	s := &OIDCServer{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		key:          key,
		signer:       signer,
		codes:        map[string]pendingCode{},
		accessToken:  map[string]Profile{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.discovery)
	mux.HandleFunc("GET /jwks", s.jwks)
	mux.HandleFunc("POST /token", s.token)
	mux.HandleFunc("GET /userinfo", s.userinfo)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the server's base URL.
func (s *OIDCServer) Issuer() string { return s.URL }

// Approve plays the user consenting at authURL: it records the PKCE challenge
// and redirect URI, and returns the code the provider would send back.
func (s *OIDCServer) Approve(t *testing.T, authURL *url.URL, p Profile) string {
	t.Helper()
	q := authURL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("authorization url lacks an S256 challenge: %s", authURL)
	}
	if q.Get("client_id") != s.ClientID {
		t.Fatalf("authorization url client_id: got %q", q.Get("client_id"))
	}
	code := "code-" + rand.Text()
	s.mu.Lock()
	s.codes[code] = pendingCode{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri"), profile: p}
	s.mu.Unlock()
	return code
}

func (s *OIDCServer) discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"jwks_uri":                              s.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (s *OIDCServer) jwks(w http.ResponseWriter, _ *http.Request) {
	jwk := jose.JSONWebKey{Key: &s.key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (s *OIDCServer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != s.ClientID || secret != s.ClientSecret {
		tokenError(w, "invalid_client")
		return
	}

	s.mu.Lock()
	s.Exchanges++
	pc, found := s.codes[r.PostForm.Get("code")]
	delete(s.codes, r.PostForm.Get("code"))
	s.mu.Unlock()

	if !found || pc.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, "invalid_grant")
		return
	}
	if oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != pc.challenge {
		tokenError(w, "invalid_grant")
		return
	}

	access := "at-" + rand.Text()
	s.mu.Lock()
	s.accessToken[access] = pc.profile
	s.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "rt-" + rand.Text(),
		"scope":         "openid email profile",
	}
	if !s.OmitIDToken {
		now := time.Now()
		raw, err := jwt.Signed(s.signer).Claims(jwt.Claims{
			Issuer:    s.URL,
			Subject:   pc.profile.Sub,
			Audience:  jwt.Audience{s.ClientID},
			Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		}).Claims(profileClaims(pc.profile)).Serialize()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = raw
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *OIDCServer) userinfo(w http.ResponseWriter, r *http.Request) {
	access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	p, found := s.accessToken[access]
	s.mu.Unlock()
	if !ok || !found {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims := profileClaims(p)
	claims["sub"] = p.Sub
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(claims)
}

func profileClaims(p Profile) map[string]any {
	return map[string]any{
		"email":          p.Email,
		"email_verified": p.EmailVerified,
		"name":           p.Name,
		"picture":        p.Picture,
	}
}

// config.go

// Environment variable loading and validation.
package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/hkdf"

	"github.com/MGallo-Code/obol/internal/oauth"
)

// MinSecretLength is the shortest OBOL_SECRET accepted.
const MinSecretLength = 32

// Config holds all env configuration vars for obol.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// BaseURL is the public origin + mount path, e.g. https://auth.example.com.
	// Provider redirect URIs are ${BaseURL}/callback/{provider}.
	BaseURL string

	// Secret is the deployment secret; per-purpose keys come from DeriveKey.
	Secret []byte

	// CookieSecure gates the Secure flag and the __Host- prefix. Default true.
	CookieSecure bool

	SessionTTL time.Duration

	// OAuth state. Defaults: 10m, 1000 bytes, "store", "postgres".
	StateTTL            time.Duration
	StateMaxBytes       int
	StateStrategy       string
	VerificationBackend string

	// TrustedProviders may be linked to an existing user by email alone.
	TrustedProviders []string
	// TrustedOrigins may receive post-auth redirects, in addition to BaseURL's origin.
	TrustedOrigins []string

	Providers []ProviderConfig

	// DiscoveryMaxTries bounds OIDC discovery retries at startup. Default 5.
	DiscoveryMaxTries uint
}

// ProviderConfig describes one OIDC provider from OIDC_<ID>_* vars.
type ProviderConfig struct {
	ID            string
	Issuer        string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	DisableSignUp bool
}

// Valid values for the enum-like settings.
const (
	StrategyStore  = "store"
	StrategySigned = "signed"

	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// LoadConfig reads environment variables and returns a validated Config.
// A .env file (or ENV_FILE) is loaded first when present; real env vars win.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BASE_URL is required")
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("BASE_URL must be an absolute URL")
	}

	secret := os.Getenv("OBOL_SECRET")
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("OBOL_SECRET must be at least %d bytes", MinSecretLength)
	}
	cfg.Secret = []byte(secret)

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8480"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	// Default true -- only explicit "false" disables (local http dev).
	cfg.CookieSecure = os.Getenv("COOKIE_SECURE") != "false"

	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)
	cfg.StateTTL = envDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.StateMaxBytes = envInt("OAUTH_STATE_MAX_BYTES", 1000)
	cfg.DiscoveryMaxTries = uint(envInt("OIDC_DISCOVERY_MAX_TRIES", 5))

	cfg.StateStrategy = envEnum("OAUTH_STATE_STRATEGY", StrategyStore, StrategyStore, StrategySigned)
	cfg.VerificationBackend = envEnum("VERIFICATION_BACKEND", BackendPostgres, BackendPostgres, BackendRedis, BackendMemory)

	cfg.TrustedProviders = envList("TRUSTED_PROVIDERS")
	cfg.TrustedOrigins = envList("TRUSTED_ORIGINS")

	for _, id := range envList("OIDC_PROVIDERS") {
		p, err := loadProvider(id)
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	return cfg, nil
}

// loadDotEnv loads ENV_FILE if set (must exist), else ./.env if present.
func loadDotEnv() error {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading ENV_FILE: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// loadProvider reads OIDC_<ID>_ISSUER, _CLIENT_ID, _CLIENT_SECRET, _SCOPES, _DISABLE_SIGNUP.
// ISSUER may be omitted for well-known ids such as google.
func loadProvider(id string) (ProviderConfig, error) {
	prefix := "OIDC_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_"
	p := ProviderConfig{
		ID:            strings.ToLower(id),
		Issuer:        os.Getenv(prefix + "ISSUER"),
		ClientID:      os.Getenv(prefix + "CLIENT_ID"),
		ClientSecret:  os.Getenv(prefix + "CLIENT_SECRET"),
		Scopes:        envList(prefix + "SCOPES"),
		DisableSignUp: os.Getenv(prefix+"DISABLE_SIGNUP") == "true",
	}
	if p.Issuer == "" {
		p.Issuer = oauth.WellKnownIssuer(p.ID)
	}
	if p.Issuer == "" || p.ClientID == "" {
		return ProviderConfig{}, fmt.Errorf("%sISSUER and %sCLIENT_ID are required for provider %q", prefix, prefix, id)
	}
	if len(p.Scopes) == 0 {
		p.Scopes = []string{"openid", "email", "profile"}
	}
	return p, nil
}

// DeriveKey expands the deployment secret into a 32-byte key bound to purpose.
// Different purposes never share key material.
func (c *Config) DeriveKey(purpose string) []byte {
	return DeriveKey(c.Secret, purpose)
}

// DeriveKey is HKDF-SHA256(secret, info=purpose), 32 bytes.
func DeriveKey(secret []byte, purpose string) []byte {
	r := hkdf.New(sha256.New, secret, nil, []byte("obol/"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes
		panic(err)
	}
	return key
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envEnum reads an env var that must be one of allowed, returning def otherwise.
func envEnum(key, def string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
	return def
}

// envList splits a comma-separated env var, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/obol/internal/auth"
	"github.com/MGallo-Code/obol/internal/config"
	"github.com/MGallo-Code/obol/internal/metrics"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/state"
	"github.com/MGallo-Code/obol/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Shared Redis client; session cache and verification store share one pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	providers, err := discoverProviders(ctx, cfg)
	if err != nil {
		return err
	}

	rec := metrics.New()
	vs := newVerificationStore(cfg, ps, rdb)
	manager, err := newStateManager(cfg, vs, rec)
	if err != nil {
		return err
	}

	h := &auth.AuthHandler{
		PS:               ps,
		RS:               store.NewRedisStore(rdb),
		States:           manager,
		Providers:        oauth.NewRegistry(providers...),
		Metrics:          rec,
		BaseURL:          cfg.BaseURL,
		SessionTTL:       cfg.SessionTTL,
		CookieKey:        cfg.DeriveKey("pkce-cookie"),
		CookieSecure:     cfg.CookieSecure,
		TrustedProviders: cfg.TrustedProviders,
		TrustedOrigins:   cfg.TrustedOrigins,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{Handler: buildRouter(h, rec), ReadHeaderTimeout: 10 * time.Second}

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go runCleanup(cleanupCtx, ps, vs, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("obol listening", "addr", ln.Addr().String(),
			"providers", h.Providers.IDs(), "state_strategy", cfg.StateStrategy,
			"verification_backend", cfg.VerificationBackend)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// discoverProviders runs OIDC discovery for every configured provider.
// Any provider that stays unreachable after retries fails startup.
func discoverProviders(ctx context.Context, cfg *config.Config) ([]oauth.Provider, error) {
	var out []oauth.Provider
	for _, pc := range cfg.Providers {
		p, err := oauth.Discover(ctx, oauth.Options{
			ID:            pc.ID,
			Issuer:        pc.Issuer,
			ClientID:      pc.ClientID,
			ClientSecret:  pc.ClientSecret,
			Scopes:        pc.Scopes,
			DisableSignUp: pc.DisableSignUp,
			HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		}, cfg.DiscoveryMaxTries)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// newVerificationStore picks the backend holding state records and replay markers.
func newVerificationStore(cfg *config.Config, ps *store.PostgresStore, rdb redis.UniversalClient) state.VerificationStore {
	switch cfg.VerificationBackend {
	case config.BackendRedis:
		return store.NewRedisVerificationStore(rdb)
	case config.BackendMemory:
		slog.Warn("in-memory verification store: oauth state does not survive restarts or span instances")
		return store.NewMemoryVerificationStore(nil)
	default:
		return ps
	}
}

// newStateManager builds the state Manager for the configured strategy.
// "store" keeps the payload server-side under an opaque identifier; "signed" carries it
// encrypted in the state itself and uses the verification store only for replay markers.
func newStateManager(cfg *config.Config, vs state.VerificationStore, rec *metrics.Recorder) (*state.Manager, error) {
	key := cfg.DeriveKey("oauth-state")
	var strategy state.Strategy
	switch cfg.StateStrategy {
	case config.StrategySigned:
		strategy = state.NewSignedStrategy(key, vs)
	default:
		strategy = state.NewStoreStrategy(vs, key)
	}
	return state.NewManager(state.Config{
		BaseURL:       cfg.BaseURL,
		TTL:           cfg.StateTTL,
		MaxStateBytes: cfg.StateMaxBytes,
		Strategy:      strategy,
		Logger:        slog.Default(),
		Metrics:       rec,
	})
}

// purger is implemented by verification stores without native TTLs.
type purger interface {
	PurgeExpiredVerifications(ctx context.Context) (int64, error)
}

// runCleanup deletes expired sessions and verification rows every interval until ctx ends.
func runCleanup(ctx context.Context, ps *store.PostgresStore, vs state.VerificationStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := ps.CleanupExpiredSessions(ctx); err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else {
				slog.Info("session cleanup complete", "deleted", n)
			}
			if p, ok := vs.(purger); ok {
				if n, err := p.PurgeExpiredVerifications(ctx); err != nil {
					slog.Warn("verification cleanup failed", "error", err)
				} else {
					slog.Debug("verification cleanup complete", "deleted", n)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware under BaseURL's path.
func buildRouter(h *auth.AuthHandler, rec *metrics.Recorder) http.Handler {
	mount := "/"
	if u, err := url.Parse(h.BaseURL); err == nil && u.Path != "" {
		mount = u.Path
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route(mount, func(r chi.Router) {
		r.Get("/health", h.CheckHealth)
		if rec != nil {
			r.Handle("/metrics", rec.Handler())
		}
		r.Get("/error", h.ErrorPage)

		r.Post("/sign-up/email", h.SignUpEmail)
		r.Post("/sign-in/email", h.SignInEmail)
		r.Post("/sign-in/social", h.SignInSocial)
		r.Get("/callback/{provider}", h.Callback)
		r.Post("/callback/{provider}", h.Callback)

		// Authentication required routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/session", h.GetSession)
			r.Get("/accounts", h.ListAccounts)

			r.Group(func(r chi.Router) {
				// CSRF reads token injected by RequireAuth above
				r.Use(h.CSRFMiddleware)
				r.Post("/sign-out", h.SignOut)
				r.Post("/revoke-sessions", h.RevokeSessions)
				r.Post("/link-social", h.LinkSocial)
			})
		})
	})

	return r
}

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Defaults used when Config leaves them zero.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultMaxStateBytes = 1000
)

// GenerateResult is what a custom GenerateFunc hands back.
// Empty State means "no opinion": the default strategy runs.
// A non-nil Payload replaces the one passed in, even when State is empty,
// so a hook can derive the code verifier from a state it computes itself.
type GenerateResult struct {
	State   string
	Payload *Payload
}

// GenerateFunc runs before the default strategy when configured.
type GenerateFunc func(ctx context.Context, p Payload) (GenerateResult, error)

// ParseFunc runs before the default strategy when configured.
// A nil payload with a nil error falls through to the default strategy.
type ParseFunc func(ctx context.Context, state string) (*Payload, error)

// Metrics receives state outcomes. internal/metrics implements it.
type Metrics interface {
	StateGenerated(strategy string)
	StateRejected(reason string)
}

// Config for NewManager. Strategy is required; everything else has a default.
type Config struct {
	BaseURL       string
	TTL           time.Duration
	MaxStateBytes int
	Strategy      Strategy
	Generate      GenerateFunc
	Parse         ParseFunc
	Logger        *slog.Logger
	Metrics       Metrics
	Now           func() time.Time
}

// mode is either statefulMode or customMode, fixed by NewManager.
type mode interface {
	generate(ctx context.Context, p Payload) (string, Payload, error)
	parse(ctx context.Context, state string) (Payload, error)
}

type statefulMode struct {
	strategy Strategy
	maxBytes int
}

func (m statefulMode) generate(ctx context.Context, p Payload) (string, Payload, error) {
	if b, ok := m.strategy.(BoundedSealer); ok {
		s, err := b.SealWithin(ctx, p, m.maxBytes)
		return s, p, err
	}
	s, err := m.strategy.Seal(ctx, p)
	return s, p, err
}

func (m statefulMode) parse(ctx context.Context, state string) (Payload, error) {
	return m.strategy.Open(ctx, state)
}

type customMode struct {
	generateFn GenerateFunc
	parseFn    ParseFunc
	fallback   statefulMode
}

func (m customMode) generate(ctx context.Context, p Payload) (string, Payload, error) {
	if m.generateFn != nil {
		res, err := m.generateFn(ctx, p)
		if err != nil {
			return "", p, fmt.Errorf("generate hook: %w", err)
		}
		if res.Payload != nil {
			p = *res.Payload
		}
		if res.State != "" {
			return res.State, p, nil
		}
	}
	return m.fallback.generate(ctx, p)
}

func (m customMode) parse(ctx context.Context, state string) (Payload, error) {
	if m.parseFn != nil {
		p, err := m.parseFn(ctx, state)
		if err != nil {
			return Payload{}, &Error{Reason: ReasonRejectedByHook, Err: err}
		}
		if p != nil {
			return *p, nil
		}
	}
	return m.fallback.parse(ctx, state)
}

// Manager generates and parses OAuth state. Safe for concurrent use.
type Manager struct {
	baseURL  string
	ttl      time.Duration
	maxBytes int
	strategy string
	mode     mode
	log      *slog.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewManager resolves the configuration once; callers never branch on the mode.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Strategy == nil {
		return nil, errors.New("state: Strategy is required")
	}
	m := &Manager{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		ttl:      cfg.TTL,
		maxBytes: cfg.MaxStateBytes,
		strategy: cfg.Strategy.Name(),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.maxBytes <= 0 {
		m.maxBytes = DefaultMaxStateBytes
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}

	stateful := statefulMode{strategy: cfg.Strategy, maxBytes: m.maxBytes}
	if cfg.Generate != nil || cfg.Parse != nil {
		m.mode = customMode{generateFn: cfg.Generate, parseFn: cfg.Parse, fallback: stateful}
		m.strategy = "custom/" + m.strategy
	} else {
		m.mode = stateful
	}
	return m, nil
}

type noopMetrics struct{}

func (noopMetrics) StateGenerated(string) {}
func (noopMetrics) StateRejected(string)  {}

// ErrorURL is where failures go when no payload supplied one.
func (m *Manager) ErrorURL() string {
	return m.baseURL + "/error"
}

// GenerateInput is what the initiating request contributes to the payload.
type GenerateInput struct {
	CallbackURL   string
	ErrorURL      string
	NewUserURL    string
	RequestSignUp bool
	Link          *Link
	Extra         map[string]any
}

// Generated is handed back to the initiating handler.
type Generated struct {
	State        string
	CodeVerifier string
	ExpiresAt    time.Time
}

// Generate builds a fresh payload and seals it. Failures are *APIError.
func (m *Manager) Generate(ctx context.Context, in GenerateInput) (Generated, error) {
	callbackURL := in.CallbackURL
	if callbackURL == "" {
		callbackURL = m.baseURL
	}
	if callbackURL == "" {
		return Generated{}, badRequest("callbackURL is required")
	}

	p := Payload{
		CallbackURL:   callbackURL,
		CodeVerifier:  oauth2.GenerateVerifier(),
		ErrorURL:      in.ErrorURL,
		NewUserURL:    in.NewUserURL,
		Link:          in.Link,
		RequestSignUp: in.RequestSignUp,
		// Millisecond precision matches the encoded form
		ExpiresAt: m.now().Add(m.ttl).Truncate(time.Millisecond),
		Extra:     stripProtected(in.Extra),
	}

	state, p, err := m.mode.generate(ctx, p)
	if errors.Is(err, ErrStateTooLarge) {
		return Generated{}, m.tooLarge(ctx, err, p)
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return Generated{}, apiErr
		}
		m.log.ErrorContext(ctx, "oauth state generation failed", "strategy", m.strategy, "error", err)
		return Generated{}, internalError("unable to create verification")
	}
	// Hook-supplied states bypass SealWithin
	if len(state) > m.maxBytes {
		return Generated{}, m.tooLarge(ctx, tooLarge(len(state), m.maxBytes), p)
	}

	m.metrics.StateGenerated(m.strategy)
	m.log.DebugContext(ctx, "oauth state generated", "strategy", m.strategy, "expires_at", p.ExpiresAt)
	return Generated{State: state, CodeVerifier: p.CodeVerifier, ExpiresAt: p.ExpiresAt}, nil
}

func (m *Manager) tooLarge(ctx context.Context, err error, p Payload) *APIError {
	m.log.WarnContext(ctx, "oauth state too large",
		"strategy", m.strategy, "error", err, "callback_url_len", len(p.CallbackURL))
	return badRequest(fmt.Sprintf(
		"state exceeds %d bytes; callbackURL (%d bytes) is too long", m.maxBytes, len(p.CallbackURL)))
}

// Parse opens state exactly once and checks its deadline.
// Every failure is *Error; the record is already gone by the time expiry is checked.
func (m *Manager) Parse(ctx context.Context, state string) (Payload, error) {
	if state == "" {
		return Payload{}, m.reject(ctx, &Error{Reason: ReasonNotFound, Err: errors.New("empty state")})
	}

	p, err := m.mode.parse(ctx, state)
	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			se = &Error{Reason: ReasonStoreUnavailable, Err: err}
		}
		return Payload{}, m.reject(ctx, se)
	}

	// Authoritative for hook and store payloads alike
	if p.Expired(m.now()) {
		return Payload{}, m.reject(ctx, &Error{Reason: ReasonExpired})
	}

	if p.ErrorURL == "" {
		p.ErrorURL = m.ErrorURL()
	}
	return p, nil
}

// Reject records a state failure detected outside the Manager (e.g. a cookie mismatch)
// and returns it unchanged.
func (m *Manager) Reject(ctx context.Context, e *Error) *Error {
	return m.reject(ctx, e)
}

func (m *Manager) reject(ctx context.Context, e *Error) *Error {
	m.metrics.StateRejected(string(e.Reason))
	attrs := []any{"reason", string(e.Reason), "strategy", m.strategy}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	if e.Reason.Infrastructure() {
		m.log.ErrorContext(ctx, "oauth state rejected", attrs...)
	} else {
		m.log.WarnContext(ctx, "oauth state rejected", attrs...)
	}
	return e
}

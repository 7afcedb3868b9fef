// stores.go
//
// Shared mock implementations of auth.Store and auth.SessionCache.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockStore implements auth.Store for tests.

// Always stateful...users, accounts and sessions are maps, like a real store.
// Use *Err fields to inject errors for specific operations.
// Lookups that miss return store.ErrNotFound, matching PostgresStore.
type MockStore struct {
	// Error injection...zero value means no error
	GetUserErr           error
	CreateUserErr        error
	CreateAccountErr     error
	GetAccountErr        error
	UpdateTokensErr      error
	CreateSessionErr     error
	GetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	HealthErr            error

	Users    map[uuid.UUID]*store.User
	Accounts map[uuid.UUID]*store.Account
	Sessions map[string]*store.Session // keyed by string(tokenHash)

	mu sync.Mutex
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Accounts: make(map[uuid.UUID]*store.Account),
		Sessions: make(map[string]*store.Session),
	}
}

// AddUser seeds a user plus accounts without going through the error hooks.
func (m *MockStore) AddUser(u *store.User, accounts ...*store.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[u.ID] = u
	for _, a := range accounts {
		a.UserID = u.ID
		m.Accounts[a.ID] = a
	}
}

// AccountsFor returns copies of the accounts linked to userID.
func (m *MockStore) AccountsFor(userID uuid.UUID) []store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Account
	for _, a := range m.Accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SessionCount returns how many sessions are stored.
func (m *MockStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) CreateUserWithAccount(_ context.Context, u *store.User, a *store.Account) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Users {
		if existing.Email == u.Email {
			return store.ErrEmailTaken
		}
	}
	if m.accountLinkedLocked(a.ProviderID, a.AccountID) {
		return store.ErrAccountExists
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	a.CreatedAt, a.UpdatedAt = now, now
	m.Users[u.ID] = u
	m.Accounts[a.ID] = a
	return nil
}

func (m *MockStore) accountLinkedLocked(providerID, accountID string) bool {
	for _, a := range m.Accounts {
		if a.ProviderID == providerID && a.AccountID == accountID {
			return true
		}
	}
	return false
}

func (m *MockStore) CreateAccount(_ context.Context, a *store.Account) error {
	if m.CreateAccountErr != nil {
		return m.CreateAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountLinkedLocked(a.ProviderID, a.AccountID) {
		return store.ErrAccountExists
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.Accounts[a.ID] = a
	return nil
}

func (m *MockStore) GetAccount(_ context.Context, providerID, accountID string) (*store.Account, error) {
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Accounts {
		if a.ProviderID == providerID && a.AccountID == accountID {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetAccountByUserAndProvider(_ context.Context, userID uuid.UUID, providerID string) (*store.Account, error) {
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Accounts {
		if a.UserID == userID && a.ProviderID == providerID {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) ListAccountsByUser(_ context.Context, userID uuid.UUID) ([]store.Account, error) {
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	return m.AccountsFor(userID), nil
}

func (m *MockStore) UpdateAccountTokens(_ context.Context, accountID uuid.UUID, t store.AccountTokens) error {
	if m.UpdateTokensErr != nil {
		return m.UpdateTokensErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	// Same COALESCE semantics as Postgres
	if t.AccessToken != nil {
		a.AccessToken = t.AccessToken
	}
	if t.RefreshToken != nil {
		a.RefreshToken = t.RefreshToken
	}
	if t.IDToken != nil {
		a.IDToken = t.IDToken
	}
	if t.AccessTokenExpiresAt != nil {
		a.AccessTokenExpiresAt = t.AccessTokenExpiresAt
	}
	if t.Scope != nil {
		a.Scope = t.Scope
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) CreateSession(_ context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrfToken,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MockStore) CheckHealth(context.Context) error {
	return m.HealthErr
}

// MockCache implements auth.SessionCache for tests.
// Always stateful...Sessions is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	GetSessionErr        error
	SetSessionErr        error
	DeleteSessionErr     error
	DeleteAllSessionsErr error
	HealthErr            error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
	}
}

// Key returns the cache key for a raw token hash, as the handlers compute it.
func Key(tokenHash []byte) string {
	return base64.RawURLEncoding.EncodeToString(tokenHash)
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sess store.Session, ttl time.Duration) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	m.Sessions[tokenHash] = &store.CachedSession{
		UserID:    sess.UserID,
		CSRFToken: sess.CSRFToken,
		ExpiresAt: sess.ExpiresAt,
	}
	m.mu.Unlock()
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string, userID uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, tokenHash)
	m.mu.Unlock()
	return nil
}

func (m *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteAllSessionsErr != nil {
		return m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MockCache) CheckHealth(context.Context) error {
	return m.HealthErr
}

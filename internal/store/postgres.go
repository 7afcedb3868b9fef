// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user/account/session queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the pool. Used by GET /health.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports whether err is a unique_violation, optionally on a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// --- Users ---

const userColumns = "id, email, email_verified, name, image, created_at, updated_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.Name, &u.Image, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID fetches a user by primary key. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("fetching user by id: %w", err)
	}
	return u, nil
}

// GetUserByEmail fetches a user by (lowercased) email. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
	if err != nil {
		return nil, fmt.Errorf("fetching user by email: %w", err)
	}
	return u, nil
}

// CreateUserWithAccount inserts a user and its first account in one transaction.
// Either both rows exist afterwards or neither does.
// Returns ErrEmailTaken / ErrAccountExists on the matching unique violations.
func (s *PostgresStore) CreateUserWithAccount(ctx context.Context, u *User, a *Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning user transaction: %w", err)
	}
	// No-op after Commit
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO users (id, email, email_verified, name, image) VALUES ($1, $2, $3, $4, $5)",
		u.ID, u.Email, u.EmailVerified, u.Name, u.Image)
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return ErrEmailTaken
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	if err := insertAccount(ctx, tx, a); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing user: %w", err)
	}
	return nil
}

// --- Accounts ---

// execer is the subset shared by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAccount(ctx context.Context, db execer, a *Account) error {
	_, err := db.Exec(ctx, `
		INSERT INTO accounts (id, user_id, provider_id, account_id,
			access_token, refresh_token, id_token, access_token_expires_at, scope, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.ProviderID, a.AccountID,
		a.AccessToken, a.RefreshToken, a.IDToken, a.AccessTokenExpiresAt, a.Scope, a.PasswordHash)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrAccountExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

const accountColumns = `id, user_id, provider_id, account_id, access_token, refresh_token, id_token,
	access_token_expires_at, scope, password_hash, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.AccountID,
		&a.AccessToken, &a.RefreshToken, &a.IDToken, &a.AccessTokenExpiresAt,
		&a.Scope, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount links a new provider account to an existing user.
// Returns ErrAccountExists if (provider_id, account_id) is already linked.
func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	return insertAccount(ctx, s.pool, a)
}

// GetAccount fetches the account for a provider identity. Returns ErrNotFound if absent.
func (s *PostgresStore) GetAccount(ctx context.Context, providerID, accountID string) (*Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE provider_id = $1 AND account_id = $2",
		providerID, accountID))
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return a, nil
}

// GetAccountByUserAndProvider fetches a user's account at one provider.
// Users hold at most one credential account; for OAuth providers the oldest link wins.
func (s *PostgresStore) GetAccountByUserAndProvider(ctx context.Context, userID uuid.UUID, providerID string) (*Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 AND provider_id = $2 ORDER BY created_at LIMIT 1",
		userID, providerID))
	if err != nil {
		return nil, fmt.Errorf("fetching account by user: %w", err)
	}
	return a, nil
}

// ListAccountsByUser returns every account linked to a user, oldest first.
func (s *PostgresStore) ListAccountsByUser(ctx context.Context, userID uuid.UUID) ([]Account, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return out, nil
}

// UpdateAccountTokens replaces the provider tokens on an account.
// Nil fields keep the stored value (providers often omit refresh_token on re-consent).
func (s *PostgresStore) UpdateAccountTokens(ctx context.Context, accountID uuid.UUID, t AccountTokens) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			access_token = COALESCE($2, access_token),
			refresh_token = COALESCE($3, refresh_token),
			id_token = COALESCE($4, id_token),
			access_token_expires_at = COALESCE($5, access_token_expires_at),
			scope = COALESCE($6, scope),
			updated_at = now()
		WHERE id = $1`,
		accountID, t.AccessToken, t.RefreshToken, t.IDToken, t.AccessTokenExpiresAt, t.Scope)
	if err != nil {
		return fmt.Errorf("updating account tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a new session row.
// The caller generates the UUID, token hash and CSRF token.
func (s *PostgresStore) CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, expiresAt time.Time, ip, userAgent *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, csrf_token, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6::text::inet, $7)`,
		id, userID, tokenHash, csrfToken, expiresAt, ip, userAgent)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash returns the unexpired session for tokenHash, or ErrNotFound.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, csrf_token, expires_at, ip_address::text, user_agent, created_at
		FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken,
		&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session by token hash. Deleting a missing session is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes every session row for userID.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes expired session rows, returns how many went.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// verification.go -- Postgres backend for single-use verification records.
//
// Consume is one DELETE ... RETURNING statement, so two concurrent callers
// can never both receive the same row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const verificationColumns = "id, identifier, value, expires_at, created_at"

func scanVerification(row pgx.Row) (*Verification, error) {
	var v Verification
	err := row.Scan(&v.ID, &v.Identifier, &v.Value, &v.ExpiresAt, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVerificationValue stores value under identifier until expiresAt.
// Returns ErrVerificationExists if the identifier is already in use.
func (s *PostgresStore) CreateVerificationValue(ctx context.Context, value, identifier string, expiresAt time.Time) (*Verification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating verification id: %w", err)
	}
	v, err := scanVerification(s.pool.QueryRow(ctx, `
		INSERT INTO verifications (id, identifier, value, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+verificationColumns,
		id, identifier, value, expiresAt))
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, ErrVerificationExists
		}
		return nil, fmt.Errorf("creating verification: %w", err)
	}
	return v, nil
}

// FindVerificationValue returns the live record for identifier without consuming it.
// Expired rows are treated as missing.
func (s *PostgresStore) FindVerificationValue(ctx context.Context, identifier string) (*Verification, error) {
	v, err := scanVerification(s.pool.QueryRow(ctx,
		"SELECT "+verificationColumns+" FROM verifications WHERE identifier = $1 AND expires_at > now()",
		identifier))
	if err != nil {
		if errors.Is(err, ErrVerificationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching verification: %w", err)
	}
	return v, nil
}

// DeleteVerificationValue removes a record by id. Missing ids are not an error.
func (s *PostgresStore) DeleteVerificationValue(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM verifications WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting verification: %w", err)
	}
	return nil
}

// ConsumeVerificationValue atomically removes and returns the record for identifier.
// The row is deleted even when expired; the caller decides what expiry means.
func (s *PostgresStore) ConsumeVerificationValue(ctx context.Context, identifier string) (*Verification, error) {
	v, err := scanVerification(s.pool.QueryRow(ctx,
		"DELETE FROM verifications WHERE identifier = $1 RETURNING "+verificationColumns,
		identifier))
	if err != nil {
		if errors.Is(err, ErrVerificationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("consuming verification: %w", err)
	}
	return v, nil
}

// PurgeExpiredVerifications deletes abandoned records (user never came back from the provider).
func (s *PostgresStore) PurgeExpiredVerifications(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM verifications WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("purging verifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

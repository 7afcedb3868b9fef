// redis_verification.go -- Redis backend for single-use verification records.
//
// verification:<identifier>  JSON Verification, key TTL = expiresAt
// verification_id:<uuid>     identifier, same TTL (delete-by-id index)
//
// Consume is GETDEL, so at most one caller ever sees a given record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// RedisVerificationStore keeps verification records in Redis.
type RedisVerificationStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisVerificationStore wraps an existing client.
func NewRedisVerificationStore(rdb redis.UniversalClient) *RedisVerificationStore {
	return &RedisVerificationStore{rdb: rdb, now: time.Now}
}

func verificationKey(identifier string) string { return "verification:" + identifier }

func verificationIDKey(id uuid.UUID) string { return "verification_id:" + id.String() }

// CreateVerificationValue stores value under identifier until expiresAt.
// Returns ErrVerificationExists if the identifier is already in use.
func (s *RedisVerificationStore) CreateVerificationValue(ctx context.Context, value, identifier string, expiresAt time.Time) (*Verification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating verification id: %w", err)
	}
	now := s.now()
	v := &Verification{
		ID:         id,
		Identifier: identifier,
		Value:      value,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling verification: %w", err)
	}

	// A zero or negative TTL means "no expiry" to Redis; an already-expired record gets the minimum instead.
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	pipe := s.rdb.TxPipeline()
	created := pipe.SetNX(ctx, verificationKey(identifier), raw, ttl)
	pipe.Set(ctx, verificationIDKey(id), identifier, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("creating verification: %w", err)
	}
	if !created.Val() {
		s.rdb.Del(ctx, verificationIDKey(id))
		return nil, ErrVerificationExists
	}
	return v, nil
}

func (s *RedisVerificationStore) decode(raw []byte) (*Verification, error) {
	var v Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parsing verification: %w", err)
	}
	return &v, nil
}

// FindVerificationValue returns the live record for identifier without consuming it.
func (s *RedisVerificationStore) FindVerificationValue(ctx context.Context, identifier string) (*Verification, error) {
	raw, err := s.rdb.Get(ctx, verificationKey(identifier)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching verification: %w", err)
	}
	v, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	if v.Expired(s.now()) {
		return nil, ErrVerificationNotFound
	}
	return v, nil
}

// DeleteVerificationValue removes a record by id. Missing ids are not an error.
func (s *RedisVerificationStore) DeleteVerificationValue(ctx context.Context, id uuid.UUID) error {
	identifier, err := s.rdb.Get(ctx, verificationIDKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving verification id: %w", err)
	}

	// Only drop the record if it is still the one this id points at
	raw, err := s.rdb.Get(ctx, verificationKey(identifier)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("fetching verification: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, verificationIDKey(id))
	if err == nil {
		if v, decErr := s.decode(raw); decErr == nil && v.ID == id {
			pipe.Del(ctx, verificationKey(identifier))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting verification: %w", err)
	}
	return nil
}

// ConsumeVerificationValue atomically removes and returns the record for identifier.
func (s *RedisVerificationStore) ConsumeVerificationValue(ctx context.Context, identifier string) (*Verification, error) {
	raw, err := s.rdb.GetDel(ctx, verificationKey(identifier)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming verification: %w", err)
	}
	v, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	// Index key only serves delete-by-id; losing it early is harmless
	s.rdb.Del(ctx, verificationIDKey(v.ID))
	return v, nil
}

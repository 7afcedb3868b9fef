// memory.go -- In-process verification store.
// For tests and single-instance dev (VERIFICATION_BACKEND=memory); nothing survives a restart.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// MemoryVerificationStore is a mutex-guarded map of verification records.
type MemoryVerificationStore struct {
	mu      sync.Mutex
	records map[string]Verification // by identifier
	now     func() time.Time
}

// NewMemoryVerificationStore returns an empty store. now defaults to time.Now.
func NewMemoryVerificationStore(now func() time.Time) *MemoryVerificationStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryVerificationStore{records: make(map[string]Verification), now: now}
}

func (s *MemoryVerificationStore) CreateVerificationValue(_ context.Context, value, identifier string, expiresAt time.Time) (*Verification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating verification id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[identifier]; ok && !existing.Expired(s.now()) {
		return nil, ErrVerificationExists
	}
	v := Verification{ID: id, Identifier: identifier, Value: value, ExpiresAt: expiresAt, CreatedAt: s.now()}
	s.records[identifier] = v
	return &v, nil
}

func (s *MemoryVerificationStore) FindVerificationValue(_ context.Context, identifier string) (*Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[identifier]
	if !ok || v.Expired(s.now()) {
		return nil, ErrVerificationNotFound
	}
	return &v, nil
}

func (s *MemoryVerificationStore) DeleteVerificationValue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.records {
		if v.ID == id {
			delete(s.records, k)
			return nil
		}
	}
	return nil
}

// ConsumeVerificationValue removes and returns the record, expired or not.
func (s *MemoryVerificationStore) ConsumeVerificationValue(_ context.Context, identifier string) (*Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[identifier]
	if !ok {
		return nil, ErrVerificationNotFound
	}
	delete(s.records, identifier)
	return &v, nil
}

// PurgeExpiredVerifications drops expired records, returns how many went.
func (s *MemoryVerificationStore) PurgeExpiredVerifications(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, v := range s.records {
		if v.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are held, expired included.
func (s *MemoryVerificationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
)

// verifications is the surface every backend shares.
type verifications interface {
	CreateVerificationValue(ctx context.Context, value, identifier string, expiresAt time.Time) (*Verification, error)
	FindVerificationValue(ctx context.Context, identifier string) (*Verification, error)
	DeleteVerificationValue(ctx context.Context, id uuid.UUID) error
	ConsumeVerificationValue(ctx context.Context, identifier string) (*Verification, error)
}

// forEachBackend runs fn against memory, Redis (miniredis) and, when configured, Postgres.
func forEachBackend(t *testing.T, fn func(t *testing.T, vs verifications)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryVerificationStore(nil)) })
	t.Run("redis", func(t *testing.T) { fn(t, NewRedisVerificationStore(testRDB)) })
	t.Run("postgres", func(t *testing.T) {
		requirePostgres(t)
		fn(t, testStore)
	})
}

// uniqueIdentifier avoids collisions between backends sharing one Redis / DB.
func uniqueIdentifier(t *testing.T) string {
	t.Helper()
	return "test-" + mustUUID(t).String()
}

// --- Create + Find ---

func TestVerificationCreateAndFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		ctx := context.Background()
		identifier := uniqueIdentifier(t)
		expiresAt := time.Now().Add(10 * time.Minute).Truncate(time.Millisecond)

		created, err := vs.CreateVerificationValue(ctx, `{"callbackURL":"/"}`, identifier, expiresAt)
		if err != nil {
			t.Fatalf("CreateVerificationValue: %v", err)
		}
		t.Cleanup(func() { vs.DeleteVerificationValue(ctx, created.ID) })
		if created.ID == uuid.Nil {
			t.Error("expected non-nil id")
		}

		got, err := vs.FindVerificationValue(ctx, identifier)
		if err != nil {
			t.Fatalf("FindVerificationValue: %v", err)
		}
		if got.Value != `{"callbackURL":"/"}` {
			t.Errorf("Value: got %q", got.Value)
		}
		if got.ID != created.ID {
			t.Errorf("ID: expected %v, got %v", created.ID, got.ID)
		}
		if !got.ExpiresAt.Equal(expiresAt) {
			t.Errorf("ExpiresAt: expected %v, got %v", expiresAt, got.ExpiresAt)
		}

		// Find does not consume
		if _, err := vs.FindVerificationValue(ctx, identifier); err != nil {
			t.Errorf("second Find should still succeed, got %v", err)
		}
	})
}

func TestVerificationCreateDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		ctx := context.Background()
		identifier := uniqueIdentifier(t)
		expiresAt := time.Now().Add(time.Minute)

		first, err := vs.CreateVerificationValue(ctx, "a", identifier, expiresAt)
		if err != nil {
			t.Fatalf("first create: %v", err)
		}
		t.Cleanup(func() { vs.DeleteVerificationValue(ctx, first.ID) })

		if _, err := vs.CreateVerificationValue(ctx, "b", identifier, expiresAt); !errors.Is(err, ErrVerificationExists) {
			t.Errorf("expected ErrVerificationExists, got %v", err)
		}
		got, err := vs.FindVerificationValue(ctx, identifier)
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if got.Value != "a" {
			t.Errorf("duplicate create overwrote value: %q", got.Value)
		}
	})
}

func TestVerificationFindMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		_, err := vs.FindVerificationValue(context.Background(), uniqueIdentifier(t))
		if !errors.Is(err, ErrVerificationNotFound) {
			t.Errorf("expected ErrVerificationNotFound, got %v", err)
		}
	})
}

func TestVerificationFindHidesExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		ctx := context.Background()
		identifier := uniqueIdentifier(t)
		v, err := vs.CreateVerificationValue(ctx, "x", identifier, time.Now().Add(-time.Second))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		t.Cleanup(func() { vs.DeleteVerificationValue(ctx, v.ID) })

		if _, err := vs.FindVerificationValue(ctx, identifier); !errors.Is(err, ErrVerificationNotFound) {
			t.Errorf("expected expired record to be hidden, got %v", err)
		}
	})
}

// --- Delete ---

func TestVerificationDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		ctx := context.Background()
		identifier := uniqueIdentifier(t)
		v, err := vs.CreateVerificationValue(ctx, "x", identifier, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		if err := vs.DeleteVerificationValue(ctx, v.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := vs.FindVerificationValue(ctx, identifier); !errors.Is(err, ErrVerificationNotFound) {
			t.Errorf("expected not found after delete, got %v", err)
		}

		// Idempotent
		if err := vs.DeleteVerificationValue(ctx, v.ID); err != nil {
			t.Errorf("second Delete should be a no-op, got %v", err)
		}
		if err := vs.DeleteVerificationValue(ctx, mustUUID(t)); err != nil {
			t.Errorf("Delete of unknown id should be a no-op, got %v", err)
		}
	})
}

// --- Consume ---

func TestVerificationConsume(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		ctx := context.Background()
		identifier := uniqueIdentifier(t)
		if _, err := vs.CreateVerificationValue(ctx, "payload", identifier, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := vs.ConsumeVerificationValue(ctx, identifier)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got.Value != "payload" {
			t.Errorf("Value: got %q", got.Value)
		}

		if _, err := vs.ConsumeVerificationValue(ctx, identifier); !errors.Is(err, ErrVerificationNotFound) {
			t.Errorf("second Consume: expected ErrVerificationNotFound, got %v", err)
		}
		if _, err := vs.FindVerificationValue(ctx, identifier); !errors.Is(err, ErrVerificationNotFound) {
			t.Errorf("Find after Consume: expected ErrVerificationNotFound, got %v", err)
		}
	})
}

func TestVerificationConsumeConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, vs verifications) {
		ctx := context.Background()
		identifier := uniqueIdentifier(t)
		if _, err := vs.CreateVerificationValue(ctx, "once", identifier, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("create: %v", err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := vs.ConsumeVerificationValue(ctx, identifier); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("expected exactly one successful consume, got %d", wins.Load())
		}
	})
}

// --- Memory-only ---

func TestMemoryPurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	ms := NewMemoryVerificationStore(clock)

	ms.CreateVerificationValue(ctx, "old", "old", now.Add(time.Second))
	ms.CreateVerificationValue(ctx, "new", "new", now.Add(time.Hour))

	now = now.Add(time.Minute)
	n, err := ms.PurgeExpiredVerifications(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if ms.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", ms.Len())
	}
}

func TestMemoryCreateReplacesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ms := NewMemoryVerificationStore(func() time.Time { return now })

	if _, err := ms.CreateVerificationValue(ctx, "a", "id", now.Add(time.Second)); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := ms.CreateVerificationValue(ctx, "b", "id", now.Add(time.Minute)); err != nil {
		t.Errorf("expected expired identifier to be reusable, got %v", err)
	}
}

// --- Redis-only ---

func TestRedisVerificationKeyTTL(t *testing.T) {
	ctx := context.Background()
	rvs := NewRedisVerificationStore(testRDB)
	identifier := uniqueIdentifier(t)

	if _, err := rvs.CreateVerificationValue(ctx, "x", identifier, time.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ttl := testMini.TTL(verificationKey(identifier))
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("expected key ttl in (0, 5m], got %v", ttl)
	}

	testMini.FastForward(6 * time.Minute)
	if _, err := rvs.ConsumeVerificationValue(ctx, identifier); !errors.Is(err, ErrVerificationNotFound) {
		t.Errorf("expected key to be gone after ttl, got %v", err)
	}
}

package state

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MGallo-Code/obol/internal/store"
)

// VerificationStore is the slice of the store layer a Strategy needs.
// Implemented by store.PostgresStore, store.RedisVerificationStore and store.MemoryVerificationStore.
type VerificationStore interface {
	CreateVerificationValue(ctx context.Context, value, identifier string, expiresAt time.Time) (*store.Verification, error)
	FindVerificationValue(ctx context.Context, identifier string) (*store.Verification, error)
	DeleteVerificationValue(ctx context.Context, id uuid.UUID) error
}

// Consumer is implemented by stores that can find-and-delete in one step.
type Consumer interface {
	ConsumeVerificationValue(ctx context.Context, identifier string) (*store.Verification, error)
}

// consume removes and returns the record for identifier.
// Stores without Consumer get find-then-delete, which is not atomic: two
// concurrent callers can both see the record. Every bundled backend is a Consumer.
func consume(ctx context.Context, vs VerificationStore, identifier string) (*store.Verification, error) {
	if c, ok := vs.(Consumer); ok {
		return c.ConsumeVerificationValue(ctx, identifier)
	}
	v, err := vs.FindVerificationValue(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := vs.DeleteVerificationValue(ctx, v.ID); err != nil {
		return nil, err
	}
	return v, nil
}

// Strategy turns a payload into a state string and back.
// Open consumes: a state opens successfully at most once.
type Strategy interface {
	Name() string
	Seal(ctx context.Context, p Payload) (string, error)
	Open(ctx context.Context, state string) (Payload, error)
}

// ErrStateTooLarge is returned by SealWithin when the encoded state would not fit.
var ErrStateTooLarge = errors.New("state exceeds size limit")

// BoundedSealer is implemented by strategies that can check the size limit before
// writing anything to their store. Manager prefers it over Seal.
type BoundedSealer interface {
	SealWithin(ctx context.Context, p Payload, maxBytes int) (string, error)
}

func tooLarge(n, maxBytes int) error {
	return fmt.Errorf("%w: %d > %d bytes", ErrStateTooLarge, n, maxBytes)
}

// b64 is strict so that flipping trailing bits of the last char is rejected, not ignored.
var b64 = base64.RawURLEncoding.Strict()

// IdentifierLength is the length of opaque state tokens.
const IdentifierLength = 32

// randomIdentifier returns IdentifierLength url-safe characters (192 bits).
func randomIdentifier() (string, error) {
	buf := make([]byte, IdentifierLength*3/4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state identifier: %w", err)
	}
	return b64.EncodeToString(buf), nil
}

func computeMAC(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// sign returns base64url(msg) "." base64url(hmac(msg)).
func sign(key, msg []byte) string {
	return b64.EncodeToString(msg) + "." + b64.EncodeToString(computeMAC(key, msg))
}

// verify reverses sign. Any structural problem is reported as a MAC failure.
func verify(key []byte, signed string) ([]byte, []byte, error) {
	body, tag, ok := strings.Cut(signed, ".")
	if !ok || strings.Contains(tag, ".") {
		return nil, nil, errors.New("missing signature")
	}
	msg, err := b64.DecodeString(body)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding body: %w", err)
	}
	mac, err := b64.DecodeString(tag)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding signature: %w", err)
	}
	if !hmac.Equal(mac, computeMAC(key, msg)) {
		return nil, nil, errors.New("signature mismatch")
	}
	return msg, mac, nil
}

// --- Opaque-token indirection ---

// StoreStrategy hands the browser a random token and keeps the payload server side.
// With a MAC key the stored value is signed too, so a tampered row is rejected.
type StoreStrategy struct {
	store  VerificationStore
	codec  Codec
	macKey []byte
}

// NewStoreStrategy returns the default strategy. macKey may be nil.
func NewStoreStrategy(vs VerificationStore, macKey []byte) *StoreStrategy {
	return &StoreStrategy{store: vs, codec: JSONCodec{}, macKey: macKey}
}

func (s *StoreStrategy) Name() string {
	if s.macKey != nil {
		return "store+mac"
	}
	return "store"
}

func (s *StoreStrategy) Seal(ctx context.Context, p Payload) (string, error) {
	return s.SealWithin(ctx, p, 0)
}

// SealWithin is Seal with a ceiling on the state length; 0 means none.
// The stored value is not limited, only the identifier the browser carries.
func (s *StoreStrategy) SealWithin(ctx context.Context, p Payload, maxBytes int) (string, error) {
	if maxBytes > 0 && IdentifierLength > maxBytes {
		return "", tooLarge(IdentifierLength, maxBytes)
	}
	raw, err := s.codec.Marshal(p)
	if err != nil {
		return "", err
	}
	value := string(raw)
	if s.macKey != nil {
		value = sign(s.macKey, raw)
	}

	identifier, err := randomIdentifier()
	if err != nil {
		return "", err
	}
	if _, err := s.store.CreateVerificationValue(ctx, value, identifier, p.ExpiresAt); err != nil {
		return "", fmt.Errorf("storing state: %w", err)
	}
	return identifier, nil
}

func (s *StoreStrategy) Open(ctx context.Context, state string) (Payload, error) {
	// Consume before anything else: whatever happens next, the record is gone
	v, err := consume(ctx, s.store, state)
	if errors.Is(err, store.ErrVerificationNotFound) {
		return Payload{}, &Error{Reason: ReasonNotFound}
	}
	if err != nil {
		return Payload{}, &Error{Reason: ReasonStoreUnavailable, Err: err}
	}

	raw := []byte(v.Value)
	if s.macKey != nil {
		msg, _, err := verify(s.macKey, v.Value)
		if err != nil {
			return Payload{}, &Error{Reason: ReasonBadMAC, Err: err}
		}
		raw = msg
	}

	p, err := s.codec.Unmarshal(raw)
	if err != nil {
		return Payload{}, &Error{Reason: ReasonMalformed, Err: err}
	}
	return p, nil
}

// --- Sealed payload ---

// replayPrefix namespaces replay markers in the verification store.
const replayPrefix = "oauth-state-replay:"

// aeadKeyInfo separates the sealing key from other uses of the strategy key.
const aeadKeyInfo = "obol/oauth-state/xchacha20poly1305"

// SignedStrategy puts the whole payload in the state string as
// base64url(nonce || XChaCha20-Poly1305(cbor(payload))). The state travels through the
// provider and browser history, so the payload (code verifier included) is encrypted,
// and the AEAD tag rejects any modification.
// With a replay store each state is also recorded and consumed on Open;
// without one the state is reusable until it expires.
type SignedStrategy struct {
	aead   cipher.AEAD
	codec  Codec
	replay VerificationStore
}

// NewSignedStrategy returns a sealed-state strategy. replay may be nil for fully stateless operation.
// key may be any length; a 32-byte AEAD key is derived from it.
func NewSignedStrategy(key []byte, replay VerificationStore) *SignedStrategy {
	aead, err := chacha20poly1305.NewX(computeMAC(key, []byte(aeadKeyInfo)))
	if err != nil {
		// computeMAC always yields chacha20poly1305.KeySize bytes
		panic(err)
	}
	return &SignedStrategy{aead: aead, codec: CBORCodec{}, replay: replay}
}

func (s *SignedStrategy) Name() string {
	if s.replay == nil {
		return "signed"
	}
	return "signed+replay"
}

// replayIdentifier keys the marker on a digest of the whole sealed state.
func replayIdentifier(sealed []byte) string {
	sum := sha256.Sum256(sealed)
	return replayPrefix + b64.EncodeToString(sum[:])
}

func (s *SignedStrategy) Seal(ctx context.Context, p Payload) (string, error) {
	return s.SealWithin(ctx, p, 0)
}

// SealWithin encrypts p and checks the encoded length before the replay marker is written.
func (s *SignedStrategy) SealWithin(ctx context.Context, p Payload, maxBytes int) (string, error) {
	raw, err := s.codec.Marshal(p)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(raw)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating state nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, raw, nil)
	state := b64.EncodeToString(sealed)
	if maxBytes > 0 && len(state) > maxBytes {
		return "", tooLarge(len(state), maxBytes)
	}

	if s.replay != nil {
		if _, err := s.replay.CreateVerificationValue(ctx, "1", replayIdentifier(sealed), p.ExpiresAt); err != nil {
			return "", fmt.Errorf("storing replay marker: %w", err)
		}
	}
	return state, nil
}

func (s *SignedStrategy) Open(ctx context.Context, state string) (Payload, error) {
	// Authenticate first: forged states never reach the store
	sealed, err := b64.DecodeString(state)
	if err != nil {
		return Payload{}, &Error{Reason: ReasonBadMAC, Err: fmt.Errorf("decoding state: %w", err)}
	}
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return Payload{}, &Error{Reason: ReasonBadMAC, Err: errors.New("state too short")}
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	raw, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Payload{}, &Error{Reason: ReasonBadMAC, Err: err}
	}

	if s.replay != nil {
		_, err := consume(ctx, s.replay, replayIdentifier(sealed))
		if errors.Is(err, store.ErrVerificationNotFound) {
			return Payload{}, &Error{Reason: ReasonNotFound, Err: errors.New("replay marker missing")}
		}
		if err != nil {
			return Payload{}, &Error{Reason: ReasonStoreUnavailable, Err: err}
		}
	}

	p, err := s.codec.Unmarshal(raw)
	if err != nil {
		return Payload{}, &Error{Reason: ReasonMalformed, Err: err}
	}
	return p, nil
}

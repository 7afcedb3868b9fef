// password.go

// Argon2id password hashing for credential accounts, plus sign-up input checks.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// argonParams are the cost settings recorded in every hash.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

var defaultArgon = argonParams{memory: 64 * 1024, time: 3, threads: 2}

const (
	argonSaltLen = 16
	argonKeyLen  = 32
)

var errInvalidHash = errors.New("invalid password hash")

// argonHash is a decoded PHC string: $argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
type argonHash struct {
	params argonParams
	salt   []byte
	key    []byte
}

func (h argonHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.memory, h.params.time, h.params.threads,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key))
}

func parseArgonHash(encoded string) (argonHash, error) {
	var h argonHash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return h, errInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return h, fmt.Errorf("%w: version: %v", errInvalidHash, err)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("%w: unsupported argon2 version %d", errInvalidHash, version)
	}
	p := &h.params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return h, fmt.Errorf("%w: params: %v", errInvalidHash, err)
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("%w: salt: %v", errInvalidHash, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(h.key) == 0 {
		return h, fmt.Errorf("%w: key", errInvalidHash)
	}
	return h, nil
}

func derive(password string, salt []byte, p argonParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, keyLen)
}

// HashPassword returns a PHC-formatted Argon2id hash of password.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return argonHash{
		params: defaultArgon,
		salt:   salt,
		key:    derive(password, salt, defaultArgon, argonKeyLen),
	}.String(), nil
}

// VerifyPassword reports whether password matches encoded.
// The hash's own params are used, so raising defaultArgon doesn't invalidate stored hashes.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parseArgonHash(encoded)
	if err != nil {
		return false, err
	}
	got := derive(password, h.salt, h.params, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// dummyHash is verified against when no credential account exists, so unknown
// emails cost the same as wrong passwords.
var dummyHash = sync.OnceValue(func() string {
	h, err := HashPassword("obol-dummy-password")
	if err != nil {
		panic(err)
	}
	return h
})

// ValidateEmail returns a user-facing message, or "" if email is acceptable.
func ValidateEmail(email string) string {
	switch {
	case email == "":
		return "No email provided"
	case len(email) < 5: // a@b.c
		return "Email too short!"
	case len(email) > 254:
		return "Email too long!"
	}
	if _, err := netmail.ParseAddress(email); err != nil {
		return "Invalid email format"
	}
	return ""
}

// maxPasswordBytes bounds Argon2id input.
const maxPasswordBytes = 128

// ValidatePassword returns a user-facing message, or "" if password is acceptable.
func ValidatePassword(password string) string {
	switch {
	case password == "":
		return "No password provided!"
	case utf8.RuneCountInString(password) < 8:
		return "Password too short!"
	case len(password) > maxPasswordBytes:
		return "Password too long!"
	}
	return ""
}

// Package pkce implements the OAuth2 PKCE verifier/challenge pair and its
// persistence between the authorization redirect and the callback.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/riffleapp/riffle/internal/clientstate"
)

// alphabet is the 62-symbol codespace verifiers are drawn from. Bytes are
// mapped modulo its size; the small bias is acceptable for a single-use value.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultVerifierLength is the verifier length used for new auth attempts.
const DefaultVerifierLength = 64

// ErrNoVerifier is returned when the callback finds no persisted verifier.
// The auth attempt must fail closed and return to the start.
var ErrNoVerifier = errors.New("no code verifier stored")

// GenerateVerifier produces a cryptographically random verifier of the given
// length drawn from the alphanumeric alphabet.
func GenerateVerifier(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid verifier length %d", length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// ChallengeFromVerifier computes the S256 code challenge: base64url-encoded
// SHA-256 of the verifier's UTF-8 bytes, without padding.
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Stash persists the verifier so the callback can redeem it later.
// It must be called before redirecting to the provider.
func Stash(store *clientstate.Store, verifier string) error {
	if err := store.Set(clientstate.KeyCodeVerifier, verifier); err != nil {
		return fmt.Errorf("persisting verifier: %w", err)
	}
	return nil
}

// Take reads back and clears the persisted verifier. Returns ErrNoVerifier
// if none was stored; the caller must abort the auth attempt.
func Take(store *clientstate.Store) (string, error) {
	verifier, ok := store.Get(clientstate.KeyCodeVerifier)
	if !ok || verifier == "" {
		return "", ErrNoVerifier
	}
	if err := store.Delete(clientstate.KeyCodeVerifier); err != nil {
		return "", fmt.Errorf("clearing verifier: %w", err)
	}
	return verifier, nil
}

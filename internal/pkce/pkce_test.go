package pkce

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/riffleapp/riffle/internal/clientstate"
)

func TestGenerateVerifier(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{"default length", DefaultVerifierLength},
		{"short", 16},
		{"long", 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier, err := GenerateVerifier(tt.length)
			if err != nil {
				t.Fatalf("GenerateVerifier(%d) error = %v", tt.length, err)
			}
			if len(verifier) != tt.length {
				t.Errorf("length = %d, want %d", len(verifier), tt.length)
			}
			for _, r := range verifier {
				if !strings.ContainsRune(alphabet, r) {
					t.Errorf("verifier contains %q, outside the alphanumeric alphabet", r)
				}
			}
		})
	}
}

func TestGenerateVerifier_InvalidLength(t *testing.T) {
	for _, length := range []int{0, -1} {
		if _, err := GenerateVerifier(length); err == nil {
			t.Errorf("GenerateVerifier(%d) expected error", length)
		}
	}
}

func TestGenerateVerifier_Unique(t *testing.T) {
	a, err := GenerateVerifier(DefaultVerifierLength)
	if err != nil {
		t.Fatalf("GenerateVerifier() error = %v", err)
	}
	b, err := GenerateVerifier(DefaultVerifierLength)
	if err != nil {
		t.Fatalf("GenerateVerifier() error = %v", err)
	}
	if a == b {
		t.Error("two verifiers were identical")
	}
}

func TestChallengeFromVerifier(t *testing.T) {
	// Known vector from RFC 7636 appendix B.
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const want = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := ChallengeFromVerifier(verifier); got != want {
		t.Errorf("ChallengeFromVerifier() = %q, want %q", got, want)
	}
}

func TestChallengeFromVerifier_Base64URL(t *testing.T) {
	verifier, err := GenerateVerifier(DefaultVerifierLength)
	if err != nil {
		t.Fatalf("GenerateVerifier() error = %v", err)
	}

	challenge := ChallengeFromVerifier(verifier)
	if len(challenge) != 43 { // 32 bytes, base64url, no padding
		t.Errorf("challenge length = %d, want 43", len(challenge))
	}
	if strings.ContainsAny(challenge, "+/=") {
		t.Errorf("challenge %q contains non-url-safe characters", challenge)
	}
}

func TestStashAndTake(t *testing.T) {
	store, err := clientstate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := Stash(store, "my-verifier"); err != nil {
		t.Fatalf("Stash() error = %v", err)
	}

	got, err := Take(store)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if got != "my-verifier" {
		t.Errorf("Take() = %q, want %q", got, "my-verifier")
	}

	// Verifier is single-use: a second Take fails closed.
	if _, err := Take(store); !errors.Is(err, ErrNoVerifier) {
		t.Errorf("second Take() error = %v, want ErrNoVerifier", err)
	}
}

func TestTake_Missing(t *testing.T) {
	store, err := clientstate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := Take(store); !errors.Is(err, ErrNoVerifier) {
		t.Errorf("Take() error = %v, want ErrNoVerifier", err)
	}
}

package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestGeneratePKCE(t *testing.T) {
	challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}

	if challenge.CodeChallengeMethod != "S256" {
		t.Errorf("expected method S256, got %s", challenge.CodeChallengeMethod)
	}

	// Verifier must be 43 base64url characters (32 bytes, no padding).
	if len(challenge.CodeVerifier) != 43 {
		t.Errorf("expected 43-char verifier, got %d chars", len(challenge.CodeVerifier))
	}

	// Challenge must be the S256 hash of the verifier.
	hash := sha256.Sum256([]byte(challenge.CodeVerifier))
	want := base64.RawURLEncoding.EncodeToString(hash[:])
	if challenge.CodeChallenge != want {
		t.Errorf("challenge does not match S256(verifier)")
	}
}

func TestGenerateStateTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateStateToken()
		if err != nil {
			t.Fatalf("GenerateStateToken failed: %v", err)
		}
		if len(token) < 43 {
			t.Fatalf("state token too short: %d chars", len(token))
		}
		if seen[token] {
			t.Fatal("duplicate state token generated")
		}
		seen[token] = true
	}
}

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code
	// verifier. 32 bytes provides 256 bits of entropy.
	pkceVerifierBytes = 32

	// stateTokenBytes is the number of random bytes for the anti-forgery
	// state token. 32 bytes encodes to 43 base64url characters, satisfying
	// providers that require a minimum of 32 characters.
	stateTokenBytes = 32
)

// PKCEChallenge holds a PKCE code verifier and its S256 challenge.
type PKCEChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code verifier is 32 random bytes, base64url-encoded; the challenge
// is the S256 (SHA256) hash of the verifier.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       base64.RawURLEncoding.EncodeToString(hash[:]),
		CodeChallengeMethod: "S256",
	}, nil
}

// GenerateStateToken generates a random anti-forgery state token for an
// OAuth authorization request. The token links the authorization response
// back to the session that requested it and prevents CSRF.
//
// Returns a base64url-encoded random string.
func GenerateStateToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code verifier.
	// 32 bytes provides 256 bits of entropy, which is recommended for security.
	pkceVerifierBytes = 32

	// stateBytes is the number of random bytes for the OAuth state parameter.
	stateBytes = 32

	// RandomChallengeLength is the length of the challenge used for silent
	// re-authentication attempts.
	RandomChallengeLength = 43

	// unreservedChars is the RFC 7636 unreserved character set.
	unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code verifier is 32 random bytes (256 bits), base64url-encoded.
// The code challenge is the S256 (SHA256) hash of the verifier.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifier, challenge, err := GeneratePKCERaw()
	if err != nil {
		return nil, err
	}

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, nil
}

// GeneratePKCERaw generates a PKCE code verifier and challenge as raw strings.
func GeneratePKCERaw() (verifier, challenge string, err error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	verifier = base64.RawURLEncoding.EncodeToString(verifierBytes)
	return verifier, S256Challenge(verifier), nil
}

// S256Challenge returns the base64url-encoded SHA256 of verifier.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GenerateRandomPKCEChallenge returns a fresh 43 character string drawn from
// the unreserved character set. Every call reads new randomness from
// crypto/rand; values are never cached.
func GenerateRandomPKCEChallenge() (string, error) {
	max := big.NewInt(int64(len(unreservedChars)))
	out := make([]byte, RandomChallengeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate challenge: %w", err)
		}
		out[i] = unreservedChars[n.Int64()]
	}
	return string(out), nil
}

// GenerateState generates a random state parameter for OAuth.
// The state is used to prevent CSRF attacks and link the authorization
// response back to the original request.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

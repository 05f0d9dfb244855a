package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code verifier.
	// 32 bytes provides 256 bits of entropy, which is recommended for security.
	pkceVerifierBytes = 32

	// stateBytes is the number of random bytes for the OAuth state parameter.
	// 32 bytes encodes to 43 base64url characters, satisfying OAuth servers that
	// require a minimum of 32 characters.
	stateBytes = 32
)

// PKCEState holds the ephemeral secrets of one authorization attempt: the
// code verifier/challenge pair plus the anti-CSRF state token bound to the
// pending callback. It is discarded once the callback is received or the
// attempt is abandoned.
type PKCEState struct {
	// CodeVerifier is the cryptographically random string, base64url-encoded.
	// It is kept secret and only transmitted in the final token exchange.
	CodeVerifier string

	// CodeChallenge is the SHA256 hash of the verifier (base64url-encoded),
	// sent in the authorization request.
	CodeChallenge string

	// CodeChallengeMethod is always "S256" (plain is not allowed in OAuth 2.1).
	CodeChallengeMethod string

	// StateToken is the anti-CSRF nonce echoed back on the callback.
	StateToken string

	// CreatedAt is when this attempt started.
	CreatedAt time.Time
}

// NewPKCEState generates the secrets for a new authorization attempt.
func NewPKCEState() (*PKCEState, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	return &PKCEState{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		StateToken:          state,
		CreatedAt:           time.Now(),
	}, nil
}

// VerifyStateToken checks a state value received on the callback against the
// pending attempt's state token, in constant time.
func (p *PKCEState) VerifyStateToken(received string) bool {
	return subtle.ConstantTimeCompare([]byte(p.StateToken), []byte(received)) == 1
}

// GeneratePKCE generates a PKCE code verifier and its S256 challenge.
// The code verifier is 32 random bytes (256 bits), base64url-encoded.
// The code challenge is the SHA256 hash of the verifier, base64url-encoded.
func GeneratePKCE() (verifier, challenge string, err error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	// Base64url-encode the verifier (no padding, URL-safe)
	verifier = base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])

	return verifier, challenge, nil
}

// GenerateState generates a random state parameter for OAuth.
// The state links the authorization response back to the original request
// and prevents CSRF attacks.
//
// Returns a base64url-encoded random string.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

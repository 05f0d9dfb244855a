package oauth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ExpirySkew is the margin applied when checking record usability.
// A record is considered usable only while now < ExpiresAt - ExpirySkew,
// which accounts for clock skew and in-flight request latency.
const ExpirySkew = 30 * time.Second

// Record is a persisted credential for one server identity.
// It is created on the first successful authorization-code exchange, updated
// in place on refresh, and invalidated when a refresh attempt fails with an
// unrecoverable error.
type Record struct {
	// Identity is the cache key: authorization endpoint host + client name.
	Identity string `json:"identity"`

	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresAt is the absolute expiry of the access token.
	// The zero value means the token does not expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// CreatedAt is when the record was first stored or last refreshed.
	CreatedAt time.Time `json:"created_at"`
}

// Usable reports whether the access token can still be presented, applying
// the ExpirySkew margin. A non-usable record may still carry a refresh token;
// deciding what to do with it is the auth resolver's responsibility, not the
// store's.
func (r *Record) Usable() bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(ExpirySkew).Before(r.ExpiresAt)
}

// Scopes returns the scope as a slice of individual scopes.
func (r *Record) Scopes() []string {
	if r.Scope == "" {
		return nil
	}
	return strings.Fields(r.Scope)
}

// ToOAuth2Token converts the record to an oauth2.Token for interoperability
// with golang.org/x/oauth2.
func (r *Record) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.ExpiresAt,
	}
}

// NewRecord builds a Record from a freshly obtained oauth2.Token.
func NewRecord(identity string, token *oauth2.Token, scope string) *Record {
	return &Record{
		Identity:     identity,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		Scope:        scope,
		CreatedAt:    time.Now(),
	}
}

// DeriveIdentity computes the stable key under which credentials for a server
// are cached: the authorization endpoint host plus the client name. Two
// sessions talking to the same authorization server with the same client
// share one cached credential.
func DeriveIdentity(authorizationEndpoint, clientName string) (string, error) {
	u, err := url.Parse(authorizationEndpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid authorization endpoint %q", authorizationEndpoint)
	}
	return u.Host + "/" + clientName, nil
}

// AuthChallenge holds the parsed parameters of a WWW-Authenticate header.
// It is used to classify 401 responses before deciding on a refresh or a
// full authorization flow.
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm (often the authorization server URL).
	Realm string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the error code from the header (if any), e.g. "invalid_token".
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

// IsBearer returns true if this is a Bearer-scheme challenge.
func (c *AuthChallenge) IsBearer() bool {
	return c != nil && strings.EqualFold(c.Scheme, "Bearer")
}

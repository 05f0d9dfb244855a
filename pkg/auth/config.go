package auth

import (
	"context"
	"net/http"
	"time"

	"mcplink/pkg/oauth"
)

// TokenProvider supplies an access token for outbound requests.
// Implementations are invoked on every request and may refresh the token
// internally; returning an empty string means no token is available.
type TokenProvider interface {
	// GetAccessToken returns the current access token for the given context.
	GetAccessToken(ctx context.Context) string
}

// TokenProviderFunc adapts a plain function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) string

// GetAccessToken implements TokenProvider.
func (f TokenProviderFunc) GetAccessToken(ctx context.Context) string {
	return f(ctx)
}

// Handler is a request-signing strategy produced from a Config.
type Handler interface {
	// Sign attaches credential material to an outbound request.
	Sign(ctx context.Context, req *http.Request) error

	// HandleUnauthorized is called after a 401/403 response and should
	// refresh or re-acquire credentials. Returning an error means nothing
	// can be refreshed and the failure is final for this request.
	HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error
}

// OAuthOptions configures the browser-based authorization-code flow.
type OAuthOptions struct {
	// AuthorizationEndpoint is the IdP's authorization URL.
	AuthorizationEndpoint string

	// TokenEndpoint is the IdP's token exchange URL.
	TokenEndpoint string

	// ClientName identifies this client at the IdP (sent as client_id).
	ClientName string

	// Scopes requested during authorization.
	Scopes []string

	// RedirectPort is the local callback port. Zero selects an ephemeral port.
	RedirectPort int

	// StorageDir overrides the token cache location. Empty uses the default
	// under the user's home directory.
	StorageDir string

	// Timeout bounds the wait for the user to complete the browser flow.
	// Zero uses the flow's default.
	Timeout time.Duration

	// OpenBrowser overrides how the authorization URL is presented to the
	// user. Nil launches the system browser.
	OpenBrowser func(url string) error

	// HTTPClient is used for token endpoint requests. Nil uses a default
	// client with a request timeout.
	HTTPClient *http.Client
}

type configKind int

const (
	kindNone configKind = iota
	kindStaticToken
	kindTokenProvider
	kindHeaders
	kindCustom
	kindOAuth
)

// Config is a closed description of how a connection authenticates.
// Construct one with None, StaticToken, FromProvider, Headers, Custom, or
// OAuth; additional headers can be merged under any variant with
// WithHeaders. The zero value is equivalent to None().
type Config struct {
	kind     configKind
	token    string
	provider TokenProvider
	headers  map[string]string
	custom   Handler
	oauth    *OAuthOptions
}

// None disables request signing.
func None() Config {
	return Config{kind: kindNone}
}

// StaticToken signs every request with a fixed bearer token.
func StaticToken(token string) Config {
	return Config{kind: kindStaticToken, token: token}
}

// FromProvider invokes the provider on every request and signs with the
// returned bearer token.
func FromProvider(p TokenProvider) Config {
	return Config{kind: kindTokenProvider, provider: p}
}

// Headers attaches a fixed set of headers to every request.
func Headers(h map[string]string) Config {
	return Config{kind: kindHeaders, headers: cloneHeaders(h)}
}

// Custom delegates signing and unauthorized handling entirely to the
// caller-supplied handler.
func Custom(h Handler) Config {
	return Config{kind: kindCustom, custom: h}
}

// OAuth signs requests with tokens obtained through the authorization-code
// flow, persisting them in the shared token cache and refreshing them on
// authorization failure.
func OAuth(opts OAuthOptions) Config {
	return Config{kind: kindOAuth, oauth: &opts}
}

// WithHeaders returns a copy of the config with the given headers merged in.
// The headers are applied before the variant's own signing, so a variant
// that sets Authorization wins over a header of the same name.
func (c Config) WithHeaders(h map[string]string) Config {
	merged := cloneHeaders(c.headers)
	if merged == nil {
		merged = make(map[string]string, len(h))
	}
	for k, v := range h {
		merged[k] = v
	}
	c.headers = merged
	return c
}

// IsNone reports whether the config carries no credential material at all.
func (c Config) IsNone() bool {
	return c.kind == kindNone && len(c.headers) == 0
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"mcplink/pkg/oauth"
)

// ErrAuthenticationFailed means signing, refresh, and re-authorization have
// all been exhausted for a request. The caller must re-trigger
// authentication interactively.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

// NewHandler builds the request-signing strategy for a config.
func NewHandler(cfg Config) (Handler, error) {
	var h Handler
	switch cfg.kind {
	case kindNone, kindHeaders:
		h = noneHandler{}
	case kindStaticToken:
		h = staticHandler{token: cfg.token}
	case kindTokenProvider:
		if cfg.provider == nil {
			return nil, fmt.Errorf("auth: token provider config with nil provider")
		}
		h = providerHandler{provider: cfg.provider}
	case kindCustom:
		if cfg.custom == nil {
			return nil, fmt.Errorf("auth: custom config with nil handler")
		}
		h = cfg.custom
	case kindOAuth:
		oh, err := newOAuthHandler(*cfg.oauth)
		if err != nil {
			return nil, err
		}
		h = oh
	default:
		return nil, fmt.Errorf("auth: unknown config kind %d", cfg.kind)
	}

	if len(cfg.headers) > 0 {
		h = headeredHandler{headers: cfg.headers, inner: h}
	}
	return h, nil
}

// noneHandler signs nothing. An unauthorized response is final.
type noneHandler struct{}

func (noneHandler) Sign(ctx context.Context, req *http.Request) error {
	return nil
}

func (noneHandler) HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error {
	return fmt.Errorf("server requires authentication but none is configured: %w", ErrAuthenticationFailed)
}

// staticHandler signs with a fixed bearer token. There is nothing to
// refresh, so a rejection propagates.
type staticHandler struct {
	token string
}

func (h staticHandler) Sign(ctx context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+h.token)
	return nil
}

func (h staticHandler) HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error {
	return fmt.Errorf("static token rejected by server: %w", ErrAuthenticationFailed)
}

// providerHandler asks the provider for a token on every request.
type providerHandler struct {
	provider TokenProvider
}

func (h providerHandler) Sign(ctx context.Context, req *http.Request) error {
	if token := h.provider.GetAccessToken(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// HandleUnauthorized re-invokes the provider so it can refresh internally.
// The retried request is signed with whatever the provider returns next.
func (h providerHandler) HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error {
	if token := h.provider.GetAccessToken(ctx); token == "" {
		return fmt.Errorf("token provider returned no token after rejection: %w", ErrAuthenticationFailed)
	}
	return nil
}

// headeredHandler merges fixed headers underneath another strategy. Headers
// are applied first so the inner strategy wins on conflicts.
type headeredHandler struct {
	headers map[string]string
	inner   Handler
}

func (h headeredHandler) Sign(ctx context.Context, req *http.Request) error {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.inner.Sign(ctx, req)
}

func (h headeredHandler) HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error {
	return h.inner.HandleUnauthorized(ctx, challenge)
}

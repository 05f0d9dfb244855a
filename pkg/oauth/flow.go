package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultAuthorizationTimeout bounds how long a flow waits for the user to
// complete the browser consent step.
const DefaultAuthorizationTimeout = 5 * time.Minute

// DefaultHTTPTimeout is the default timeout for token endpoint requests.
const DefaultHTTPTimeout = 30 * time.Second

// ErrStateMismatch is returned when the state token on the callback does not
// match the pending attempt's. The authorization code is discarded without
// an exchange; this defends against authorization-code injection.
var ErrStateMismatch = errors.New("oauth: callback state mismatch")

// ErrAuthorizationTimeout is returned when the user did not complete the
// browser flow within the configured timeout.
var ErrAuthorizationTimeout = errors.New("oauth: authorization timed out")

// FlowState is the lifecycle state of one authorization attempt.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowAwaitingUserConsent
	FlowAwaitingCallback
	FlowExchangingCode
	FlowComplete
	FlowFailed
)

// String returns the string representation of the flow state.
func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAwaitingUserConsent:
		return "awaiting_user_consent"
	case FlowAwaitingCallback:
		return "awaiting_callback"
	case FlowExchangingCode:
		return "exchanging_code"
	case FlowComplete:
		return "complete"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FlowConfig configures one authorization attempt.
type FlowConfig struct {
	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string

	// ClientName identifies this client; sent as client_id.
	ClientName string

	// Scopes are the OAuth scopes to request.
	Scopes []string

	// RedirectPort is the local callback port. Zero means an ephemeral port.
	RedirectPort int

	// Timeout bounds the wait for the browser callback.
	// Defaults to DefaultAuthorizationTimeout.
	Timeout time.Duration

	// HTTPClient is used for the token exchange. Defaults to a client with
	// DefaultHTTPTimeout.
	HTTPClient *http.Client

	// OpenBrowser hands the authorization URL to the user's browser.
	// Defaults to the OpenBrowser function in this package.
	OpenBrowser func(url string) error
}

// Flow drives a single OAuth authorization attempt through
//
//	Idle → AwaitingUserConsent → AwaitingCallback → ExchangingCode → Complete
//
// with Failed reachable from any non-idle state. A Flow is single-use: Run
// may be called once; callers needing another attempt create a new Flow.
type Flow struct {
	cfg FlowConfig

	mu       sync.Mutex
	state    FlowState
	pkce     *PKCEState
	callback *CallbackServer
	failure  error
}

// NewFlow creates an idle flow with defaults applied.
func NewFlow(cfg FlowConfig) *Flow {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultAuthorizationTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = OpenBrowser
	}
	return &Flow{cfg: cfg, state: FlowIdle}
}

// State returns the flow's current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the failure cause once the flow is in FlowFailed.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

func (f *Flow) transition(to FlowState) {
	f.mu.Lock()
	f.state = to
	f.mu.Unlock()
}

func (f *Flow) fail(err error) error {
	f.mu.Lock()
	f.state = FlowFailed
	f.failure = err
	f.mu.Unlock()
	return err
}

// Run executes the flow and returns the obtained token on success.
// The callback listener is closed on every exit path: success, state
// mismatch, timeout, or error.
func (f *Flow) Run(ctx context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	if f.state != FlowIdle {
		state := f.state
		f.mu.Unlock()
		return nil, fmt.Errorf("oauth: flow already ran (state %s)", state)
	}
	f.mu.Unlock()

	pkce, err := NewPKCEState()
	if err != nil {
		return nil, f.fail(err)
	}

	callback := NewCallbackServer(f.cfg.RedirectPort)
	redirectURI, err := callback.Start(ctx)
	if err != nil {
		return nil, f.fail(err)
	}
	defer callback.Stop()

	f.mu.Lock()
	f.pkce = pkce
	f.callback = callback
	f.state = FlowAwaitingUserConsent
	f.mu.Unlock()

	authURL, err := f.authorizationURL(pkce, redirectURI)
	if err != nil {
		return nil, f.fail(err)
	}

	if err := f.cfg.OpenBrowser(authURL); err != nil {
		// Not fatal: the user can still open the URL by hand.
		slog.Warn("could not open browser for authorization",
			"error", err.Error(),
		)
		slog.Info("open this URL to authorize", "url", authURL)
	}

	f.transition(FlowAwaitingCallback)

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	result, err := callback.WaitForCallback(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, f.fail(ErrAuthorizationTimeout)
		}
		return nil, f.fail(fmt.Errorf("callback failed: %w", err))
	}

	if !pkce.VerifyStateToken(result.State) {
		slog.Warn("oauth state mismatch detected, rejecting callback",
			"expected_len", len(pkce.StateToken),
			"received_len", len(result.State),
		)
		return nil, f.fail(ErrStateMismatch)
	}

	if result.IsError() {
		if result.ErrorDescription != "" {
			return nil, f.fail(fmt.Errorf("authorization failed: %s - %s", result.Error, result.ErrorDescription))
		}
		return nil, f.fail(fmt.Errorf("authorization failed: %s", result.Error))
	}

	if result.Code == "" {
		return nil, f.fail(errors.New("no authorization code in callback"))
	}

	f.transition(FlowExchangingCode)

	token, err := f.exchangeCode(ctx, result.Code, redirectURI, pkce.CodeVerifier)
	if err != nil {
		return nil, f.fail(fmt.Errorf("token exchange failed: %w", err))
	}

	f.transition(FlowComplete)
	return token, nil
}

// authorizationURL builds the URL the user's browser is sent to.
func (f *Flow) authorizationURL(pkce *PKCEState, redirectURI string) (string, error) {
	u, err := url.Parse(f.cfg.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.cfg.ClientName},
		"redirect_uri":          {redirectURI},
		"state":                 {pkce.StateToken},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {pkce.CodeChallengeMethod},
	}
	if len(f.cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(f.cfg.Scopes, " "))
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

// exchangeCode trades the authorization code plus the code verifier for a
// token at the token endpoint.
func (f *Flow) exchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth2.Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
		"client_id":     {f.cfg.ClientName},
	}
	return postTokenRequest(ctx, f.cfg.HTTPClient, f.cfg.TokenEndpoint, data)
}

// RefreshGrant exchanges a refresh token for a new access token.
// Used by the auth resolver for silent refresh; a nil httpClient gets the
// package default.
func RefreshGrant(ctx context.Context, httpClient *http.Client, tokenEndpoint, clientName, refreshToken string) (*oauth2.Token, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientName},
	}
	return postTokenRequest(ctx, httpClient, tokenEndpoint, data)
}

// postTokenRequest performs a form-encoded POST against the token endpoint
// and parses the standard token response.
func postTokenRequest(ctx context.Context, httpClient *http.Client, tokenEndpoint string, data url.Values) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	if tokenResp.Scope != "" {
		token = token.WithExtra(map[string]interface{}{"scope": tokenResp.Scope})
	}

	return token, nil
}

// TokenScope returns the scope granted in a token response, if the server
// reported one.
func TokenScope(token *oauth2.Token) string {
	if scope, ok := token.Extra("scope").(string); ok {
		return scope
	}
	return ""
}

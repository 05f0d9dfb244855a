package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mcplink/pkg/oauth"
)

// refreshGroup serializes refresh and re-authorization per server identity
// across every handler in the process. Concurrent 401s for the same identity
// coalesce onto one in-flight attempt instead of opening duplicate browser
// windows.
var refreshGroup singleflight.Group

// oauthHandler signs requests with cached OAuth tokens and drives the
// refresh-or-reauthorize path on 401/403.
type oauthHandler struct {
	opts     OAuthOptions
	identity string
	store    *oauth.TokenStore

	mu      sync.RWMutex
	current *oauth.Record
}

func newOAuthHandler(opts OAuthOptions) (*oauthHandler, error) {
	if opts.AuthorizationEndpoint == "" || opts.TokenEndpoint == "" {
		return nil, fmt.Errorf("auth: oauth config requires authorization and token endpoints")
	}
	if opts.ClientName == "" {
		return nil, fmt.Errorf("auth: oauth config requires a client name")
	}

	identity, err := oauth.DeriveIdentity(opts.AuthorizationEndpoint, opts.ClientName)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	storageDir := opts.StorageDir
	if storageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("auth: cannot determine home directory for token storage: %w", err)
		}
		storageDir = filepath.Join(home, oauth.DefaultTokenStorageDir)
	}

	store, err := oauth.NewTokenStore(storageDir)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	if opts.OpenBrowser == nil {
		opts.OpenBrowser = oauth.OpenBrowser
	}

	return &oauthHandler{
		opts:     opts,
		identity: identity,
		store:    store,
	}, nil
}

// Sign attaches the current access token if one is known. A token past the
// usability skew that carries a refresh token is renewed up front instead
// of being spent on a request that can only come back 401; when the renewal
// fails, the stale token is attached anyway and the 401 path escalates.
func (h *oauthHandler) Sign(ctx context.Context, req *http.Request) error {
	rec, err := h.currentRecord()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	if !rec.Usable() && rec.RefreshToken != "" {
		refreshed, err := h.silentRefresh(ctx, rec)
		if err == nil {
			rec = refreshed
		} else {
			slog.Debug("eager token refresh failed, keeping cached token",
				"identity", h.identity,
				"error", err.Error(),
			)
		}
	}

	if rec.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	}
	return nil
}

// currentRecord returns the in-memory record, falling back to the store on
// first use.
func (h *oauthHandler) currentRecord() (*oauth.Record, error) {
	h.mu.RLock()
	rec := h.current
	h.mu.RUnlock()
	if rec != nil {
		return rec, nil
	}

	rec, err := h.store.Load(h.identity)
	if err != nil {
		return nil, fmt.Errorf("loading cached token: %w", err)
	}
	if rec != nil {
		h.setCurrent(rec)
	}
	return rec, nil
}

func (h *oauthHandler) setCurrent(rec *oauth.Record) {
	h.mu.Lock()
	h.current = rec
	h.mu.Unlock()
}

// HandleUnauthorized refreshes the cached credential or, failing that, runs
// the interactive authorization flow. Concurrent callers for the same server
// identity share one attempt.
func (h *oauthHandler) HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error {
	if challenge.IsBearer() && challenge.Error != "" {
		slog.Debug("authorization challenge received",
			"identity", h.identity,
			"error", challenge.Error,
			"error_description", challenge.ErrorDescription,
		)
	}

	result, err, shared := refreshGroup.Do(h.identity, func() (interface{}, error) {
		return h.acquireToken(ctx, challenge)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if shared {
		slog.Debug("reused in-flight credential refresh", "identity", h.identity)
	}

	h.setCurrent(result.(*oauth.Record))
	return nil
}

// silentRefresh runs only the refresh grant, never the interactive flow.
// It shares the singleflight key with HandleUnauthorized, so an eager
// refresh and a 401-driven one never run concurrently for one identity.
func (h *oauthHandler) silentRefresh(ctx context.Context, rec *oauth.Record) (*oauth.Record, error) {
	result, err, _ := refreshGroup.Do(h.identity, func() (interface{}, error) {
		return h.refreshRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	refreshed := result.(*oauth.Record)
	h.setCurrent(refreshed)
	return refreshed, nil
}

// acquireToken is the single-flight body: silent refresh first, interactive
// flow only when no refresh token exists or the refresh itself is rejected.
func (h *oauthHandler) acquireToken(ctx context.Context, challenge *oauth.AuthChallenge) (*oauth.Record, error) {
	rec, err := h.store.Load(h.identity)
	if err != nil {
		return nil, err
	}

	if rec != nil && rec.RefreshToken != "" {
		refreshed, err := h.refreshRecord(ctx, rec)
		if err == nil {
			return refreshed, nil
		}

		// A rejected refresh token is unrecoverable. Drop the record and fall
		// back to the interactive flow.
		slog.Warn("token refresh rejected, falling back to interactive authorization",
			"identity", h.identity,
			"error", err.Error(),
		)
		if invErr := h.store.Invalidate(h.identity); invErr != nil {
			slog.Warn("could not invalidate stale token record",
				"identity", h.identity,
				"error", invErr.Error(),
			)
		}
	}

	return h.runInteractiveFlow(ctx, challenge)
}

// refreshRecord exchanges the record's refresh token for a new access token
// and persists the result.
func (h *oauthHandler) refreshRecord(ctx context.Context, rec *oauth.Record) (*oauth.Record, error) {
	token, err := oauth.RefreshGrant(ctx, h.opts.HTTPClient, h.opts.TokenEndpoint, h.opts.ClientName, rec.RefreshToken)
	if err != nil {
		return nil, err
	}

	if token.RefreshToken == "" {
		// Endpoints that do not rotate refresh tokens keep the old one valid.
		token.RefreshToken = rec.RefreshToken
	}

	refreshed := oauth.NewRecord(h.identity, token, h.refreshedScope(token, rec))
	if storeErr := h.store.Store(h.identity, refreshed); storeErr != nil {
		slog.Warn("could not persist refreshed token",
			"identity", h.identity,
			"error", storeErr.Error(),
		)
	}
	return refreshed, nil
}

func (h *oauthHandler) runInteractiveFlow(ctx context.Context, challenge *oauth.AuthChallenge) (*oauth.Record, error) {
	scopes := h.opts.Scopes
	if len(scopes) == 0 && challenge.IsBearer() && challenge.Scope != "" {
		scopes = strings.Fields(challenge.Scope)
	}

	flow := oauth.NewFlow(oauth.FlowConfig{
		AuthorizationEndpoint: h.opts.AuthorizationEndpoint,
		TokenEndpoint:         h.opts.TokenEndpoint,
		ClientName:            h.opts.ClientName,
		Scopes:                scopes,
		RedirectPort:          h.opts.RedirectPort,
		Timeout:               h.opts.Timeout,
		HTTPClient:            h.opts.HTTPClient,
		OpenBrowser:           h.opts.OpenBrowser,
	})

	token, err := flow.Run(ctx)
	if err != nil {
		return nil, err
	}

	rec := oauth.NewRecord(h.identity, token, oauth.TokenScope(token))
	if storeErr := h.store.Store(h.identity, rec); storeErr != nil {
		slog.Warn("could not persist token after authorization",
			"identity", h.identity,
			"error", storeErr.Error(),
		)
	}
	return rec, nil
}

// refreshedScope prefers the scope granted on refresh, falling back to the
// scope of the previous record when the endpoint omits it.
func (h *oauthHandler) refreshedScope(token *oauth2.Token, prev *oauth.Record) string {
	if s := oauth.TokenScope(token); s != "" {
		return s
	}
	return prev.Scope
}

// Identity returns the cache key this handler stores credentials under.
func (h *oauthHandler) Identity() string {
	return h.identity
}

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcplink/pkg/oauth"
)

// testIdP serves /token and counts refresh and exchange grants. Identities
// derived from its URL are unique per test because each httptest server gets
// its own port.
type testIdP struct {
	server        *httptest.Server
	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
	rejectRefresh bool
}

func newTestIdP(t *testing.T, rejectRefresh bool) *testIdP {
	t.Helper()
	idp := &testIdP{rejectRefresh: rejectRefresh}
	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())

		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			idp.refreshCalls.Add(1)
			// Slow enough that concurrent callers overlap the in-flight grant.
			time.Sleep(100 * time.Millisecond)
			if idp.rejectRefresh {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		case "authorization_code":
			idp.exchangeCalls.Add(1)
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "fresh-refresh",
		})
	}))
	t.Cleanup(idp.server.Close)
	return idp
}

func newTestOAuthHandler(t *testing.T, idp *testIdP, browser func(string) error) *oauthHandler {
	t.Helper()
	if browser == nil {
		browser = func(string) error { return nil }
	}
	h, err := newOAuthHandler(OAuthOptions{
		AuthorizationEndpoint: idp.server.URL + "/authorize",
		TokenEndpoint:         idp.server.URL + "/token",
		ClientName:            "mcplink-" + uuid.NewString()[:8],
		StorageDir:            t.TempDir(),
		Timeout:               5 * time.Second,
		OpenBrowser:           browser,
	})
	require.NoError(t, err)
	return h
}

func seedRecord(t *testing.T, h *oauthHandler, expiresAt time.Time, refreshToken string) {
	t.Helper()
	require.NoError(t, h.store.Store(h.identity, &oauth.Record{
		Identity:     h.identity,
		AccessToken:  "seeded-access",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}))
}

// consent simulates the user approving in the browser: parse the
// authorization URL and hit the redirect URI with a code and the echoed state.
func consent(authURL string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	q := u.Query()
	go func() {
		resp, err := http.Get(q.Get("redirect_uri") + "?code=user-approved&state=" + url.QueryEscape(q.Get("state")))
		if err == nil {
			resp.Body.Close()
		}
	}()
	return nil
}

func TestOAuthHandler_SignWithCachedToken(t *testing.T) {
	idp := newTestIdP(t, false)
	h := newTestOAuthHandler(t, idp, nil)
	seedRecord(t, h, time.Now().Add(time.Hour), "refresh")

	req := newTestRequest(t)
	require.NoError(t, h.Sign(context.Background(), req))
	assert.Equal(t, "Bearer seeded-access", req.Header.Get("Authorization"))
}

func TestOAuthHandler_SignWithoutToken(t *testing.T) {
	idp := newTestIdP(t, false)
	h := newTestOAuthHandler(t, idp, nil)

	req := newTestRequest(t)
	require.NoError(t, h.Sign(context.Background(), req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestOAuthHandler_SignAttachesStaleToken(t *testing.T) {
	idp := newTestIdP(t, false)
	h := newTestOAuthHandler(t, idp, nil)
	seedRecord(t, h, time.Now().Add(-time.Hour), "")

	// With no refresh token there is nothing to renew; the stale token is
	// attached anyway and the server's 401 drives re-authorization.
	req := newTestRequest(t)
	require.NoError(t, h.Sign(context.Background(), req))
	assert.Equal(t, "Bearer seeded-access", req.Header.Get("Authorization"))
	assert.Equal(t, int64(0), idp.refreshCalls.Load())
}

func TestOAuthHandler_SignRefreshesExpiredToken(t *testing.T) {
	idp := newTestIdP(t, false)
	browserOpened := atomic.Bool{}
	h := newTestOAuthHandler(t, idp, func(string) error {
		browserOpened.Store(true)
		return nil
	})
	seedRecord(t, h, time.Now().Add(-time.Hour), "old-refresh")

	// An expired token alongside a refresh token is renewed before the
	// request goes out, so the first attempt already carries a live token.
	req := newTestRequest(t)
	require.NoError(t, h.Sign(context.Background(), req))
	assert.Equal(t, "Bearer fresh-access", req.Header.Get("Authorization"))
	assert.Equal(t, int64(1), idp.refreshCalls.Load())
	assert.Equal(t, int64(0), idp.exchangeCalls.Load())
	assert.False(t, browserOpened.Load(), "signing must never go interactive")
}

func TestOAuthHandler_SignKeepsStaleTokenWhenRefreshRejected(t *testing.T) {
	idp := newTestIdP(t, true)
	browserOpened := atomic.Bool{}
	h := newTestOAuthHandler(t, idp, func(string) error {
		browserOpened.Store(true)
		return nil
	})
	seedRecord(t, h, time.Now().Add(-time.Hour), "revoked-refresh")

	// A failed eager renewal falls back to the stale token; escalation to
	// the interactive flow is reserved for the 401 path.
	req := newTestRequest(t)
	require.NoError(t, h.Sign(context.Background(), req))
	assert.Equal(t, "Bearer seeded-access", req.Header.Get("Authorization"))
	assert.Equal(t, int64(0), idp.exchangeCalls.Load())
	assert.False(t, browserOpened.Load(), "signing must never go interactive")
}

func TestOAuthHandler_SilentRefresh(t *testing.T) {
	idp := newTestIdP(t, false)
	browserOpened := atomic.Bool{}
	h := newTestOAuthHandler(t, idp, func(string) error {
		browserOpened.Store(true)
		return nil
	})
	seedRecord(t, h, time.Now().Add(-time.Hour), "old-refresh")

	require.NoError(t, h.HandleUnauthorized(context.Background(), nil))

	assert.Equal(t, int64(1), idp.refreshCalls.Load())
	assert.Equal(t, int64(0), idp.exchangeCalls.Load())
	assert.False(t, browserOpened.Load(), "interactive flow must not run when refresh succeeds")

	// The refreshed record is persisted with a future expiry.
	rec, err := h.store.Load(h.identity)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fresh-access", rec.AccessToken)
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	// The retried request carries the new token.
	req := newTestRequest(t)
	require.NoError(t, h.Sign(context.Background(), req))
	assert.Equal(t, "Bearer fresh-access", req.Header.Get("Authorization"))
}

func TestOAuthHandler_InteractiveFlowWhenNoRecord(t *testing.T) {
	idp := newTestIdP(t, false)
	h := newTestOAuthHandler(t, idp, consent)

	require.NoError(t, h.HandleUnauthorized(context.Background(), nil))

	assert.Equal(t, int64(0), idp.refreshCalls.Load())
	assert.Equal(t, int64(1), idp.exchangeCalls.Load())

	rec, err := h.store.Load(h.identity)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fresh-access", rec.AccessToken)
}

func TestOAuthHandler_RejectedRefreshFallsBackToInteractive(t *testing.T) {
	idp := newTestIdP(t, true)
	h := newTestOAuthHandler(t, idp, consent)
	seedRecord(t, h, time.Now().Add(-time.Hour), "revoked-refresh")

	require.NoError(t, h.HandleUnauthorized(context.Background(), nil))

	assert.Equal(t, int64(1), idp.refreshCalls.Load())
	assert.Equal(t, int64(1), idp.exchangeCalls.Load())

	// The invalidated record was replaced by the interactive flow's result.
	rec, err := h.store.Load(h.identity)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fresh-access", rec.AccessToken)
	assert.NotEqual(t, "revoked-refresh", rec.RefreshToken)
}

func TestOAuthHandler_ConcurrentUnauthorizedCoalesce(t *testing.T) {
	idp := newTestIdP(t, false)
	h := newTestOAuthHandler(t, idp, nil)
	seedRecord(t, h, time.Now().Add(-time.Hour), "old-refresh")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.HandleUnauthorized(context.Background(), nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	// All callers share one in-flight refresh.
	assert.Equal(t, int64(1), idp.refreshCalls.Load())
}

func TestOAuthHandler_ScopeFromChallenge(t *testing.T) {
	idp := newTestIdP(t, false)

	var authorizeURL string
	h := newTestOAuthHandler(t, idp, func(u string) error {
		authorizeURL = u
		return consent(u)
	})

	challenge := &oauth.AuthChallenge{Scheme: "Bearer", Scope: "tools:invoke offline_access"}
	require.NoError(t, h.HandleUnauthorized(context.Background(), challenge))

	parsed, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	assert.Equal(t, "tools:invoke offline_access", parsed.Query().Get("scope"))
}

func TestNewOAuthHandler_Validation(t *testing.T) {
	_, err := newOAuthHandler(OAuthOptions{ClientName: "x"})
	assert.Error(t, err)

	_, err = newOAuthHandler(OAuthOptions{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	})
	assert.Error(t, err)
}

package oauth

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	store, err := NewTokenStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTokenStore() failed: %v", err)
	}
	return store
}

func TestTokenStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	rec := &Record{
		Identity:     "auth.example.com/test-client",
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scope:        "openid profile",
		CreatedAt:    time.Now().Truncate(time.Second),
	}

	if err := store.Store(rec.Identity, rec); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	loaded, err := store.Load(rec.Identity)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() returned nil after Store()")
	}

	if loaded.AccessToken != rec.AccessToken ||
		loaded.RefreshToken != rec.RefreshToken ||
		loaded.TokenType != rec.TokenType ||
		loaded.Scope != rec.Scope ||
		!loaded.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", loaded, rec)
	}
}

func TestTokenStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Load("auth.example.com/no-such-client")
	if err != nil {
		t.Fatalf("Load() of missing record failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Load() of missing record = %+v, want nil", rec)
	}
}

func TestTokenStore_LoadReturnsStaleRecord(t *testing.T) {
	store := newTestStore(t)

	// Expired access token but a live refresh token: the store must hand it
	// back; the refresh decision is not the store's.
	rec := &Record{
		Identity:     "auth.example.com/stale",
		AccessToken:  "expired-access",
		RefreshToken: "still-good-refresh",
		ExpiresAt:    time.Now().Add(-time.Hour),
		CreatedAt:    time.Now().Add(-2 * time.Hour),
	}
	if err := store.Store(rec.Identity, rec); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	loaded, err := store.Load(rec.Identity)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() withheld a stale record")
	}
	if loaded.Usable() {
		t.Error("stale record reported as usable")
	}
	if loaded.RefreshToken != rec.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", loaded.RefreshToken, rec.RefreshToken)
	}
}

func TestTokenStore_Invalidate(t *testing.T) {
	store := newTestStore(t)

	identity := "auth.example.com/gone"
	if err := store.Store(identity, &Record{Identity: identity, AccessToken: "x"}); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if err := store.Invalidate(identity); err != nil {
		t.Fatalf("Invalidate() failed: %v", err)
	}

	rec, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if rec != nil {
		t.Error("record survived Invalidate()")
	}

	// Invalidating again is a no-op.
	if err := store.Invalidate(identity); err != nil {
		t.Errorf("second Invalidate() failed: %v", err)
	}
}

func TestTokenStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTokenStore(dir)
	if err != nil {
		t.Fatalf("NewTokenStore() failed: %v", err)
	}

	identity := "auth.example.com/perms"
	if err := store.Store(identity, &Record{Identity: identity, AccessToken: "secret"}); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 record file, found %d", len(entries))
	}

	info, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("record file permissions = %o, want 600", perm)
	}
}

func TestTokenStore_ConcurrentStore(t *testing.T) {
	store := newTestStore(t)
	identity := "auth.example.com/racy"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := &Record{Identity: identity, AccessToken: "token", CreatedAt: time.Now()}
			if err := store.Store(identity, rec); err != nil {
				t.Errorf("concurrent Store() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Whatever won, the record must parse: no interleaved partial writes.
	loaded, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() after concurrent stores failed: %v", err)
	}
	if loaded == nil || loaded.AccessToken != "token" {
		t.Errorf("unexpected record after concurrent stores: %+v", loaded)
	}
}

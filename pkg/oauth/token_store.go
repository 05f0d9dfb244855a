package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTokenStorageDir is the default directory for stored token records,
// relative to the user's home directory.
const DefaultTokenStorageDir = ".config/mcplink/tokens"

// TokenStore persists one Record per server identity as a JSON file.
//
// The store is deliberately dumb: Load returns whatever record exists,
// including one whose access token has expired, as long as the file parses.
// Staleness detection and the refresh decision belong to the auth resolver.
//
// SECURITY: the store handles credentials. The storage directory is created
// with 0700 and record files with 0600; token values are never logged, only
// identities. Writes are atomic (temp file + rename) so concurrent stores
// for the same identity never interleave partial content.
type TokenStore struct {
	mu         sync.Mutex
	storageDir string
	locks      map[string]*sync.Mutex // per-identity serialization
}

// NewTokenStore creates a token store rooted at storageDir.
// An empty storageDir defaults to ~/.config/mcplink/tokens.
func NewTokenStore(storageDir string) (*TokenStore, error) {
	if storageDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		storageDir = filepath.Join(homeDir, DefaultTokenStorageDir)
	}

	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token storage directory: %w", err)
	}

	return &TokenStore{
		storageDir: storageDir,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Load retrieves the stored record for an identity.
// Returns (nil, nil) if no record exists. Expired records are returned
// as-is; callers decide whether to refresh or re-authorize.
func (s *TokenStore) Load(identity string) (*Record, error) {
	lock := s.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.recordPath(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	return &rec, nil
}

// Store persists a record for an identity, replacing any previous one.
// The write is atomic: the record is written to a temp file in the same
// directory and renamed into place.
func (s *TokenStore) Store(identity string, rec *Record) error {
	lock := s.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	path := s.recordPath(identity)
	tmp, err := os.CreateTemp(s.storageDir, ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to restrict token file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace token record: %w", err)
	}

	slog.Info("SECURITY_AUDIT: token record stored",
		"event", "token_stored",
		"identity", identity,
		"expires_at", rec.ExpiresAt.Format(time.RFC3339),
		"has_refresh_token", rec.RefreshToken != "",
	)
	return nil
}

// Invalidate removes the stored record for an identity.
// Removing an absent record is a no-op.
func (s *TokenStore) Invalidate(identity string) error {
	lock := s.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.recordPath(identity))
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("SECURITY_AUDIT: token record invalidation failed",
			"event", "token_invalidate_failed",
			"identity", identity,
			"error", err.Error(),
		)
		return err
	}

	slog.Info("SECURITY_AUDIT: token record invalidated",
		"event", "token_invalidated",
		"identity", identity,
	)
	return nil
}

// identityLock returns the mutex serializing access for one identity.
// Access for different identities proceeds concurrently.
func (s *TokenStore) identityLock(identity string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[identity] = lock
	}
	return lock
}

// recordPath maps an identity to its record file.
// Uses a SHA256 hash to produce filesystem-safe names.
func (s *TokenStore) recordPath(identity string) string {
	hash := sha256.Sum256([]byte(identity))
	return filepath.Join(s.storageDir, hex.EncodeToString(hash[:16])+".json")
}

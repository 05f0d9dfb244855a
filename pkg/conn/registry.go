package conn

import (
	"log/slog"
	"sync"
)

// registry is the process-wide table of live sessions. It holds an
// association, not an ownership: each session is still owned by its
// creator, but the registry guarantees that on shutdown every still-open
// session is closed exactly once. Order is unspecified.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

var defaultRegistry = &registry{sessions: make(map[string]*Session)}

func (r *registry) register(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *registry) closeAll() {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		// Failures are logged, never propagated: this runs during shutdown
		// when no caller remains to observe them, and one session's failure
		// must not block closing the others.
		if err := s.Close(); err != nil {
			slog.Warn("closing session on shutdown",
				"session_id", s.id,
				"address", s.address.String(),
				"error", err.Error(),
			)
		}
	}
}

// Sessions returns the ids of all currently registered sessions.
func Sessions() []string {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	ids := make([]string, 0, len(defaultRegistry.sessions))
	for id := range defaultRegistry.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every still-open session. Call it on program shutdown;
// sessions already closed by their owners are skipped.
func CloseAll() {
	defaultRegistry.closeAll()
}

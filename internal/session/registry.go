package session

import "sync"

// Registry is the server's live-sessions list: every reachable session
// appears in it exactly once, from Run's start until its deferred
// cleanup removes it. It also backs the SIGUSR1 state dump.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// snapshotEntry is one session's row in the SIGUSR1 dump.
type snapshotEntry struct {
	ID    uint64 `yaml:"id"`
	State string `yaml:"state"`
}

// Snapshot returns a stable summary of every live session, for the
// SIGUSR1 state dump.
func (r *Registry) Snapshot() any {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]snapshotEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		entries = append(entries, snapshotEntry{ID: s.id, State: string(s.State())})
	}
	return entries
}

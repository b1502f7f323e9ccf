package session

import (
	"fmt"
	"sync"
)

// Registry maps call ids to their live sessions. Each entry has a single
// writer (the session that registered it); the registry itself only guards
// the map. It exists to route the out-of-band text-input channel into the
// right session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert registers a session under its call id. A second session for the
// same call id is rejected; exactly one session owns a call at any time.
func (r *Registry) Insert(callID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[callID]; exists {
		return fmt.Errorf("session already registered for call %s", callID)
	}
	r.sessions[callID] = s
	return nil
}

func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Len reports the number of active sessions; used by graceful shutdown.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All snapshots the active sessions; used by graceful shutdown to close
// telephony legs.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

package engine

import (
	"maps"
	"slices"
	"sync"

	"github.com/ashureev/turnstream/internal/domain"
)

// Registry owns every session snapshot keyed by session id. Each mutation
// is applied as copy, patch, store, notify; readers only ever observe whole
// snapshots.
type Registry struct {
	mu       sync.RWMutex
	notifyMu sync.Mutex
	sessions map[string]domain.Session
	defaults []string
	bus      *bus
}

// NewRegistry creates an empty registry. New sessions start with
// defaultAllowed on their allow-list.
func NewRegistry(defaultAllowed []string) *Registry {
	return &Registry{
		sessions: make(map[string]domain.Session),
		defaults: slices.Clone(defaultAllowed),
		bus:      newBus(),
	}
}

func (r *Registry) newSession(id string) domain.Session {
	allowed := make(map[string]bool, len(r.defaults))
	for _, tool := range r.defaults {
		allowed[tool] = true
	}
	return domain.Session{ID: id, AllowedTools: allowed}
}

// Get returns the current snapshot for id, creating a default session on
// first access. It never fails.
func (r *Registry) Get(id string) domain.Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = r.newSession(id)
	r.sessions[id] = s
	return s
}

// Lookup returns the snapshot for id without creating it.
func (r *Registry) Lookup(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// IDs lists the known session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

// Subscribe registers l for every subsequent mutation and returns the
// unsubscribe function.
func (r *Registry) Subscribe(l Listener) func() {
	return r.bus.subscribe(l)
}

// Update applies patch to the session and notifies listeners. It is a no-op
// returning false when the session does not exist.
func (r *Registry) Update(id string, patch func(*domain.Session)) (domain.Session, bool) {
	return r.UpdateIf(id, func(s *domain.Session) bool {
		patch(s)
		return true
	})
}

// UpdateIf is Update for patches that may decide nothing changed. Patches
// receive a copy of the snapshot and must replace, not modify, any slice or
// map they change.
func (r *Registry) UpdateIf(id string, patch func(*domain.Session) bool) (domain.Session, bool) {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return domain.Session{}, false
	}
	next := cur
	if !patch(&next) {
		r.mu.Unlock()
		return cur, false
	}
	next.Version = cur.Version + 1
	r.sessions[id] = next

	// Hand over to the notify lock before releasing the state lock so
	// notifications leave in commit order.
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	r.bus.publish(Notification{SessionID: id, Session: next})
	return next, true
}

// Delete drops the session and notifies listeners. It reports whether the
// session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	last, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)

	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	r.bus.publish(Notification{SessionID: id, Session: last, Removed: true})
	return true
}

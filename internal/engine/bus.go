package engine

import (
	"sync"

	"github.com/ashureev/turnstream/internal/domain"
)

type (
	// Notification describes one committed mutation. Session is the full
	// snapshot after the change; it is shared with other listeners and must
	// be treated as read-only.
	Notification struct {
		SessionID string
		Session   domain.Session
		Removed   bool
	}

	// Listener reacts to notifications. Listeners run synchronously in the
	// mutating goroutine, in commit order. They may read from the engine but
	// must not mutate it before returning.
	Listener func(Notification)

	// bus fans notifications out to registered listeners.
	bus struct {
		mu        sync.RWMutex
		listeners map[*subscription]Listener
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

func newBus() *bus {
	return &bus{listeners: make(map[*subscription]Listener)}
}

// subscribe registers l and returns a function that removes it. The
// returned function is idempotent.
func (b *bus) subscribe(l Listener) func() {
	s := &subscription{bus: b}
	b.mu.Lock()
	b.listeners[s] = l
	b.mu.Unlock()
	return s.close
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.listeners, s)
		s.bus.mu.Unlock()
	})
}

// publish delivers n to a snapshot of the current listeners, so
// subscribing or unsubscribing during delivery does not affect it.
func (b *bus) publish(n Notification) {
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.RUnlock()
	for _, l := range ls {
		l(n)
	}
}

package api

import (
	"sync"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
)

// feed follows one session's snapshots for a single client. Snapshots are
// complete, so only the newest undelivered one is kept.
type feed struct {
	mu      sync.Mutex
	latest  *domain.Session
	removed bool
	notify  chan struct{}
	stop    func()
}

func newFeed(e *engine.Engine, sessionID string) *feed {
	f := &feed{notify: make(chan struct{}, 1)}
	f.stop = e.Subscribe(func(n engine.Notification) {
		if n.SessionID != sessionID {
			return
		}
		f.mu.Lock()
		if n.Removed {
			f.removed = true
			f.latest = nil
		} else {
			s := n.Session
			f.latest = &s
		}
		f.mu.Unlock()
		select {
		case f.notify <- struct{}{}:
		default:
		}
	})
	return f
}

// Ready signals that next has something to return.
func (f *feed) Ready() <-chan struct{} {
	return f.notify
}

// next returns the pending snapshot, if any, and whether the session was
// removed.
func (f *feed) next() (*domain.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.latest
	f.latest = nil
	return s, f.removed
}

// Close unsubscribes the feed.
func (f *feed) Close() {
	f.stop()
}

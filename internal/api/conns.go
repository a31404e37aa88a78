package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// connManager tracks the WebSocket watchers of each session so they can be
// closed when the session goes away or the server stops.
type connManager struct {
	mu     sync.Mutex
	active map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func newConnManager(logger *slog.Logger) *connManager {
	return &connManager{
		active: make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Register adds a watcher for sessionID.
func (m *connManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.active[sessionID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		m.active[sessionID] = conns
	}
	conns[conn] = struct{}{}
	m.logger.Debug("session watcher registered", "session_id", sessionID, "watchers", len(conns))
}

// Unregister removes a watcher.
func (m *connManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.active[sessionID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(m.active, sessionID)
	}
}

// Count returns the number of watchers of sessionID.
func (m *connManager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[sessionID])
}

// CloseSession closes every watcher of sessionID.
func (m *connManager) CloseSession(sessionID string) {
	m.mu.Lock()
	conns := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// CloseAll closes every watcher.
func (m *connManager) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[*websocket.Conn]struct{})
	m.mu.Unlock()

	for _, conns := range active {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

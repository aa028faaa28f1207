// Package assist serves the live assistant channel over WebSocket.
package assist

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Gauge tracks the number of open assistant connections.
// metrics.Metrics implements it.
type Gauge interface {
	AssistConnected(delta int)
}

type nopGauge struct{}

func (nopGauge) AssistConnected(int) {}

// Manager keeps at most one live connection per session.
type Manager struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
	gauge  Gauge
}

// NewManager creates a connection manager. gauge may be nil.
func NewManager(gauge Gauge) *Manager {
	if gauge == nil {
		gauge = nopGauge{}
	}
	return &Manager{
		active: make(map[string]*websocket.Conn),
		gauge:  gauge,
	}
}

// Register makes conn the live connection for sessionID, closing the
// previous one.
func (m *Manager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	existing := m.active[sessionID]
	m.active[sessionID] = conn
	m.mu.Unlock()

	m.gauge.AssistConnected(1)
	if existing != nil && existing != conn {
		go closeConn(existing, "session replaced")
	}
	slog.Info("Assist connection registered", "session_id", sessionID)
}

// Unregister releases conn. It must be called once per registered conn.
func (m *Manager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
	}
	m.mu.Unlock()

	m.gauge.AssistConnected(-1)
	slog.Info("Assist connection unregistered", "session_id", sessionID)
}

// Close terminates the live connection of sessionID, if any.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if ok {
		go closeConn(conn, "session closed")
		slog.Info("Assist connection closed", "session_id", sessionID)
	}
}

// Active reports whether sessionID has a live connection.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// The close handshake waits for the peer, so it runs off the caller's path.
func closeConn(conn *websocket.Conn, reason string) {
	if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		slog.Debug("Failed to close assist connection", "error", err)
	}
}

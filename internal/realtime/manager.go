// Package realtime pushes conversation state to browser tabs over WebSocket.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the open WebSocket of every user tab.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the open connection for a user tab.
func (m *ConnManager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register records conn for a user tab, closing any connection it replaces.
func (m *ConnManager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[userID][sessionID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "session_id", sessionID)
}

// Unregister forgets conn if it is still the tab's current connection.
func (m *ConnManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat connection unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession closes the connection of one user tab, if open.
func (m *ConnManager) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	sessions, ok := m.active[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn, ok := sessions[sessionID]
	if ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	// Close waits for the peer's close frame, so it runs outside the lock.
	_ = conn.Close(websocket.StatusGoingAway, "conversation expired")
	slog.Info("Chat connection closed", "user_id", userID, "session_id", sessionID)
}

// Len returns the number of open connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

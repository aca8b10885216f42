// Package domain contains core domain types for the chat service.
package domain

import (
	"time"
)

// User is an anonymous browser identity. One user may hold several chat
// sessions, one per open tab.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatSession is the stored metadata of a live conversation controller.
// The transcript itself is never persisted.
type ChatSession struct {
	ChatID       string    `json:"chat_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// IdleFor reports how long the session has been inactive at now.
func (s *ChatSession) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastActiveAt)
	if idle < 0 {
		return 0
	}
	return idle
}

// Expired returns true once the session has been idle for longer than ttl.
func (s *ChatSession) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && s.IdleFor(now) > ttl
}

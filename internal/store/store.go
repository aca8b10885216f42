// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// Repository persists anonymous users and chat session metadata.
// Transcripts are held in memory by the conversation controllers only.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpsertChatSession records a started chat for a user tab, replacing any
	// previous chat for the same tab.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// GetChatSession returns the chat recorded for a user tab, or nil, nil.
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// TouchChatSession marks a chat as active at the given time.
	TouchChatSession(ctx context.Context, chatID string, at time.Time) error

	// GetIdleChatSessions lists chats whose last activity is older than ttl.
	GetIdleChatSessions(ctx context.Context, ttl time.Duration) ([]*domain.ChatSession, error)

	// DeleteChatSession removes a chat record.
	DeleteChatSession(ctx context.Context, chatID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

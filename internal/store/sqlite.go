package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	deleteRetries   = 3
	deleteBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writer's back.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		chat_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_tab ON chat_sessions(user_id, session_id);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_active ON chat_sessions(last_active_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// UpsertChatSession records the chat bound to a user tab.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (chat_id, user_id, session_id, model, created_at, last_active_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		chat_id = excluded.chat_id,
		model = excluded.model,
		created_at = excluded.created_at,
		last_active_at = excluded.last_active_at`

	_, err := s.db.ExecContext(ctx, query,
		session.ChatID, session.UserID, session.SessionID, session.Model,
		session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert chat session: %w", err)
	}
	return nil
}

// GetChatSession returns the chat recorded for a user tab.
func (s *SQLiteStore) GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	query := `
		SELECT chat_id, user_id, session_id, model, created_at, last_active_at
		FROM chat_sessions WHERE user_id = ? AND session_id = ?`

	session, err := scanChatSession(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}
	return session, nil
}

// TouchChatSession marks a chat as active.
func (s *SQLiteStore) TouchChatSession(ctx context.Context, chatID string, at time.Time) error {
	query := `UPDATE chat_sessions SET last_active_at = ? WHERE chat_id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.Unix(), chatID); err != nil {
		return fmt.Errorf("touch chat session: %w", err)
	}
	return nil
}

// GetIdleChatSessions lists chats inactive for longer than ttl.
func (s *SQLiteStore) GetIdleChatSessions(ctx context.Context, ttl time.Duration) ([]*domain.ChatSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT chat_id, user_id, session_id, model, created_at, last_active_at
		FROM chat_sessions WHERE last_active_at < ?
		ORDER BY last_active_at`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle chat sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle chat session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		session, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle chat session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle chat sessions: %w", err)
	}
	return sessions, nil
}

// DeleteChatSession removes a chat record, retrying while SQLite is busy.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, chatID string) error {
	err := shared.RetryOnConflict(ctx, deleteRetries, deleteBaseDelay, "delete_chat_session", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, chatID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete chat session %s: %w", chatID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatSession(row rowScanner) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var createdAt, lastActive int64
	if err := row.Scan(
		&session.ChatID, &session.UserID, &session.SessionID, &session.Model,
		&createdAt, &lastActive,
	); err != nil {
		return nil, err
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActiveAt = time.Unix(lastActive, 0)
	return &session, nil
}

package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/store"
)

// CleanupCallback is called for every tab whose conversation was expired.
type CleanupCallback func(userID, sessionID string)

// StartTTLWorker runs a background goroutine that periodically closes
// conversations idle for longer than ttl and forgets their stored metadata.
func StartTTLWorker(ctx context.Context, repo store.Repository, reg *Registry, ttl, interval time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				SweepIdleSessions(ctx, repo, reg, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepIdleSessions performs one expiry pass and returns the number of
// stored sessions removed.
func SweepIdleSessions(ctx context.Context, repo store.Repository, reg *Registry, ttl time.Duration, onCleanup CleanupCallback) int {
	idle, err := repo.GetIdleChatSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get idle chat sessions", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	slog.Info("TTL worker found idle chat sessions", "count", len(idle))

	removed := 0
	for _, s := range idle {
		if touchedSince(ctx, repo, s, ttl) {
			slog.Debug("TTL worker skipped recently active chat", "chat_id", s.ChatID)
			continue
		}
		if reg.Expire(s) && onCleanup != nil {
			onCleanup(s.UserID, s.SessionID)
		}

		if err := repo.DeleteChatSession(ctx, s.ChatID); err != nil {
			if ctx.Err() != nil {
				slog.Debug("TTL worker: context canceled during cleanup", "chat_id", s.ChatID, "error", err)
				return removed
			}
			slog.Warn("TTL worker failed to delete chat session",
				"error", err,
				"chat_id", s.ChatID,
				"user_id", s.UserID)
			continue
		}
		removed++
	}

	slog.Info("TTL worker cleanup completed", "cleaned", removed)
	return removed
}

// touchedSince re-reads the record and reports whether activity recorded after
// the idle query moved it back inside the ttl.
func touchedSince(ctx context.Context, repo store.Repository, s *domain.ChatSession, ttl time.Duration) bool {
	fresh, err := repo.GetChatSession(ctx, s.UserID, s.SessionID)
	if err != nil || fresh == nil || fresh.ChatID != s.ChatID {
		return false
	}
	return !fresh.Expired(time.Now(), ttl)
}

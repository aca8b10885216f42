package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/google/uuid"
)

// touchInterval limits how often activity is written to the store per chat.
const touchInterval = 30 * time.Second

// SessionFactory starts a new model session with the fixed chat configuration.
type SessionFactory func(ctx context.Context) (Session, error)

// Metrics extends Observer with registry-level gauges.
type Metrics interface {
	Observer
	SetActiveSessions(n int)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Factory  SessionFactory
	Repo     store.Repository
	Model    string
	Greeting string
	Timeout  time.Duration
	Metrics  Metrics
	Logger   *slog.Logger
}

type tabKey struct {
	userID    string
	sessionID string
}

type liveChat struct {
	chatID    string
	ctrl      *Controller
	lastTouch time.Time
}

// Registry holds one Controller per browser tab (user ID + tab session ID).
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu    sync.Mutex
	chats map[tabKey]*liveChat
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		chats:  make(map[tabKey]*liveChat),
	}
}

// Get returns the controller for a tab, starting a new conversation when the
// tab has none yet.
func (r *Registry) Get(ctx context.Context, userID, sessionID string) *Controller {
	key := tabKey{userID: userID, sessionID: sessionID}

	r.mu.Lock()
	if lc, ok := r.chats[key]; ok {
		touch := time.Since(lc.lastTouch) >= touchInterval
		if touch {
			lc.lastTouch = time.Now()
		}
		chatID, ctrl := lc.chatID, lc.ctrl
		r.mu.Unlock()

		if touch {
			r.touch(ctx, chatID)
		}
		return ctrl
	}
	r.mu.Unlock()

	return r.start(ctx, key, false)
}

// Lookup returns the live controller for a tab without starting one.
func (r *Registry) Lookup(userID, sessionID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.chats[tabKey{userID: userID, sessionID: sessionID}]
	if !ok {
		return nil, false
	}
	return lc.ctrl, true
}

// Reset discards the tab's conversation and starts a fresh one.
func (r *Registry) Reset(ctx context.Context, userID, sessionID string) *Controller {
	return r.start(ctx, tabKey{userID: userID, sessionID: sessionID}, true)
}

// Close tears down the conversation for a tab. It returns false if none existed.
func (r *Registry) Close(userID, sessionID string) bool {
	key := tabKey{userID: userID, sessionID: sessionID}

	r.mu.Lock()
	lc, ok := r.chats[key]
	if ok {
		delete(r.chats, key)
	}
	active := len(r.chats)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.closeController(lc)
	r.setActive(active)
	return true
}

// Expire closes the live conversation matching a stored session record. A
// record whose chat ID no longer matches the live one (after a reset) is
// ignored. It returns true if a controller was closed.
func (r *Registry) Expire(s *domain.ChatSession) bool {
	key := tabKey{userID: s.UserID, sessionID: s.SessionID}

	r.mu.Lock()
	lc, ok := r.chats[key]
	if !ok || lc.chatID != s.ChatID {
		r.mu.Unlock()
		return false
	}
	delete(r.chats, key)
	active := len(r.chats)
	r.mu.Unlock()

	r.closeController(lc)
	r.setActive(active)
	return true
}

// CloseAll tears down every conversation.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	chats := r.chats
	r.chats = make(map[tabKey]*liveChat)
	r.mu.Unlock()

	for _, lc := range chats {
		r.closeController(lc)
	}
	r.setActive(0)
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

func (r *Registry) start(ctx context.Context, key tabKey, replace bool) *Controller {
	var session Session
	if r.cfg.Factory != nil {
		s, err := r.cfg.Factory(ctx)
		if err != nil {
			// The controller still starts; every submit reports the failure.
			r.logger.Warn("failed to start model session", "user_id", key.userID, "session_id", key.sessionID, "error", err)
		} else {
			session = s
		}
	}

	var observer Observer
	if r.cfg.Metrics != nil {
		observer = r.cfg.Metrics
	}
	now := time.Now()
	lc := &liveChat{
		chatID: uuid.NewString(),
		ctrl: NewController(session, Options{
			Greeting: r.cfg.Greeting,
			Timeout:  r.cfg.Timeout,
			Observer: observer,
			Logger:   r.logger.With("user_id", key.userID, "session_id", key.sessionID),
		}),
		lastTouch: now,
	}

	r.mu.Lock()
	existing, ok := r.chats[key]
	if ok && !replace {
		// Lost a race with another request for the same tab.
		r.mu.Unlock()
		r.closeController(lc)
		return existing.ctrl
	}
	r.chats[key] = lc
	active := len(r.chats)
	r.mu.Unlock()

	if ok {
		r.closeController(existing)
	}
	r.setActive(active)

	if r.cfg.Repo != nil {
		err := r.cfg.Repo.UpsertChatSession(ctx, &domain.ChatSession{
			ChatID:       lc.chatID,
			UserID:       key.userID,
			SessionID:    key.sessionID,
			Model:        r.cfg.Model,
			CreatedAt:    now,
			LastActiveAt: now,
		})
		if err != nil {
			// Metadata only; the conversation itself is unaffected.
			r.logger.Warn("failed to record chat session", "chat_id", lc.chatID, "error", err)
		}
	}

	r.logger.Info("Chat session started",
		"user_id", key.userID,
		"session_id", key.sessionID,
		"chat_id", lc.chatID,
		"reset", replace,
	)
	return lc.ctrl
}

func (r *Registry) touch(ctx context.Context, chatID string) {
	if r.cfg.Repo == nil {
		return
	}
	if err := r.cfg.Repo.TouchChatSession(ctx, chatID, time.Now()); err != nil {
		r.logger.Warn("failed to record chat activity", "chat_id", chatID, "error", err)
	}
}

func (r *Registry) closeController(lc *liveChat) {
	if err := lc.ctrl.Close(); err != nil {
		r.logger.Warn("failed to close chat controller", "chat_id", lc.chatID, "error", err)
	}
}

func (r *Registry) setActive(n int) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetActiveSessions(n)
	}
}

package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/chat"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/middleware"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	writeTimeout    = 10 * time.Second
	lastSeenTimeout = 5 * time.Second
)

// RateLimitedNotice answers a submit refused by the rate limiter.
const RateLimitedNotice = "rate limit exceeded, try again shortly"

// Frame types exchanged with the browser.
const (
	TypeState  = "state"
	TypeNotice = "notice"
	TypeSubmit = "submit"
	TypeKey    = "key"
	TypeReset  = "reset"
	TypePing   = "ping"
	TypePong   = "pong"
)

// Inbound is a frame sent by the browser.
type Inbound struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Key   string `json:"key,omitempty"`
	Shift bool   `json:"shift,omitempty"`
}

// Outbound is a frame sent to the browser.
type Outbound struct {
	Type    string         `json:"type"`
	State   *chat.Snapshot `json:"state,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Handler serves GET /ws/chat.
type Handler struct {
	registry       *chat.Registry
	conns          *ConnManager
	repo           store.Repository
	allowedOrigins []string
	isDev          bool

	limiter   *middleware.RateLimiter
	onLimited func()
}

// NewHandler creates a WebSocket handler. repo may be nil.
func NewHandler(registry *chat.Registry, conns *ConnManager, repo store.Repository, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{
		registry:       registry,
		conns:          conns,
		repo:           repo,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// SetRateLimit throttles submits per user with the same limiter as the HTTP
// submit route. onLimited may be nil.
func (h *Handler) SetRateLimit(limiter *middleware.RateLimiter, onLimited func()) {
	h.limiter = limiter
	h.onLimited = onLimited
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &chatConn{
		h:         h,
		ws:        ws,
		userID:    userID,
		sessionID: sessionID,
	}
	ctrl := h.registry.Get(ctx, userID, sessionID)

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: browser -> controller.
	go func() {
		defer wg.Done()
		defer cancel()
		conn.inputLoop(ctx)
	}()

	// Output loop: controller -> browser.
	go func() {
		defer wg.Done()
		defer cancel()
		conn.outputLoop(ctx, ctrl)
	}()

	wg.Wait()
	conn.pending.Wait()
	slog.Info("Chat connection ended", "user_id", userID, "session_id", sessionID, "open_connections", h.conns.Len())
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// chatConn is one accepted browser connection.
type chatConn struct {
	h         *Handler
	ws        *websocket.Conn
	userID    string
	sessionID string

	// pending tracks submits still waiting on the model.
	pending sync.WaitGroup
}

func (c *chatConn) inputLoop(ctx context.Context) {
	slog.Debug("Starting input loop", "user_id", c.userID, "session_id", c.sessionID)
	for {
		var msg Inbound
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				slog.Debug("WebSocket closed by client", "user_id", c.userID)
			case ctx.Err() != nil:
				slog.Debug("WebSocket read cancelled", "user_id", c.userID)
			default:
				slog.Warn("WebSocket read error", "error", err, "user_id", c.userID)
			}
			return
		}

		switch msg.Type {
		case TypeSubmit:
			c.submit(ctx, msg.Text)
		case TypeKey:
			// Shift+Enter stays in the input box as a line break.
			if chat.AcceptKeyCommit(chat.KeyEvent{Key: msg.Key, Shift: msg.Shift}) {
				c.submit(ctx, msg.Text)
			}
		case TypeReset:
			slog.Info("Chat reset requested", "user_id", c.userID, "session_id", c.sessionID)
			c.h.registry.Reset(ctx, c.userID, c.sessionID)
		case TypePing:
			if err := c.write(ctx, Outbound{Type: TypePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			c.notice(ctx, "unknown message type")
		}

		c.touch()
	}
}

// submit runs the exchange in the background so pings and further frames
// keep flowing; the resulting states arrive through the subscription.
func (c *chatConn) submit(ctx context.Context, text string) {
	if c.h.limiter != nil && !c.h.limiter.Allow(c.userID) {
		if c.h.onLimited != nil {
			c.h.onLimited()
		}
		c.notice(ctx, RateLimitedNotice)
		return
	}

	ctrl := c.h.registry.Get(ctx, c.userID, c.sessionID)

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		_, err := ctrl.Submit(ctx, text)
		if err == nil {
			return
		}
		if notice := chat.Notice(err); notice != "" {
			c.notice(ctx, notice)
			return
		}
		slog.Error("Chat submit failed", "user_id", c.userID, "session_id", c.sessionID, "error", err)
	}()
}

// outputLoop streams snapshots of the tab's controller. When the controller
// is replaced by a reset it follows the new one; when it is expired the
// connection ends.
func (c *chatConn) outputLoop(ctx context.Context, ctrl *chat.Controller) {
	for {
		if !c.stream(ctx, ctrl) {
			return
		}

		next, ok := c.h.registry.Lookup(c.userID, c.sessionID)
		if !ok || next == ctrl {
			c.notice(ctx, chat.Notice(chat.ErrClosed))
			return
		}
		ctrl = next
	}
}

// stream writes the current snapshot and every later one. It returns true
// when the controller closed its subscription and false when the connection
// is done.
func (c *chatConn) stream(ctx context.Context, ctrl *chat.Controller) bool {
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	snap := ctrl.Snapshot()
	if err := c.writeState(ctx, snap); err != nil {
		return false
	}
	last := snap.Version

	for {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-updates:
			if !ok {
				return true
			}
			if snap.Version <= last {
				continue
			}
			if err := c.writeState(ctx, snap); err != nil {
				return false
			}
			last = snap.Version
		}
	}
}

func (c *chatConn) writeState(ctx context.Context, snap chat.Snapshot) error {
	err := c.write(ctx, Outbound{Type: TypeState, State: &snap})
	if err != nil && ctx.Err() == nil {
		slog.Debug("WebSocket write error", "error", err, "user_id", c.userID)
	}
	return err
}

func (c *chatConn) notice(ctx context.Context, message string) {
	if err := c.write(ctx, Outbound{Type: TypeNotice, Message: message}); err != nil {
		slog.Debug("Failed to send notice", "error", err, "user_id", c.userID)
	}
}

func (c *chatConn) write(ctx context.Context, v Outbound) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, c.ws, v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// touch updates last seen asynchronously with timeout.
func (c *chatConn) touch() {
	if c.h.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := c.h.repo.UpdateLastSeen(ctx, c.userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/shsh-chat/internal/chat"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// SubmitRequest is the body of POST /api/chat/messages.
type SubmitRequest struct {
	Text string `json:"text"`
}

// StateResponse wraps a conversation snapshot. Notice explains a no-op submit.
type StateResponse struct {
	State  chat.Snapshot `json:"state"`
	Notice string        `json:"notice,omitempty"`
}

// ChatHandler serves the conversation of the requesting browser tab.
type ChatHandler struct {
	registry       *chat.Registry
	maxBodySize    int64
	submitLimiters []func(http.Handler) http.Handler
}

// NewChatHandler creates a chat handler. Middlewares in submitMiddleware wrap
// only the submit route, e.g. rate limiting.
func NewChatHandler(registry *chat.Registry, maxBodySize int64, submitMiddleware ...func(http.Handler) http.Handler) *ChatHandler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &ChatHandler{
		registry:       registry,
		maxBodySize:    maxBodySize,
		submitLimiters: submitMiddleware,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.GetState)
		r.With(h.submitLimiters...).Post("/messages", h.Submit)
		r.Post("/reset", h.Reset)
	})
}

// GetState returns the tab's current conversation snapshot.
func (h *ChatHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, StateResponse{State: ctrl.Snapshot()})
}

// Submit sends the user's text and responds once the reply (or the fallback)
// has been recorded.
func (h *ChatHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Chat submit",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Text),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	snap, err := ctrl.Submit(r.Context(), req.Text)
	switch {
	case err == nil:
		if snap.HasError() {
			slog.Warn("Chat reply replaced by fallback", "user_id", userID, "session_id", sessionID)
		}
		JSON(w, http.StatusOK, StateResponse{State: snap})
	case errors.Is(err, chat.ErrEmptyMessage):
		JSON(w, http.StatusBadRequest, StateResponse{State: snap, Notice: chat.Notice(err)})
	case errors.Is(err, chat.ErrRequestInFlight):
		JSON(w, http.StatusConflict, StateResponse{State: snap, Notice: chat.Notice(err)})
	case errors.Is(err, chat.ErrClosed):
		JSON(w, http.StatusGone, StateResponse{State: snap, Notice: chat.Notice(err)})
	default:
		slog.Error("Chat submit failed", "user_id", userID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "submit failed")
	}
}

// Reset starts a new conversation for the tab.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	ctrl := h.registry.Reset(r.Context(), userID, sessionID)
	JSON(w, http.StatusOK, StateResponse{State: ctrl.Snapshot()})
}

func (h *ChatHandler) controller(w http.ResponseWriter, r *http.Request) (*chat.Controller, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return h.registry.Get(r.Context(), userID, identity.SessionIDFromContext(r.Context())), true
}

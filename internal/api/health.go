package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo         store.Repository
	aiConfigured bool
	model        string
	sessions     func() int
}

// NewHealthHandler creates a new health handler. sessions may be nil.
func NewHealthHandler(repo store.Repository, aiConfigured bool, model string, sessions func() int) *HealthHandler {
	return &HealthHandler{repo: repo, aiConfigured: aiConfigured, model: model, sessions: sessions}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":        "healthy",
		"checks":        checks,
		"ai_configured": h.aiConfigured,
		"model":         h.model,
	}
	if h.sessions != nil {
		status["active_sessions"] = h.sessions()
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

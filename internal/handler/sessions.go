package handler

import (
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/middleware"
	"github.com/obot-platform/labterm/internal/store"
)

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListLiveSessions returns every session this process is serving.
// GET /api/sessions
func (h *Handler) ListLiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	h.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// ListSessionHistory returns journaled sessions, newest first.
// GET /api/history?limit=N
func (h *Handler) ListSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns one journaled session.
// GET /api/sessions/{sessionId}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, middleware.GetSession(r.Context()))
}

// ListValidations returns a session's validation history, oldest first.
// GET /api/sessions/{sessionId}/validations
func (h *Handler) ListValidations(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())

	validations, err := h.store.ListValidations(r.Context(), session.ID)
	if err != nil {
		h.logger.Error("failed to list validations", zap.String("session_id", session.ID), zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "Failed to list validations")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"validations": validations})
}

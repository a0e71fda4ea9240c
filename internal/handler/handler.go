// Package handler serves the terminal WebSocket endpoint and the HTTP API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/config"
	"github.com/obot-platform/labterm/internal/image"
	"github.com/obot-platform/labterm/internal/session"
	"github.com/obot-platform/labterm/internal/store"
)

// ImageStatus reports the sandbox image readiness.
type ImageStatus interface {
	Status() image.Status
}

// Handler holds the dependencies shared by every route.
type Handler struct {
	cfg      *config.Config
	manager  *session.Manager
	images   ImageStatus
	store    *store.Store
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a Handler.
func New(cfg *config.Config, manager *session.Manager, images ImageStatus, st *store.Store, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		manager: manager,
		images:  images,
		store:   st,
		logger:  logger.Named("handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.CORSAllowedOrigins),
		},
	}
}

// JSON writes v with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

// Error writes an {"error": message} body.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// originChecker allows WebSocket upgrades from the configured CORS origins.
// A "*" entry or a request without an Origin header is always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

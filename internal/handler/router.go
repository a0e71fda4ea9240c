package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obot-platform/labterm/internal/metrics"
	"github.com/obot-platform/labterm/internal/middleware"
)

// NewRouter wires every route.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get(h.cfg.TerminalPath, h.Terminal)
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/sessions", h.ListLiveSessions)
		r.Get("/history", h.ListSessionHistory)
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Use(middleware.SessionRecord(h.store))
			r.Get("/", h.GetSession)
			r.Get("/validations", h.ListValidations)
		})
	})

	return r
}

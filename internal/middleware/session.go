// Package middleware holds request-scoped HTTP middleware.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/labterm/internal/model"
	"github.com/obot-platform/labterm/internal/store"
)

type contextKey string

const SessionKey contextKey = "session"

// SessionIDMaxLength is the longest accepted session ID.
const SessionIDMaxLength = 65

// ValidateSessionID rejects IDs that could not have been issued by the
// server: empty, too long, or containing anything but ASCII letters,
// digits and hyphens.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID is required")
	}
	if len(id) > SessionIDMaxLength {
		return fmt.Errorf("session ID exceeds maximum length of %d characters", SessionIDMaxLength)
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '-' {
			return errors.New("session ID must contain only alphanumeric characters and hyphens")
		}
	}
	return nil
}

// SessionRecord loads the journal record for the {sessionId} URL parameter
// into the request context. Unknown sessions are answered with 404.
//
// Must be mounted inside a route that defines {sessionId}:
//
//	r.Route("/sessions/{sessionId}", func(r chi.Router) {
//	    r.Use(middleware.SessionRecord(s))
//	    ...
//	})
func SessionRecord(s *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "sessionId")
			if err := ValidateSessionID(sessionID); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			session, err := s.GetSessionByID(r.Context(), sessionID)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Session not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to load session")
				return
			}

			ctx := context.WithValue(r.Context(), SessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession extracts the session from context (set by SessionRecord).
func GetSession(ctx context.Context) *model.Session {
	if s, ok := ctx.Value(SessionKey).(*model.Session); ok {
		return s
	}
	return nil
}

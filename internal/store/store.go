// Package store provides typed access to the session journal.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/obot-platform/labterm/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 100

// Store wraps the journal database.
type Store struct {
	db *gorm.DB
}

// New creates a store on an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// UpdateSessionState records a lifecycle transition. When ended is set
// the session's end time is stamped.
func (s *Store) UpdateSessionState(ctx context.Context, id, state, errMsg string, ended bool) error {
	updates := map[string]any{"state": state}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if ended {
		updates["ended_at"] = time.Now()
	}
	result := s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update session state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionContainer records the sandbox container backing a session.
func (s *Store) UpdateSessionContainer(ctx context.Context, id, containerID string) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Update("container_id", containerID)
	if result.Error != nil {
		return fmt.Errorf("failed to update session container: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionExitCode records the exit status of a session's shell.
func (s *Store) UpdateSessionExitCode(ctx context.Context, id string, code int) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Update("exit_code", code)
	if result.Error != nil {
		return fmt.Errorf("failed to update session exit code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSessionByID returns one session record.
func (s *Store) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// ListSessions returns the most recently started sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var sessions []*model.Session
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// CloseOpenSessions marks every session without an end time as ended.
// It runs at startup: sessions open in the journal belonged to a previous
// process and their sandboxes are reclaimed by reconciliation.
func (s *Store) CloseOpenSessions(ctx context.Context, state, reason string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("ended_at IS NULL").
		Updates(map[string]any{"state": state, "error": reason, "ended_at": time.Now()})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CreateValidation inserts a validation record.
func (s *Store) CreateValidation(ctx context.Context, v *model.Validation) error {
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("failed to create validation record: %w", err)
	}
	return nil
}

// ListValidations returns a session's validations, oldest first.
func (s *Store) ListValidations(ctx context.Context, sessionID string) ([]*model.Validation, error) {
	var validations []*model.Validation
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC").Find(&validations).Error; err != nil {
		return nil, err
	}
	return validations, nil
}

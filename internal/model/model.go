// Package model defines the persisted session journal records.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is the journal entry for one terminal session. It is an audit
// record only; nothing is restored from it on reconnect.
type Session struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	ContainerID string     `gorm:"type:text" json:"containerId,omitempty"`
	Image       string     `gorm:"type:text" json:"image"`
	State       string     `gorm:"type:text;index;not null" json:"state"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	RemoteAddr  string     `gorm:"type:text" json:"remoteAddr,omitempty"`
	Cols        int        `json:"cols"`
	Rows        int        `json:"rows"`
	StartedAt   time.Time  `gorm:"index" json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Validations []Validation `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

// Validation records one grading command run in a session's sandbox.
type Validation struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	SessionID  string    `gorm:"type:text;index;not null" json:"sessionId"`
	Command    string    `gorm:"type:text;not null" json:"command"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exitCode"`
	TimedOut   bool      `json:"timedOut"`
	Output     string    `gorm:"type:text" json:"output"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// BeforeCreate assigns an ID if none is set.
func (v *Validation) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

// AllModels returns every model for auto-migration.
func AllModels() []any {
	return []any{
		&Session{},
		&Validation{},
	}
}

// Package models defines program progression structures for cadence.
package models

import (
	"errors"
	"time"
)

// ProgramStatus represents the lifecycle state of a program instance.
type ProgramStatus string

const (
	ProgramStatusActive    ProgramStatus = "active"
	ProgramStatusPaused    ProgramStatus = "paused"
	ProgramStatusCompleted ProgramStatus = "completed"
	ProgramStatusAbandoned ProgramStatus = "abandoned"
)

// IsTerminal reports whether the status permits no further mutation.
func (s ProgramStatus) IsTerminal() bool {
	return s == ProgramStatusCompleted || s == ProgramStatusAbandoned
}

// CompletedDay records one finished day of a program instance.
type CompletedDay struct {
	Day         int       `json:"day"`
	CompletedAt time.Time `json:"completed_at"`
	Feedback    string    `json:"feedback,omitempty"`
}

// ProgramInstance is one user's attempt at one program definition.
//
// TotalDays is copied from the catalog at creation time and never changes
// afterwards, so catalog edits cannot corrupt in-flight instances.
type ProgramInstance struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	ProgramID   string        `json:"program_id"`
	ProgramName string        `json:"program_name"`
	CurrentDay  int           `json:"current_day"`
	TotalDays   int           `json:"total_days"`
	Status      ProgramStatus `json:"status"`
	// CompletedDays holds one entry per finished day, in order. Its length
	// equals CurrentDay-1 while active and TotalDays once completed.
	CompletedDays   []CompletedDay `json:"completed_days"`
	ReminderTime    TimeOfDay      `json:"reminder_time"`
	ReminderEnabled bool           `json:"reminder_enabled"`
	// NextTaskAt is non-nil exactly when the instance is active with reminders
	// enabled, and is always strictly in the future at computation time.
	NextTaskAt     *time.Time `json:"next_task_at,omitempty"`
	LastTaskSentAt *time.Time `json:"last_task_sent_at,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Program validation errors.
var (
	ErrEmptyProgramID      = errors.New("program ID cannot be empty")
	ErrInvalidTotalDays    = errors.New("total days must be positive")
	ErrProgramNotFound     = errors.New("program instance not found")
	ErrProgramNotPaused    = errors.New("program instance is not paused")
	ErrInvalidProgramState = errors.New("invalid program instance state")

	// ErrActiveProgramExists is returned by CreateProgramInstance when an
	// active instance already holds the (user, program) slot.
	ErrActiveProgramExists = errors.New("active program instance already exists")
)

// Snapshot returns a defensive copy of the instance, including the completed
// days slice, so callers cannot mutate stored state through the result.
func (p *ProgramInstance) Snapshot() ProgramInstance {
	out := *p
	if p.CompletedDays != nil {
		out.CompletedDays = make([]CompletedDay, len(p.CompletedDays))
		copy(out.CompletedDays, p.CompletedDays)
	}
	if p.NextTaskAt != nil {
		t := *p.NextTaskAt
		out.NextTaskAt = &t
	}
	if p.LastTaskSentAt != nil {
		t := *p.LastTaskSentAt
		out.LastTaskSentAt = &t
	}
	if p.PausedAt != nil {
		t := *p.PausedAt
		out.PausedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

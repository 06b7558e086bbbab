// Package store provides the ProgramRepo interface for program instance
// persistence.
package store

import (
	"github.com/lumabot/cadence/internal/models"
)

// ProgramRepo defines the persistence interface for program instances. The
// program state machine is a stateless processor that read-modify-writes
// through this interface.
type ProgramRepo interface {
	// CreateProgramInstance inserts a new instance and returns its ID.
	CreateProgramInstance(p models.ProgramInstance) (string, error)

	// GetProgramInstance retrieves an instance by ID, or nil if absent.
	GetProgramInstance(id string) (*models.ProgramInstance, error)

	// GetActiveProgramInstance retrieves the user's active instance of a
	// program, or nil if there is none. At most one active instance exists
	// per (user, program).
	GetActiveProgramInstance(userID, programID string) (*models.ProgramInstance, error)

	// ListProgramInstances returns all of a user's instances, newest first.
	ListProgramInstances(userID string) ([]models.ProgramInstance, error)

	// ListActiveProgramInstances returns up to limit active instances across
	// all users. Used by the reconciliation pass.
	ListActiveProgramInstances(limit int) ([]models.ProgramInstance, error)

	// UpdateProgramInstance persists a full instance snapshot by ID.
	UpdateProgramInstance(p models.ProgramInstance) error
}

package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when the hypervisor cannot be reached after
	// every connection attempt.
	ErrUnavailable = errors.New("hypervisor unavailable")

	// ErrAlreadyExists is returned by Create when a VM with the derived name
	// already exists. No mutating call has been made.
	ErrAlreadyExists = errors.New("resource already exists")
)

// Stage is a step of the creation sequence.
type Stage string

const (
	StageClone     Stage = "clone"
	StageConfigure Stage = "configure"
	StageStart     Stage = "start"
)

// CreateError reports a creation that failed after the clone was issued.
type CreateError struct {
	Stage Stage
	ID    int
	Name  string
	Err   error

	// RolledBack is true when the partial clone was stopped and deleted.
	RolledBack bool
	// RollbackErr is set when compensation was attempted and failed.
	RollbackErr error
}

func (e *CreateError) Error() string {
	msg := fmt.Sprintf("create %s (id %d) failed at %s: %v", e.Name, e.ID, e.Stage, e.Err)
	switch {
	case e.RolledBack:
		msg += " (rolled back)"
	case e.RollbackErr != nil:
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

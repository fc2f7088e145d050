// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no workflow definition exists for the id.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInstanceNotFound indicates an instance was not found by the given id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrTaskNotFound indicates a scheduled task was not found by the given id.
	ErrTaskNotFound = errors.New("scheduled task not found")

	// ErrInstanceAlreadyExists indicates an instance with the same id exists.
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// ErrStatusConflict indicates a guarded status transition found a
	// different stored status than expected.
	ErrStatusConflict = errors.New("instance status conflict")
)

// InstanceError wraps instance-related errors with operation context.
type InstanceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates an instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsStatusConflict checks if an error indicates a failed transition guard.
func IsStatusConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict)
}

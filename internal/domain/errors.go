package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every caller-error returned synchronously
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means no persisted record exists for the id
	ErrNotFound = errors.New("process not found")

	// ErrTransportNotFound means the worker channel holds no live handle for
	// the id. The persisted record may still exist.
	ErrTransportNotFound = errors.New("process not found in worker channel")

	// ErrNotRunning is returned for operations against a process whose
	// status does not allow them. It is a validation error.
	ErrNotRunning = &ValidationError{Field: "status", Message: "process is not running"}

	// ErrAlreadyTerminal is returned by the store when a transition targets
	// a process that already reached a terminal status
	ErrAlreadyTerminal = errors.New("process already terminal")
)

// ValidationError describes a rejected input or operation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes every ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

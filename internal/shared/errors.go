package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a legal request against an illegal state.
	ErrConflict = errors.New("conflict")
	// ErrForbidden marks a role or ownership mismatch.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError lists the constraints a request violated.
type ValidationError struct {
	Violations []string
}

// NewValidationError builds a ValidationError from one or more violations.
func NewValidationError(violations ...string) *ValidationError {
	return &ValidationError{Violations: violations}
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Violations, "; "))
}

// Is reports kind equality for errors.Is.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s", e.Entity, ErrNotFound)
	}
	return fmt.Sprintf("%s %s %s", e.Entity, e.ID, ErrNotFound)
}

// Is reports kind equality for errors.Is.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError carries the current state so callers can decide how to retry.
type ConflictError struct {
	Reason       string
	CurrentState string
	Err          error
}

// NewConflictError builds a ConflictError.
func NewConflictError(reason, currentState string) *ConflictError {
	return &ConflictError{Reason: reason, CurrentState: currentState}
}

func (e *ConflictError) Error() string {
	if e.CurrentState == "" {
		return fmt.Sprintf("%s: %s", ErrConflict, e.Reason)
	}
	return fmt.Sprintf("%s: %s (current state %s)", ErrConflict, e.Reason, e.CurrentState)
}

// Is reports kind equality for errors.Is.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// AuthorizationError marks a role or ownership mismatch. CrossTenant errors are
// surfaced as not found so document existence does not leak.
type AuthorizationError struct {
	Reason      string
	CrossTenant bool
}

// NewAuthorizationError builds an AuthorizationError.
func NewAuthorizationError(reason string, crossTenant bool) *AuthorizationError {
	return &AuthorizationError{Reason: reason, CrossTenant: crossTenant}
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrForbidden, e.Reason)
}

// Is reports kind equality for errors.Is.
func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }

// UserSafeMessage renders an error for API consumers without leaking internals.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var authErr *AuthorizationError
	if errors.As(err, &authErr) && authErr.CrossTenant {
		return ErrNotFound.Error()
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrForbidden):
		return err.Error()
	default:
		return "internal error"
	}
}

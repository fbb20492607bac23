package ozone

import (
	"fmt"
)

// AuthorizationError means the actor's role is insufficient for the requested
// kind/subject combination. Never retried.
type AuthorizationError struct {
	Role   Role
	Kind   EventKind
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized %s event for role %s: %s", e.Kind, e.Role, e.Reason)
}

// ValidationError means the payload is malformed; Value carries the offending
// input.
type ValidationError struct {
	Msg   string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %q", e.Msg, e.Value)
}

// ConflictError means the requested transition conflicts with the subject's
// current state (eg a second takedown). Callers may re-query status and
// decide; the service never retries these.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return e.Msg
}

// NotFoundError means a referenced subject or event does not exist.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.What + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

// StorageError wraps a failure from the database itself, as opposed to a
// domain condition. Transient by nature; callers may retry the whole unit of
// work.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// SideEffectError wraps a failure from the label or enforcement collaborator.
// It is logged distinctly so an operator can replay the side effect; inside
// the coordinator transaction it also aborts the unit of work.
type SideEffectError struct {
	Op  string
	Err error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %s failed: %v", e.Op, e.Err)
}

func (e *SideEffectError) Unwrap() error {
	return e.Err
}

package engine

import (
	"errors"
	"fmt"

	"taskboard/internal/domain"
	"taskboard/internal/engine/balance"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrUnknownUser    = errors.New("user not found")
	ErrDuplicateTitle = errors.New("title must be unique")
	ErrNoEligibleUser = balance.ErrNoEligibleUser
)

// ValidationError rejects input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a uniqueness violation detected by the store.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Field, e.Value)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrDuplicateTitle && e.Field == "title"
}

// VersionConflictError is returned when an update was based on a stale
// updated_at. Merged is the patch applied to Server; its UpdatedAt echoes
// the caller's expected value and is only meant for display.
type VersionConflictError struct {
	Server domain.Task
	Merged domain.Task
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("task %s was modified at %s", e.Server.ID, e.Server.UpdatedAt.Format("2006-01-02T15:04:05.000000Z07:00"))
}

// AuditWarning accompanies a successful mutation whose audit entry could
// not be written. The mutation itself is committed.
type AuditWarning struct {
	Kind domain.ActionKind
	Err  error
}

func (e *AuditWarning) Error() string {
	return fmt.Sprintf("%s committed without audit entry: %v", e.Kind, e.Err)
}

func (e *AuditWarning) Unwrap() error { return e.Err }

// IsAuditWarning reports whether err only signals a missing audit entry.
func IsAuditWarning(err error) bool {
	var w *AuditWarning
	return errors.As(err, &w)
}

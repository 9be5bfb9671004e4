package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotFoundInAudit  = errors.New("no audit snapshot for record")
	ErrAlreadyDone      = errors.New("task already done")
	ErrNotInProgress    = errors.New("task not in progress")
	ErrNoOperator       = errors.New("operator required")
	ErrAmbiguousProject = errors.New("task found in more than one project; specify the project")
	ErrPersistence      = errors.New("persist project")
)

// NotFoundError reports an unresolved project, sheet or record.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// VersionConflictError is returned when the caller's expected version is stale.
type VersionConflictError struct {
	Expected int
	Current  int
	Record   Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

// Violation is a single failed domain rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violation found for a record.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// LockedByOtherError is returned when another operator owns the task.
type LockedByOtherError struct {
	Owner string
}

func (e *LockedByOtherError) Error() string {
	return fmt.Sprintf("task in progress by %s", e.Owner)
}

// DuplicateNumberError is returned when a new task reuses a sequence number.
type DuplicateNumberError struct {
	Number    int
	Suggested int
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("number %d already exists; next free is %d", e.Number, e.Suggested)
}

package core

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// InvalidTransitionError reports a status change that is not an allowed edge
// for the entity's current status. Nothing is persisted when it is returned.
type InvalidTransitionError struct {
	Kind      EntityKind
	Current   string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s is not an allowed edge", e.Kind, e.Current, e.Attempted)
}

// AllocationConflictError reports that reference allocation kept colliding
// with the unique index after the retry budget was exhausted. The whole
// creation is aborted; the caller may retry it as a unit.
type AllocationConflictError struct {
	Scope    SequenceScope
	Attempts int
}

func (e *AllocationConflictError) Error() string {
	return fmt.Sprintf("reference allocation conflict in scope %s/%s/%s after %d attempts",
		e.Scope.EntityCode, e.Scope.DocType, e.Scope.ScopeKey, e.Attempts)
}

// MissingPrerequisiteError reports a creation attempted before its parent
// reached the required state (e.g. an offre from a PROSPECT opportunity).
type MissingPrerequisiteError struct {
	Reason string
}

func (e *MissingPrerequisiteError) Error() string {
	return "missing prerequisite: " + e.Reason
}

// CascadeWarning records one dependent-document creation that failed. The
// parent transition is not rolled back; warnings are returned alongside it.
type CascadeWarning struct {
	ParentRef string
	ChildKind EntityKind
	Err       error
}

func (w CascadeWarning) Error() string {
	return fmt.Sprintf("cascade: creation of %s for %s failed: %v", w.ChildKind, w.ParentRef, w.Err)
}

func (w CascadeWarning) Unwrap() error { return w.Err }

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

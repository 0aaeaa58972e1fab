package txn

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecsafe/consistency"
)

var (
	// ErrHalted rejects mutations on a collection whose last rollback
	// failed. Only ClearHalt lifts it.
	ErrHalted = errors.New("txn: collection halted after failed rollback")

	// ErrIncompatibleVersion rejects mutations when the version gate
	// says the on-disk format does not match this build.
	ErrIncompatibleVersion = errors.New("txn: data format incompatible, mutations blocked")

	// ErrBusy is returned when a collection is locked by another
	// operation and the caller asked not to wait.
	ErrBusy = errors.New("txn: collection busy")
)

// IntegrityError reports a post-operation verification failure. The
// operation was rolled back unless RolledBack on the Outcome says
// otherwise.
type IntegrityError struct {
	CollectionID string
	Phase        State
	Issues       []consistency.Issue
	Cause        error
}

func (e *IntegrityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("txn: integrity check failed for %q in %s: %v", e.CollectionID, e.Phase, e.Cause)
	}
	return fmt.Sprintf("txn: integrity check failed for %q in %s: %d issue(s)", e.CollectionID, e.Phase, len(e.Issues))
}

func (e *IntegrityError) Unwrap() error { return e.Cause }

// UnrecoverableError means an operation failed AND the rollback that
// should have restored the previous state failed too. The collection
// is halted; manual intervention (restore from archive, then
// ClearHalt) is required.
type UnrecoverableError struct {
	CollectionID string
	RollbackErr  error
	Cause        error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("txn: unrecoverable state for %q: operation failed (%v) and rollback failed (%v)",
		e.CollectionID, e.Cause, e.RollbackErr)
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

package vecsafe

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vecsafe/backup"
	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/txn"
	"github.com/hupe1980/vecsafe/vectorstore"
	"github.com/hupe1980/vecsafe/version"
)

var (
	// ErrNotFound is returned when a collection, record or archive
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a collection id or display
	// name is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrIncompatibleVersion is returned when the data root was
	// written by an incompatible build. Reads stay available;
	// mutations are blocked unless opened with WithForce.
	ErrIncompatibleVersion = errors.New("incompatible data format version")

	// ErrStorageUnavailable is returned when the underlying storage
	// cannot serve the operation (out of space, I/O failure).
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager closed")

	// ErrHalted rejects mutations on a collection whose last rollback
	// failed; see Manager.ClearHalt.
	ErrHalted = txn.ErrHalted

	// ErrBusy is returned by non-blocking operations when the
	// collection is locked by an in-flight operation.
	ErrBusy = txn.ErrBusy
)

// IntegrityError reports a post-operation verification failure.
// The failing operation was rolled back unless the Outcome says
// otherwise.
type IntegrityError = txn.IntegrityError

// UnrecoverableError means both an operation and its rollback failed.
// The collection is halted until manual repair plus ClearHalt.
type UnrecoverableError = txn.UnrecoverableError

// translateError normalizes subsystem errors into the package
// taxonomy at the facade boundary. Typed errors pass through; the
// original error stays reachable via errors.Unwrap.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Typed errors already carry full context.
	var unrec *UnrecoverableError
	if errors.As(err, &unrec) {
		return err
	}
	var integ *IntegrityError
	if errors.As(err, &integ) {
		return err
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrIncompatibleVersion),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrHalted),
		errors.Is(err, ErrBusy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err

	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, vectorstore.ErrNotFound),
		errors.Is(err, backup.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)

	case errors.Is(err, catalog.ErrAlreadyExists),
		errors.Is(err, vectorstore.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)

	case errors.Is(err, txn.ErrIncompatibleVersion),
		errors.Is(err, version.ErrIncompatible):
		return fmt.Errorf("%w: %w", ErrIncompatibleVersion, err)

	case errors.Is(err, backup.ErrInsufficientSpace):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)

	default:
		return err
	}
}

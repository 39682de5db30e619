package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownSession is returned when a referenced session does not exist
	// or is not in a state that accepts the operation.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownGroup is returned when a referenced task group does not exist.
	ErrUnknownGroup = errors.New("unknown task group")
	// ErrDuplicateSession is returned when an active session already exists.
	ErrDuplicateSession = errors.New("an active session already exists")
	// ErrDuplicateGroup is returned when a group id is reused within a session.
	ErrDuplicateGroup = errors.New("task group already exists")
	// ErrAlreadyTerminal is returned when a completed or failed entity is
	// asked to transition again.
	ErrAlreadyTerminal = errors.New("already in a terminal state")
	// ErrNotTerminal is returned when archiving a session that is still running.
	ErrNotTerminal = errors.New("session is not terminal")
	// ErrInvalidTransition is returned for a group status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConcurrentModification is returned when a task group changed between
	// read and write.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrGroupBusy is returned when a single-mode session already has a group
	// in progress.
	ErrGroupBusy = errors.New("another task group is in progress")
	// ErrInvalidInput is returned when arguments fail validation before any
	// write.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreUnavailable marks transient failures (locked database, timeout).
	// Callers may retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// wrap annotates err with the operation name and tags transient failures
// with ErrStoreUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) && !errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

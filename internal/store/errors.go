// Package store defines the error values shared by the event, migration and
// trigger persistence backends (memstore, pgstore).
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a trigger status transition is
	// attempted from a status that does not allow it.
	ErrStatusConflict = errors.New("status conflict")
)

// StoreError wraps a persistence failure with the operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

// Wrap returns err wrapped in a StoreError for op, or nil if err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is, or wraps, a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a location holds no value
	ErrNotFound = errors.New("not found")

	// ErrNotLocked is returned when a scope touches a location it does not hold
	ErrNotLocked = errors.New("location not locked")

	// ErrTxDone is returned when a finished transaction is used
	ErrTxDone = errors.New("transaction already finished")

	// ErrWildcard is returned when a wildcard location is read or written directly
	ErrWildcard = errors.New("wildcard location cannot be accessed directly")

	// ErrConflict is returned at commit when a written location changed underneath
	ErrConflict = errors.New("location modified by another transaction")

	// ErrInUse is returned by Open when another process holds the database
	ErrInUse = errors.New("database is in use by another process")
)

// Error is a lock, read, write or commit failure
type Error struct {
	Op       string
	Location Location
	Err      error
}

func (e *Error) Error() string {
	if e.Location == (Location{}) {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func storeErr(op string, loc Location, err error) error {
	return &Error{Op: op, Location: loc, Err: err}
}

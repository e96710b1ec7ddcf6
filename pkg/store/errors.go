package store

import "errors"

var (
	// ErrLoadFailed is returned when a purge or merge statement fails.
	// The transaction has been rolled back and nothing was committed.
	ErrLoadFailed = errors.New("load failed")

	// ErrLoadConnectivity is returned when the session could not be built or a
	// commit kept failing after the reconnect ceiling was reached.
	ErrLoadConnectivity = errors.New("load connectivity fault")

	// ErrMissingPrimaryKey is returned when a record lacks a primary key column.
	ErrMissingPrimaryKey = errors.New("record missing primary key")
)

// connectivityError marks faults that warrant rebuilding the session.
type connectivityError struct {
	op  string
	err error
}

func (e *connectivityError) Error() string { return e.op + ": " + e.err.Error() }
func (e *connectivityError) Unwrap() error { return e.err }

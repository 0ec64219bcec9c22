package store

import "errors"

// Failure-mode taxonomy shared across the coordination plane.
var (
	// ErrNotFound means the target row is absent.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition means the attempted state change violates the
	// task state machine in package taskfsm.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrConflict means a concurrent claim/consume/allocate lost its race.
	ErrConflict = errors.New("conflict")
	// ErrIntegrityError means a file-disjointness, dependency-acyclicity,
	// or single-assignee invariant was violated; the write is aborted.
	ErrIntegrityError = errors.New("integrity error")
)

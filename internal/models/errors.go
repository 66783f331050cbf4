package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateRunID = errors.New("duplicate run id")
)

type ErrorKind string

const (
	KindAdmission    ErrorKind = "admission"
	KindWorkspace    ErrorKind = "workspace"
	KindProcess      ErrorKind = "process"
	KindStall        ErrorKind = "stall"
	KindCancellation ErrorKind = "cancellation"
	KindConflict     ErrorKind = "conflict"
)

// Error is the engine's classified error. Op names the operation that failed.
type Error struct {
	Kind  ErrorKind
	RunID string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.RunID != "" {
		msg += " (run " + e.RunID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, runID, op string, err error) *Error {
	return &Error{Kind: kind, RunID: runID, Op: op, Err: err}
}

// ConflictError is returned when a compare-and-swap status transition finds
// the run in a different status than the caller expected.
type ConflictError struct {
	RunID    string
	Expected RunStatus
	Actual   RunStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on run %s: expected status %s, found %s", e.RunID, e.Expected, e.Actual)
}

// IsKind reports whether err carries the given classification anywhere in its
// chain. A ConflictError counts as KindConflict.
func IsKind(err error, kind ErrorKind) bool {
	if kind == KindConflict {
		var ce *ConflictError
		if errors.As(err, &ce) {
			return true
		}
	}
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

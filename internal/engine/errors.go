package engine

import "fmt"

// TypeMismatchError reports that a wrapper or union observed a different
// runtime type than the one it was created for. Always recoverable; the
// offending wrapper has already been disposed by the time the caller sees it.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// DisposedError reports an operation on an already-released wrapper or a
// closed engine state.
type DisposedError struct {
	Subject string // "reference", "engine state", ...
	Op      string
}

func (e *DisposedError) Error() string {
	return fmt.Sprintf("%s: attempt to use a disposed %s", e.Op, e.Subject)
}

// StackGuardError reports that an operation needing temporary stack room
// would cross the configured ceiling. Raised instead of risking undefined
// engine behavior.
type StackGuardError struct {
	Need  int
	Top   int
	Limit int
}

func (e *StackGuardError) Error() string {
	return fmt.Sprintf("stack overflow guard: need %d slots at depth %d, limit %d", e.Need, e.Top, e.Limit)
}

// FatalError wraps an engine-level failure reached outside any protected
// call. The evaluation stack is no longer trustworthy; this is reported
// upward and never recovered from locally.
type FatalError struct {
	Value any
	Stack string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("unprotected engine error: %v", e.Value)
}

func newTypeMismatch(expected, actual string) *TypeMismatchError {
	return &TypeMismatchError{Expected: expected, Actual: actual}
}

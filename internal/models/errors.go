package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide how to respond
// without string matching.
type ErrorKind string

const (
	KindWriteFailure          ErrorKind = "write_failure"
	KindInvalidSelectorOutput ErrorKind = "invalid_selector_output"
	KindStepTimeout           ErrorKind = "step_timeout"
	KindRunTimeout            ErrorKind = "run_timeout"
	KindStepParseFailure      ErrorKind = "step_parse_failure"
	KindStepFailed            ErrorKind = "step_failed"
	KindLimitExceeded         ErrorKind = "limit_exceeded"
	KindInterrupted           ErrorKind = "interrupted"
	KindUnknownWorkflow       ErrorKind = "unknown_workflow"
	KindUnknownFunction       ErrorKind = "unknown_function"
	KindNotFound              ErrorKind = "not_found"
	KindRunFinished           ErrorKind = "run_finished"
	KindInvalidInput          ErrorKind = "invalid_input"
)

// Error is a kinded error. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrWriteFailure          = &Error{Kind: KindWriteFailure}
	ErrInvalidSelectorOutput = &Error{Kind: KindInvalidSelectorOutput}
	ErrStepTimeout           = &Error{Kind: KindStepTimeout}
	ErrRunTimeout            = &Error{Kind: KindRunTimeout}
	ErrStepParseFailure      = &Error{Kind: KindStepParseFailure}
	ErrUnknownWorkflow       = &Error{Kind: KindUnknownWorkflow}
	ErrUnknownFunction       = &Error{Kind: KindUnknownFunction}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrRunFinished           = &Error{Kind: KindRunFinished}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
)

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsWriteFailure reports whether err is a storage write failure.
func IsWriteFailure(err error) bool {
	return errors.Is(err, ErrWriteFailure)
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

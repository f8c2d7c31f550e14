// Package errors provides structured error types for paperbanana.
//
// Every failure that crosses a component boundary carries a machine-readable
// [Code] so the orchestrator can decide whether a run aborts, an iteration is
// recorded as failed, or a call is retried:
//
//   - VALIDATION: malformed input or reference set. Fatal, never retried.
//   - EXTERNAL_SERVICE: a generation-service call failed after the retry
//     wrapper gave up (or the failure was permanent). Fatal for the phase.
//   - RENDER: generated charting code could not be executed. Recorded as a
//     failed iteration; fatal only when no iteration is left.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeValidation, "reference %q: missing caption", id)
//	if errors.Is(err, errors.ErrCodeValidation) {
//	    // reject input
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeExternalService, cause, "critique failed")
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for the pipeline taxonomy.
const (
	ErrCodeValidation      Code = "VALIDATION"
	ErrCodeExternalService Code = "EXTERNAL_SERVICE"
	ErrCodeRender          Code = "RENDER"

	ErrCodeNotFound Code = "NOT_FOUND"
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Validation is shorthand for New(ErrCodeValidation, ...).
func Validation(format string, args ...any) *Error {
	return New(ErrCodeValidation, format, args...)
}

// Render wraps a sandbox or code-execution failure.
func Render(cause error, format string, args ...any) *Error {
	return Wrap(ErrCodeRender, cause, format, args...)
}

// Is reports whether err has the given error code.
// The outermost *Error in the chain decides.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message (and cause) without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	return err.Error()
}

// PhaseError annotates a failure with the pipeline phase it happened in,
// so a failed run can report both where and why.
type PhaseError struct {
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error { return e.Err }

// InPhase wraps err with phase information. A nil err stays nil.
func InPhase(phase string, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: phase, Err: err}
}

// PhaseOf returns the outermost phase recorded on err, or "".
func PhaseOf(err error) string {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return ""
}

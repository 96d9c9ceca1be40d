// Package toolerrors gives a tool invocation failure a shape that survives
// the trip into a toolregistry.Result's Output string and back: Processor
// stringifies the result with json.Marshal, so the failure needs to carry
// its own chain rather than lean on error wrapping that only works
// in-process.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError is one failed tool invocation, optionally chained to the error
// that caused it via Cause. invoke in responseprocessor wraps every
// non-nil tool error in one of these before it is stringified into a
// tool_result message.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling error chains with errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError wrapping cause, converting it into a
// ToolError chain first so Cause is never a non-ToolError error.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain, walking its
// Unwrap chain so errors.Is/As still works after the conversion.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the string as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

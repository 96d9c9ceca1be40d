// Package runerr provides structured error types for the run lifecycle.
// Error preserves a causal chain and a classification kind while still
// implementing the standard error interface, the same shape the teacher
// pack uses for tool failures, generalized to the run's own error kinds.
package runerr

import (
	"errors"
	"fmt"
)

// Kind classifies a run error for status mapping, logging, and retry
// policy. See the doc comments on each constant for the handling each
// kind receives.
type Kind string

const (
	// KindInput marks a bad request to the Supervisor: unknown
	// thread/run, unauthorized access. Surfaced as an HTTP 4xx; never
	// reaches the run task.
	KindInput Kind = "input"
	// KindProvider marks an LLM call failure. Retried with bounded
	// attempts; on exhaustion, becomes an error event and the run
	// status is set to failed.
	KindProvider Kind = "provider"
	// KindParse marks malformed markup or malformed native tool-call
	// arguments. Logged; the offending call is dropped and the run
	// continues.
	KindParse Kind = "parse"
	// KindTool marks an exception raised by a tool. Captured inside a
	// tool-result message with success=false; the run continues.
	KindTool Kind = "tool"
	// KindPersistence marks a failed write to the message or run
	// store. Logged; the event is still yielded and published so live
	// subscribers are not starved.
	KindPersistence Kind = "persistence"
	// KindControl marks a pub/sub subscribe failure. Retried with
	// exponential backoff; if the control channel cannot be
	// established the run still proceeds, just not cross-instance
	// stoppable.
	KindControl Kind = "control"
	// KindFatal marks an unhandled exception inside the run task.
	// Publishes an error event and END_STREAM, and writes run status
	// failed with the stringified error.
	KindFatal Kind = "fatal"
)

// Error represents a classified run failure that preserves message and
// causal context while still implementing the standard error
// interface. Errors may be nested via Cause to retain diagnostics
// across retries.
type Error struct {
	Kind    Kind
	Message string
	Cause   *Error
}

// New constructs an Error of the given kind with the provided message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind) + " error"
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind that wraps an underlying
// error. The cause is converted into an Error chain so classification
// survives serialization while still supporting errors.Is/As through
// Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: From(cause)}
}

// From converts an arbitrary error into an Error chain, defaulting any
// unclassified link in the chain to KindFatal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    KindFatal,
		Message: err.Error(),
		Cause:   From(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the
// result as an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether kind matches this error's Kind, so callers can
// write errors.Is(err, runerr.New(runerr.KindInput, "")) style checks
// against a sentinel built only to carry a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Package conversaerr provides the stable, serializable error taxonomy used
// across the conversation pipeline: every error that crosses a component
// boundary (tool dispatch, orchestrator phase, gateway transport) is
// eventually classified into one of a fixed set of Kinds so that clients see
// a small, documented error surface instead of provider- or library-specific
// error strings.
package conversaerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for client-facing reporting and retry policy.
type Kind string

const (
	// KindInputInvalid indicates the caller's request failed validation
	// (malformed JSON, missing required field, schema mismatch).
	KindInputInvalid Kind = "input_invalid"

	// KindAuthDenied indicates the caller's credentials were missing,
	// expired, or insufficient for the requested operation.
	KindAuthDenied Kind = "auth_denied"

	// KindToolNotFound indicates a requested tool name has no registered
	// handler.
	KindToolNotFound Kind = "tool_not_found"

	// KindToolFault indicates a tool executed but returned a failure
	// result or raised a runtime error.
	KindToolFault Kind = "tool_fault"

	// KindToolTimeout indicates a tool call exceeded its execution budget.
	KindToolTimeout Kind = "tool_timeout"

	// KindExternalUnavailable indicates a dependency outside the process
	// (LLM provider, speech provider, durable store) could not be reached
	// or returned a 5xx-class failure.
	KindExternalUnavailable Kind = "external_unavailable"

	// KindTimeout indicates the overall operation (turn, tool iteration
	// budget) exceeded its wall-clock bound.
	KindTimeout Kind = "timeout"

	// KindBackpressure indicates the stream multiplexer could not keep up
	// with event production and dropped or refused to enqueue further
	// events for a connection.
	KindBackpressure Kind = "backpressure"

	// KindCancelled indicates the operation was cancelled by its caller
	// (context cancellation, explicit abort, barge-in).
	KindCancelled Kind = "cancelled"

	// KindInternal indicates an unclassified, unexpected failure. This is
	// the default for anything that does not match a more specific kind.
	KindInternal Kind = "internal"
)

// retryable reports whether this kind of error is, in general, worth
// retrying. Per-error Retryable overrides this when set.
func (k Kind) retryable() bool {
	switch k {
	case KindToolTimeout, KindExternalUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the structured error type propagated through the conversation
// pipeline. It carries a stable Kind for client reporting alongside the
// underlying Cause for logging and errors.Is/errors.As chains.
type Error struct {
	// Kind classifies the failure for clients and retry policy.
	Kind Kind

	// Message is a human-readable description safe to surface to callers.
	Message string

	// Cause is the underlying error, if any. Not serialized to clients.
	Cause error

	// Retryable overrides the kind's default retry policy when non-nil.
	Retryable *bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Cause.Error())
	}
	return fmt.Sprintf("[%s]", e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing cause,
// using the cause's message unless msg is non-empty.
func Wrap(kind Kind, cause error, msg string) *Error {
	e := &Error{Kind: kind, Cause: cause, Message: msg}
	if e.Message == "" && cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithRetryable overrides the default retry policy for this error.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = &retryable
	return e
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err should be retried: an *Error with an
// explicit Retryable override honors it, otherwise the kind's default
// policy applies. A nil or unclassified error is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := As(err); ok {
		if ce.Retryable != nil {
			return *ce.Retryable
		}
		return ce.Kind.retryable()
	}
	return false
}

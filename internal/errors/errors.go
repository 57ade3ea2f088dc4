// Package errors provides structured error handling for lodestone.
//
// Every error that crosses a component boundary carries a Kind from the
// wire-level taxonomy, so the streaming session can map any failure to a
// protocol error code without inspecting message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for callers and for wire serialization.
// Kinds map 1:1 onto the streaming protocol's error codes.
type Kind string

const (
	// KindValidation indicates malformed input. Not retryable.
	KindValidation Kind = "validation"
	// KindNotFound indicates a missing store, path, or document.
	KindNotFound Kind = "not_found"
	// KindAlreadyExists indicates a store creation race.
	KindAlreadyExists Kind = "already_exists"
	// KindQueueFull indicates backpressure; callers should retry with backoff.
	KindQueueFull Kind = "queue_full"
	// KindTimeout indicates an operation exceeded its budget.
	KindTimeout Kind = "timeout"
	// KindModelUnavailable indicates the embedder or reranker is unreachable.
	KindModelUnavailable Kind = "model_unavailable"
	// KindInternal indicates an unexpected failure, reported opaquely.
	KindInternal Kind = "internal"
)

// Error is the structured error type for lodestone.
type Error struct {
	// Kind is the taxonomy bucket, serialized as the wire error code.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates the operation may succeed if repeated.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind, enabling errors.Is against sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// AsRetryable marks the error as retryable and returns it for chaining.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// New creates a new Error with the given kind and message.
// Queue-full, timeout, and model-unavailable errors default to retryable.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error from an existing error, preserving the cause.
// Returns nil when err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	e := New(kind, message+": "+err.Error())
	e.Cause = err
	return e
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// defaultRetryable reports whether a kind is retryable by default.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindQueueFull, KindTimeout, KindModelUnavailable:
		return true
	default:
		return false
	}
}

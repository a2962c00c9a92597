package models

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes an error for retry and HTTP mapping decisions.
// The string value doubles as the error_code persisted on failed jobs
// and segments.
type ErrorKind string

const (
	// KindValidation: input violates schema or invariant; never retried.
	KindValidation ErrorKind = "ErrValidation"
	// KindAuth: missing or invalid principal.
	KindAuth ErrorKind = "ErrAuth"
	// KindForbidden: valid principal but not the owner.
	KindForbidden ErrorKind = "ErrForbidden"
	// KindNotFound: unknown job or segment.
	KindNotFound ErrorKind = "ErrNotFound"
	// KindConflict: id collision or duplicate segment index.
	KindConflict ErrorKind = "ErrConflict"
	// KindStale: a conditional update lost a race; the caller aborts the
	// current attempt and rereads.
	KindStale ErrorKind = "ErrStale"
	// KindTransient: network/5xx from upstream or deadline exceeded;
	// retried with backoff.
	KindTransient ErrorKind = "ErrTransient"
	// KindPolicy: upstream refused for content or consent reasons; terminal.
	KindPolicy ErrorKind = "ErrPolicy"
	// KindUpstreamFatal: upstream returned a terminal non-policy failure.
	KindUpstreamFatal ErrorKind = "ErrUpstreamFatal"
	// KindStitchFailed: concat or upload failed; terminal at job level.
	KindStitchFailed ErrorKind = "ErrStitchFailed"
)

// DomainError carries an ErrorKind alongside a caller-safe message.
// Messages must not leak upstream credentials, internal paths, or stack
// traces; the wrapped cause stays server-side.
type DomainError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *DomainError) Unwrap() error {
	return e.cause
}

// NewError creates a DomainError with the given kind and message.
func NewError(kind ErrorKind, message string) *DomainError {
	return &DomainError{Kind: kind, Message: message}
}

// NewErrorf creates a DomainError with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a DomainError wrapping an underlying cause.
func WrapError(kind ErrorKind, message string, cause error) *DomainError {
	return &DomainError{Kind: kind, Message: message, cause: cause}
}

// KindOf returns the ErrorKind of err, walking the wrap chain.
// Errors without a DomainError in the chain report KindTransient: an
// uncategorized failure must never be treated as terminal.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// ValidationError represents a validation error with field and message.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a field-level validation error carrying
// KindValidation.
func NewValidationError(field, message string) error {
	return WrapError(KindValidation, fmt.Sprintf("%s: %s", field, message),
		ValidationError{Field: field, Message: message})
}

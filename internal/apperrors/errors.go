// Package apperrors provides structured application errors with retry
// classification and HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// ErrTransient marks failures worth retrying: network class, upstream
	// timeouts, rate limits, polling timeouts.
	ErrTransient = errors.New("transient error")

	// ErrPermanent marks failures retrying cannot fix: invalid input,
	// upstream semantic rejection, quota exhaustion.
	ErrPermanent = errors.New("permanent error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message, safe to persist and show
	Field    string // For validation errors (e.g., "resourceKey")
	Resource string // For not found/conflict (e.g., "job")
	ID       string // Identifier of the conflicting/missing resource
	Op       string // Operation that failed (e.g., "meshgen.submit")
	Cause    error  // Underlying error, logged but never persisted
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict creates a conflict error for a resource. The id travels with the
// error so callers can point at the already-existing resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Transient creates a retryable error wrapping an underlying cause. The
// message stays generic; the cause is for logs only.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("temporary failure during %s", op),
		Op:       op,
		Cause:    cause,
	}
}

// Permanent creates a non-retryable error with a message suitable for the
// persisted job record.
func Permanent(op, message string) error {
	return &Error{
		Sentinel: ErrPermanent,
		Message:  message,
		Op:       op,
	}
}

// Retryable reports whether a failure is worth another attempt. Unclassified
// errors default to retryable: an unknown failure is treated as network
// class rather than burning the job.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrValidation) {
		return false
	}
	return true
}

// ConflictID extracts the resource id from a conflict error, if present.
func ConflictID(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && errors.Is(e.Sentinel, ErrConflict) && e.ID != "" {
		return e.ID, true
	}
	return "", false
}

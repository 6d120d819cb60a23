// Package apperrors provides classified application errors with HTTP status mapping.
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
	ErrUpstream   = errors.New("upstream error")
	ErrInternal   = errors.New("internal error")
)

// Error carries a sentinel for classification plus context for logs and responses.
type Error struct {
	Sentinel error
	Message  string
	Field    string // validation errors
	Resource string // not found and conflict errors
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

func Conflict(resource, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource}
}

// Upstream wraps a failure reported by an external dependency such as the delay queue.
func Upstream(op string, cause error) error {
	return &Error{
		Sentinel: ErrUpstream,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

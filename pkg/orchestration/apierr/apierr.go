// Package apierr classifies orchestration errors into a fixed set of
// kinds, so callers can branch on kind instead of matching strings. New
// code built in the surrounding idiom of small dependency-free packages
// with constructor functions and github.com/pkg/errors wrapping.
package apierr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an orchestration operation failed.
type Kind string

const (
	Validation       Kind = "validation"
	NotFound         Kind = "not-found"
	Conflict         Kind = "conflict"
	BackendTransient Kind = "backend-transient"
	BackendPermanent Kind = "backend-permanent"
	SecurityBlock    Kind = "security-block"
	DataIntegrity    Kind = "data-integrity"
	Timeout          Kind = "timeout"
)

// Error wraps an underlying cause with a Kind and a human message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind error without an underlying cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var typed *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			typed = e
			if typed.Kind == kind {
				return true
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err was never
// classified.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			typed = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if typed == nil {
		return "", false
	}
	return typed.Kind, true
}

// Retryable reports whether err's kind is one the caller may retry
// (backend-transient, timeout); security-block and data-integrity are
// explicitly never retryable.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == BackendTransient || kind == Timeout
}

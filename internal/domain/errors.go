package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures at the worker boundary before they touch job state.
type ErrorKind string

const (
	// KindTransient failures are retried with backoff until attempts are exhausted.
	KindTransient ErrorKind = "transient"
	// KindValidation failures are terminal immediately.
	KindValidation ErrorKind = "validation"
	// KindResourceExhausted failures requeue with unchanged score and attempt.
	KindResourceExhausted ErrorKind = "resource_exhausted"
	// KindExpired failures are terminal and reported apart from attempt exhaustion.
	KindExpired ErrorKind = "expired"
)

var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrExpired           = errors.New("deadline passed")
)

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error onto the failure taxonomy. Unknown errors are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}

// IsRetryable reports whether a failure of this kind may be retried.
func (k ErrorKind) IsRetryable() bool {
	return k == KindTransient || k == KindResourceExhausted
}

// Package ensure holds the result type for idempotent "make sure X exists"
// provisioning operations. An ensure operation never fails just because the
// resource is already there; the result says which of the three outcomes
// actually happened.
package ensure

import "fmt"

// Status reports what an ensure operation did.
type Status string

const (
	StatusExists  Status = "exists"
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
)

// Result is the outcome of an ensure operation: either a success carrying the
// ensured value and how it came to be, or a failure wrapping the original error.
type Result[T any] struct {
	Value   T
	Status  Status
	Message string
	Err     error
}

func Success[T any](value T, status Status, message string) Result[T] {
	return Result[T]{Value: value, Status: status, Message: message}
}

func Failure[T any](err error, message string) Result[T] {
	return Result[T]{Err: fmt.Errorf("%s: %w", message, err), Message: message}
}

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Created reports whether the operation created the resource this time.
func (r Result[T]) Created() bool { return r.Err == nil && r.Status == StatusCreated }

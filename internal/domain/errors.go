package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// PipelineError carries the transient/permanent classification alongside the
// machine-readable kind that the recovery policy keys on.
type PipelineError struct {
	Class ErrorClass
	Kind  string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s error (%s): %v", e.Class, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(kind string, err error) error {
	return &PipelineError{Class: ErrorClassTransient, Kind: kind, Err: err}
}

// Permanent wraps err as a terminal failure.
func Permanent(kind string, err error) error {
	return &PipelineError{Class: ErrorClassPermanent, Kind: kind, Err: err}
}

// Classify returns the error class, defaulting unclassified errors to
// transient so they are retried rather than silently dropped.
func Classify(err error) ErrorClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ErrorClassTransient
}

// ErrorKind extracts the machine-readable kind, falling back to "unknown".
func ErrorKind(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return "unknown"
}

// IsTimeout reports whether err is a deadline or network timeout, which the
// router treats differently from hard backend failures.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

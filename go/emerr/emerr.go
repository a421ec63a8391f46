// Package emerr provides the error wrapping helpers used throughout this repo.
// Wrapped errors carry a stack trace from the first Wrap call and remain
// compatible with errors.Is/As.
package emerr

import (
	"github.com/pkg/errors"
)

// Wrap adds a stack trace to err, once. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); ok {
		return err
	}
	return errors.WithStack(err)
}

// Wrapf annotates err with a message and a stack trace. Returns nil if err is
// nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Fmt creates a new error with a message and a stack trace.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Unwrap returns the innermost error in the chain.
func Unwrap(err error) error {
	return errors.Cause(err)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

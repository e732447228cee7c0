// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status defines the error kinds reported by the execution engine.
//
// Every failure is returned up as an error carrying a Code, so callers can make policy
// decisions (retry, abort the session, shed load) without parsing messages:
//
//   - Internal, NotInitialized: programming or configuration errors.
//   - Load: malformed graph source, terminal for the session.
//   - KernelNotFound, InvalidAttribute: initialization errors, terminal for the session.
//   - InvalidArgument: bad inputs to a call (e.g. unknown feed name).
//   - Runtime, Timeout: scoped to a single Run.
//   - OutOfMemory: an allocator could not satisfy a request.
//
// Errors are created with github.com/pkg/errors, so they carry a stack trace when printed with "%+v".
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the kind of error.
type Code int

const (
	// OK is the code of a nil error.
	OK Code = iota

	// Unknown is the code of errors that were not created by this package.
	Unknown

	Internal
	NotInitialized
	Load
	KernelNotFound
	InvalidAttribute
	InvalidArgument
	Runtime
	Timeout
	OutOfMemory
	NotImplemented
)

var codeNames = [...]string{
	OK:               "OK",
	Unknown:          "Unknown",
	Internal:         "Internal",
	NotInitialized:   "NotInitialized",
	Load:             "Load",
	KernelNotFound:   "KernelNotFound",
	InvalidAttribute: "InvalidAttribute",
	InvalidArgument:  "InvalidArgument",
	Runtime:          "Runtime",
	Timeout:          "Timeout",
	OutOfMemory:      "OutOfMemory",
	NotImplemented:   "NotImplemented",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Error is an error with an associated Code.
type Error struct {
	Code  Code
	msg   string
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.msg)
	}
	if e.msg == "" {
		return fmt.Sprintf("[%s] %v", e.Code, e.cause)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.msg, e.cause)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// Errorf creates a new error with the given code and a stack trace.
func Errorf(code Code, format string, args ...any) error {
	return errors.WithStack(&Error{Code: code, msg: fmt.Sprintf(format, args...)})
}

// Wrapf wraps err with the given code and message.
// If err is nil it returns nil.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Code: code, msg: fmt.Sprintf(format, args...), cause: err})
}

// WithCode returns err tagged with code, unless err already carries a code, in which case it is returned as is.
func WithCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != Unknown {
		return err
	}
	return errors.WithStack(&Error{Code: code, cause: err})
}

// CodeOf returns the code of the outermost status.Error in the chain of err.
// It returns OK for nil, and Unknown if no status.Error is found.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return Unknown
}

// Is returns whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOr returns the code of err, or defaultCode if err doesn't carry one.
func CodeOr(err error, defaultCode Code) Code {
	if code := CodeOf(err); code != Unknown {
		return code
	}
	return defaultCode
}

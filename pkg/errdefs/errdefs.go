// Package errdefs defines the stable error kinds returned by the stackman core.
//
// Business-rule violations are returned as *Error values carrying a Code.
// The API layer maps codes to transport statuses; the core never does.
package errdefs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is a stable error identifier
type Code string

const (
	BundleError                Code = "BUNDLE_ERROR"
	BundleSignatureInvalid     Code = "BUNDLE_SIGNATURE_INVALID"
	ObjectNotFound             Code = "OBJECT_NOT_FOUND"
	HostNotFound               Code = "HOST_NOT_FOUND"
	ComponentNotFound          Code = "COMPONENT_NOT_FOUND"
	ComponentNotInCluster      Code = "COMPONENT_NOT_IN_CLUSTER"
	HostNotBound               Code = "HOST_NOT_BOUND"
	MappingConstraintViolation Code = "MAPPING_CONSTRAINT_VIOLATION"
	HostInMaintenanceMode      Code = "HOST_IN_MAINTENANCE_MODE"
	ConfigValueError           Code = "CONFIG_VALUE_ERROR"
	ActionNotAvailable         Code = "ACTION_NOT_AVAILABLE"
	TaskConflict               Code = "TASK_CONFLICT"
	UpgradeError               Code = "UPGRADE_ERROR"
	LockError                  Code = "LOCK_ERROR"
	ObjectConflict             Code = "OBJECT_CONFLICT"
	InvalidInput               Code = "INVALID_INPUT"
)

// Level is the severity reported to API callers
type Level string

const (
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Error is a business error with a stable code
type Error struct {
	Code  Code   `json:"code"`
	Level Level  `json:"level"`
	Desc  string `json:"desc"`
	Args  any    `json:"args,omitempty"`
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Desc, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Desc)
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithArgs attaches structured arguments and returns the same error
func (e *Error) WithArgs(args any) *Error {
	e.Args = args
	return e
}

// New creates an error of the given code
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Level: levelOf(code), Desc: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given code around a cause.
// The cause keeps its stack trace.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:  code,
		Level: levelOf(code),
		Desc:  fmt.Sprintf(format, args...),
		cause: pkgerrors.WithStack(cause),
	}
}

// Fatal builds the LOCK_ERROR used for internal invariant violations.
// Engines panic with it; storage.Update recovers it at the transaction boundary.
func Fatal(format string, args ...any) *Error {
	return New(LockError, format, args...)
}

// NotFound is shorthand for OBJECT_NOT_FOUND
func NotFound(kind string, id any) *Error {
	return New(ObjectNotFound, "%s %v does not exist", kind, id)
}

// Is reports whether err carries the given code anywhere in its chain
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first *Error in the chain, or ""
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Cause returns the innermost cause of err
func Cause(err error) error {
	return pkgerrors.Cause(err)
}

func levelOf(code Code) Level {
	if code == LockError {
		return LevelCritical
	}
	return LevelError
}

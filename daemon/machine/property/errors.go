package property

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// Error kinds returned by descriptors. Every *Error matches exactly one of
// them with errors.Is, and is classified as an invalid argument.
var (
	ErrUnsupported = errors.New("unsupported property")
	ErrReadOnly    = errors.New("property is read-only")
	ErrWriteOnce   = errors.New("property may only be set once")
	ErrDisallowed  = errors.New("value is not allowed")
	ErrType        = errors.New("value has the wrong type")
	ErrRange       = errors.New("value is out of range")
	ErrRequired    = errors.New("missing required value")
)

// Error describes a rejected property access.
type Error struct {
	Kind   error
	Name   string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Name != "" {
		msg = fmt.Sprintf("%s: %s", e.Name, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, cerrdefs.ErrInvalidArgument}
}

// InvalidParameter marks the error for errdefs-style classifiers.
func (e *Error) InvalidParameter() {}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Unsupported returns the error used for attribute names no descriptor owns.
func Unsupported(name string) error {
	return &Error{Kind: ErrUnsupported, Name: name}
}

// Disallowed returns a named ErrDisallowed error. Validators use it to reject
// values that pass the type check but violate a cross-property rule.
func Disallowed(name, format string, args ...any) error {
	err := newError(ErrDisallowed, format, args...)
	err.Name = name
	return err
}

// Invalid is like Disallowed but for a value of the wrong shape.
func Invalid(name, format string, args ...any) error {
	err := newError(ErrType, format, args...)
	err.Name = name
	return err
}

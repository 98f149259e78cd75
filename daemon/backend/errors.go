package backend

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	// ErrUnsupported is returned for attributes with no supervisor mapping.
	ErrUnsupported = errors.New("property not supported by backend")
	// ErrReadOnly is returned when setting a property the supervisor owns.
	ErrReadOnly = errors.New("backend property is read-only")
	// ErrIllegalValue is returned when a value cannot be represented.
	ErrIllegalValue = errors.New("illegal backend property value")
	// ErrUninitialized is returned when reading a property never set.
	ErrUninitialized = errors.New("backend property is not initialized")
	// ErrNotImplemented is returned by adapter operations a brand lacks.
	ErrNotImplemented = errors.New("not implemented")
)

type propertyError struct {
	kind error
	name string
	msg  string
}

func (e *propertyError) Error() string {
	s := fmt.Sprintf("%s: %s", e.name, e.kind)
	if e.msg != "" {
		s += ": " + e.msg
	}
	return s
}

func (e *propertyError) Unwrap() []error {
	return []error{e.kind, cerrdefs.ErrInvalidArgument}
}

func errProperty(kind error, name, format string, args ...any) error {
	return &propertyError{kind: kind, name: name, msg: fmt.Sprintf(format, args...)}
}

// Unsupported returns the error for an attribute with no supervisor mapping.
func Unsupported(name string) error {
	return errProperty(ErrUnsupported, name, "")
}

type notImplementedError struct {
	op string
}

func (e notImplementedError) Error() string {
	return e.op + ": " + ErrNotImplemented.Error()
}

func (e notImplementedError) Unwrap() []error {
	return []error{ErrNotImplemented, cerrdefs.ErrNotImplemented}
}

// NotImplemented returns the error for an operation op the adapter lacks.
func NotImplemented(op string) error {
	return notImplementedError{op: op}
}

package machine

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

var (
	// ErrNotFound is returned when a machine does not exist, or is hidden
	// from the caller.
	ErrNotFound = errors.New("no such machine")
	// ErrSnapshotNotFound is returned for snapshot operations naming a
	// snapshot the machine does not have.
	ErrSnapshotNotFound = errors.New("no such snapshot")
	// ErrSnapshotExists is returned when creating a snapshot twice.
	ErrSnapshotExists = errors.New("snapshot already exists")
	// ErrHeld is returned when destroying a dataset protected by a hold.
	ErrHeld = errors.New("dataset is held indestructible")
)

// kindError pairs a package error kind with its errdefs class.
type kindError struct {
	kind  error
	class error
	msg   string
}

func (e *kindError) Error() string {
	if e.msg == "" {
		return e.kind.Error()
	}
	return e.msg + ": " + e.kind.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.class}
}

func notFound(uuid string) error {
	return &kindError{kind: ErrNotFound, class: cerrdefs.ErrNotFound, msg: "machine " + uuid}
}

func snapshotNotFound(name string) error {
	return &kindError{kind: ErrSnapshotNotFound, class: cerrdefs.ErrNotFound, msg: "snapshot " + name}
}

func snapshotExists(name string) error {
	return &kindError{kind: ErrSnapshotExists, class: cerrdefs.ErrAlreadyExists, msg: "snapshot " + name}
}

func held(snapshot, tag string) error {
	return &kindError{kind: ErrHeld, class: cerrdefs.ErrFailedPrecondition, msg: fmt.Sprintf("%s has hold %q", snapshot, tag)}
}

// PipelineError reports a failed install, uninstall or reprovision step. It
// carries the in-memory records as they were when the step failed.
type PipelineError struct {
	Op   string
	Step string
	Err  error

	Config   map[string]any
	Metadata map[string]any
	Routes   map[string]any
	Tags     map[string]any
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Step, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

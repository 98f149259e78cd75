package daemon

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/machined/machined/daemon/machine"
)

// hiddenError reports a machine flagged do_not_inventory. It is
// indistinguishable from a missing machine.
type hiddenError struct {
	uuid string
}

func (e *hiddenError) Error() string {
	return "machine " + e.uuid + ": " + machine.ErrNotFound.Error()
}

func (e *hiddenError) Unwrap() []error {
	return []error{machine.ErrNotFound, cerrdefs.ErrNotFound}
}

func isNotFound(err error) bool {
	return errors.Is(err, machine.ErrNotFound)
}

type conflictError struct {
	uuid string
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("machine %s already exists", e.uuid)
}

func (e *conflictError) Unwrap() error { return cerrdefs.ErrAlreadyExists }

func notImplemented(verb string) error {
	return fmt.Errorf("%s: %w", verb, cerrdefs.ErrNotImplemented)
}

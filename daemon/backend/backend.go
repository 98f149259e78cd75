// Package backend defines how machine attributes reach the host supervisor.
package backend

import (
	"context"
	"errors"
	"syscall"
)

// Values gives an adapter read access to the machine it serves.
type Values interface {
	Value(name string) (any, error)
}

// Adapter translates one machine's attributes into supervisor
// configuration and drives the supervisor for it.
type Adapter interface {
	// TrySet forwards a machine attribute. Callers decide which returned
	// errors to ignore with Ignorable.
	TrySet(name string, v any) error
	// Show reads a supervisor-owned attribute from the live unit.
	Show(ctx context.Context, name string) (any, error)

	// Generate writes all supervisor configuration for the machine and
	// boots it when autoboot is set.
	Generate(ctx context.Context) error
	// Clean removes everything Generate created.
	Clean(ctx context.Context) error
	// Apply pushes properties changed since the last emission to the
	// running unit.
	Apply(ctx context.Context) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reboot(ctx context.Context) error
	Kill(ctx context.Context, sig syscall.Signal) error
	Running(ctx context.Context) (bool, error)

	// Watch calls fn with the unit's state each time it changes, until ctx
	// is done.
	Watch(ctx context.Context, fn func(state string)) error

	// ImageInfo extracts image details from the installed root.
	ImageInfo(ctx context.Context) (map[string]any, error)
}

// ignorable lists the TrySet failures a machine swallows when propagating
// attribute writes.
var ignorable = []error{ErrUnsupported, ErrReadOnly}

// Ignorable reports whether err is a TrySet failure that does not affect the
// machine-side write.
func Ignorable(err error) bool {
	for _, target := range ignorable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

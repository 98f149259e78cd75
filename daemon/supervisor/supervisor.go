// Package supervisor is the host service manager machines run under.
package supervisor

import (
	"context"
	"syscall"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
)

// Property is a unit property as exchanged with the supervisor.
type Property = sddbus.Property

// Supervisor controls units by name.
type Supervisor interface {
	// Enable links the unit file at path into its install targets.
	Enable(ctx context.Context, path string) error
	Disable(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Kill(ctx context.Context, unit string, sig syscall.Signal) error
	// Reload makes the supervisor reread all unit files.
	Reload(ctx context.Context) error

	// Show returns a unit property. Service properties such as MainPID
	// are looked up on the service interface.
	Show(ctx context.Context, unit, property string) (any, error)
	// SetProperties changes properties of a loaded unit at runtime.
	SetProperties(ctx context.Context, unit string, props ...Property) error
	// Revert drops every runtime and persistent property override.
	Revert(ctx context.Context, unit string) error

	// Watch reports the unit's active state each time it changes.
	Watch(ctx context.Context, unit string) (<-chan string, <-chan error)
}

// Unit active states.
const (
	StateActive       = "active"
	StateActivating   = "activating"
	StateDeactivating = "deactivating"
	StateInactive     = "inactive"
	StateFailed       = "failed"
)

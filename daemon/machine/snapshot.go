package machine

import (
	"context"
	"regexp"
	"slices"

	"github.com/machined/machined/daemon/machine/property"
	"github.com/machined/machined/daemon/volume"
)

var validSnapshotName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

func checkSnapshotName(name string) error {
	if !validSnapshotName.MatchString(name) {
		return property.Disallowed("snapshot", "invalid snapshot name %q", name)
	}
	if name == InstallSnapshot {
		return property.Disallowed("snapshot", "%q is reserved", name)
	}
	return nil
}

// Snapshots lists the machine's snapshots, oldest first.
func (m *Machine) Snapshots(ctx context.Context) ([]string, error) {
	names, err := m.opts.Volumes.Snapshots(ctx, m.Dataset())
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(names, func(n string) bool { return n == InstallSnapshot }), nil
}

func (m *Machine) hasSnapshot(ctx context.Context, name string) (bool, error) {
	names, err := m.Snapshots(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

func (m *Machine) CreateSnapshot(ctx context.Context, name string) error {
	if err := checkSnapshotName(name); err != nil {
		return err
	}
	exists, err := m.hasSnapshot(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return snapshotExists(name)
	}
	m.logger(ctx).WithField("snapshot", name).Debug("creating snapshot")
	return m.opts.Volumes.Snapshot(ctx, m.Dataset(), name)
}

func (m *Machine) DeleteSnapshot(ctx context.Context, name string) error {
	exists, err := m.hasSnapshot(ctx, name)
	if err != nil {
		return err
	}
	if !exists || name == InstallSnapshot {
		return snapshotNotFound(name)
	}
	return m.opts.Volumes.DestroySnapshot(ctx, volume.SnapshotName(m.Dataset(), name))
}

// RollbackSnapshot returns the machine's volume to snapshot name, destroying
// every later snapshot. A running machine is stopped for the rollback and
// started again afterwards.
func (m *Machine) RollbackSnapshot(ctx context.Context, name string) error {
	exists, err := m.hasSnapshot(ctx, name)
	if err != nil {
		return err
	}
	if !exists || name == InstallSnapshot {
		return snapshotNotFound(name)
	}
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	running, err := b.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}
	if err := m.opts.Volumes.Rollback(ctx, volume.SnapshotName(m.Dataset(), name)); err != nil {
		return err
	}
	if running {
		return m.Start(ctx)
	}
	return nil
}

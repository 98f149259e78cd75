package daemon

import (
	"context"

	"github.com/containerd/log"

	"github.com/machined/machined/daemon/machine"
)

func (daemon *Daemon) snapshotVerb(ctx context.Context, verb, uuid, name string, fn func(*machine.Machine, context.Context, string) error) (retErr error) {
	ctx, done := daemon.begin(ctx, verb, uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("snapshot", name).Debug(verb)
	before := m.State()
	if err := fn(m, ctx, name); err != nil {
		return err
	}
	if m.State() != before {
		daemon.modified(m, "state")
	}
	return nil
}

// CreateSnapshot takes snapshot name of the volume of machine uuid.
func (daemon *Daemon) CreateSnapshot(ctx context.Context, uuid, name string) error {
	return daemon.snapshotVerb(ctx, "create_snapshot", uuid, name, (*machine.Machine).CreateSnapshot)
}

func (daemon *Daemon) DeleteSnapshot(ctx context.Context, uuid, name string) error {
	return daemon.snapshotVerb(ctx, "delete_snapshot", uuid, name, (*machine.Machine).DeleteSnapshot)
}

// RollbackSnapshot returns the volume of machine uuid to snapshot name. A
// running machine is restarted around the rollback.
func (daemon *Daemon) RollbackSnapshot(ctx context.Context, uuid, name string) error {
	return daemon.snapshotVerb(ctx, "rollback_snapshot", uuid, name, (*machine.Machine).RollbackSnapshot)
}

// Snapshots lists the snapshots of machine uuid, oldest first.
func (daemon *Daemon) Snapshots(ctx context.Context, uuid string) (_ []string, retErr error) {
	ctx, done := daemon.begin(ctx, "snapshots", uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		return nil, err
	}
	return m.Snapshots(ctx)
}

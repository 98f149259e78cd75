package daemon

import (
	"context"

	"github.com/containerd/log"

	"github.com/machined/machined/daemon/events"
)

// Delete uninstalls machine uuid. Machines with an indestructible volume are
// refused and left untouched.
func (daemon *Daemon) Delete(ctx context.Context, uuid string) (retErr error) {
	ctx, done := daemon.begin(ctx, "delete", uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		return err
	}
	daemon.unwatch(uuid)
	log.G(ctx).Info("deleting machine")
	err = m.Uninstall(ctx)
	daemon.cache.Evict(uuid)
	if err != nil {
		// The machine may be half gone, or untouched when it is held.
		if ok, _ := m.Exists(ctx, false); ok {
			daemon.watch(m)
		}
		return err
	}
	daemon.events.Log(events.ActionDelete, uuid, nil)
	return nil
}

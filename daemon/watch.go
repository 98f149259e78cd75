package daemon

import (
	"context"
	"slices"
	"time"

	"github.com/containerd/log"

	"github.com/machined/machined/daemon/machine"
)

// watch follows the unit of m so state changes made outside the daemon,
// such as a guest powering itself off, are recorded. It replaces any
// previous watch of the same machine.
func (daemon *Daemon) watch(m *machine.Machine) {
	uuid := m.UUID()
	ctx, cancel := context.WithCancel(daemon.watchCtx)
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("machine", uuid))

	daemon.watchMu.Lock()
	if prev, ok := daemon.watches[uuid]; ok {
		prev()
	}
	daemon.watches[uuid] = cancel
	daemon.watchWG.Add(1)
	daemon.watchMu.Unlock()

	go func() {
		defer daemon.watchWG.Done()
		err := m.Watch(ctx, func(state string) {
			daemon.observe(ctx, uuid, state)
		})
		if err != nil && ctx.Err() == nil {
			log.G(ctx).WithError(err).Warn("stopped following machine unit")
		}
	}()
}

// unwatch stops following machine uuid. It does not wait for the watch to
// return since that may be waiting for the uuid's lock.
func (daemon *Daemon) unwatch(uuid string) {
	daemon.watchMu.Lock()
	defer daemon.watchMu.Unlock()
	if cancel, ok := daemon.watches[uuid]; ok {
		cancel()
		delete(daemon.watches, uuid)
	}
}

// observe records a unit change. The record is read from disk again since
// another process may have updated or deleted the machine since it was
// cached.
func (daemon *Daemon) observe(ctx context.Context, uuid, state string) {
	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)
	if ctx.Err() != nil {
		return
	}
	daemon.cache.Evict(uuid)
	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		if isNotFound(err) {
			daemon.unwatch(uuid)
			return
		}
		log.G(ctx).WithError(err).Warn("failed to load machine for unit change")
		return
	}
	if m.State() == machine.StateDeleting {
		return
	}
	changed, err := m.Observe(ctx, state)
	if err != nil {
		daemon.cache.Evict(uuid)
		if isNotFound(err) {
			daemon.unwatch(uuid)
			return
		}
		log.G(ctx).WithError(err).Warn("failed to record unit change")
		return
	}
	if changed {
		daemon.modified(m, "state")
	}
}

func (daemon *Daemon) watching(uuid string) bool {
	daemon.watchMu.Lock()
	defer daemon.watchMu.Unlock()
	_, ok := daemon.watches[uuid]
	return ok
}

// Rescan follows machines whose record appeared since the last scan and
// stops following those whose record is gone. It returns the number of
// machines newly followed.
func (daemon *Daemon) Rescan(ctx context.Context) (int, error) {
	uuids, err := daemon.uuids()
	if err != nil {
		return 0, err
	}
	added := 0
	for _, uuid := range uuids {
		if daemon.watching(uuid) {
			continue
		}
		daemon.locks.Lock(uuid)
		m, err := daemon.machine(ctx, uuid, true)
		if err == nil {
			daemon.watch(m)
			added++
		}
		daemon.locks.Unlock(uuid)
		if err != nil && !isNotFound(err) {
			log.G(ctx).WithError(err).WithField("machine", uuid).Warn("failed to follow machine")
		}
	}

	daemon.watchMu.Lock()
	var gone []string
	for uuid := range daemon.watches {
		if _, ok := slices.BinarySearch(uuids, uuid); !ok {
			gone = append(gone, uuid)
		}
	}
	daemon.watchMu.Unlock()
	for _, uuid := range gone {
		daemon.unwatch(uuid)
		daemon.cache.Evict(uuid)
	}
	return added, nil
}

// RescanEvery calls Rescan every interval until ctx is done.
func (daemon *Daemon) RescanEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := daemon.Rescan(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("failed to rescan machines")
			} else if n > 0 {
				log.G(ctx).WithField("machines", n).Info("following new machines")
			}
		}
	}
}

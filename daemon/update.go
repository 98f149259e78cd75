package daemon

import (
	"context"
	"slices"

	"github.com/containerd/log"
	"github.com/google/go-cmp/cmp"

	"github.com/machined/machined/daemon/events"
	"github.com/machined/machined/daemon/machine"
)

// Update applies payload to machine uuid and returns the names of the
// attributes that changed. On failure the cached copy is dropped so the
// next use rereads the records from disk.
func (daemon *Daemon) Update(ctx context.Context, uuid string, payload map[string]any) (_ []string, retErr error) {
	ctx, done := daemon.begin(ctx, "update", uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		return nil, err
	}
	before := m.Values()
	if err := m.Update(ctx, payload); err != nil {
		daemon.cache.Evict(uuid)
		return nil, err
	}
	after := m.Values()

	changes := changed(before, after)
	log.G(ctx).WithField("changes", changes).Debugf("updated machine: %s", cmp.Diff(before, after))
	daemon.events.Log(events.ActionModify, uuid, after, changes...)
	return changes, nil
}

// changed lists the attributes whose values differ, sorted. Timestamps the
// update itself touches are left out.
func changed(before, after map[string]any) []string {
	var out []string
	for k, v := range after {
		if k == "last_modified" {
			continue
		}
		if old, ok := before[k]; !ok || !cmp.Equal(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Reprovision replaces the volume of machine uuid with a fresh clone of
// image imageUUID.
func (daemon *Daemon) Reprovision(ctx context.Context, uuid, imageUUID string) (retErr error) {
	ctx, done := daemon.begin(ctx, "reprovision", uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("image", imageUUID).Info("reprovisioning machine")
	if err := m.Reprovision(ctx, imageUUID); err != nil {
		daemon.cache.Evict(uuid)
		return err
	}
	daemon.modified(m, "image_uuid")
	return nil
}

// modified publishes a modify event for m.
func (daemon *Daemon) modified(m *machine.Machine, changes ...string) {
	daemon.events.Log(events.ActionModify, m.UUID(), m.Values(), changes...)
}

package daemon

import (
	"context"

	"github.com/machined/machined/daemon/internal/metrics"
	"github.com/machined/machined/daemon/machine"
	"github.com/machined/machined/daemon/machine/property"
)

// LoadOptions select what a load or lookup returns.
type LoadOptions struct {
	// IncludeHidden also returns machines flagged do_not_inventory.
	IncludeHidden bool
	// Fields limits the returned attributes. All are returned when empty.
	Fields []string
}

// machine returns the cached machine uuid, loading it on a miss. Hidden
// machines are reported as not found unless includeHidden is set. The
// caller holds the uuid's lock.
func (daemon *Daemon) machine(ctx context.Context, uuid string, includeHidden bool) (*machine.Machine, error) {
	if !property.ValidUUID(uuid) {
		return nil, property.Disallowed("uuid", "invalid uuid %q", uuid)
	}
	m, ok := daemon.cache.Get(uuid)
	if !ok {
		metrics.CacheMisses.Inc()
		var err error
		m, err = machine.Open(uuid, daemon.machines)
		if err != nil {
			return nil, err
		}
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		daemon.cache.Add(m)
	}
	if m.Hidden() && !includeHidden {
		return nil, &hiddenError{uuid: uuid}
	}
	return m, nil
}

// project returns the selected attributes of values.
func project(values map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return values
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := values[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Exists reports whether machine uuid exists and is visible.
func (daemon *Daemon) Exists(ctx context.Context, uuid string) (_ bool, retErr error) {
	ctx, done := daemon.begin(ctx, "exists", uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	_, err := daemon.machine(ctx, uuid, false)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, err
}

// Load returns the attributes of machine uuid.
func (daemon *Daemon) Load(ctx context.Context, uuid string, opts LoadOptions) (_ map[string]any, retErr error) {
	ctx, done := daemon.begin(ctx, "load", uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, opts.IncludeHidden)
	if err != nil {
		return nil, err
	}
	return project(m.Values(), opts.Fields), nil
}

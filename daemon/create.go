package daemon

import (
	"context"
	"maps"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/machined/machined/daemon/events"
	"github.com/machined/machined/daemon/machine"
)

// Create installs a new machine from payload and returns its attributes.
// A uuid is generated and the default pool used when the payload has none.
// A failed install leaves whatever it completed on disk for inspection.
func (daemon *Daemon) Create(ctx context.Context, payload map[string]any) (_ map[string]any, retErr error) {
	payload = maps.Clone(payload)
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["uuid"]; !ok {
		payload["uuid"] = uuid.NewString()
	}
	if _, ok := payload["zpool"]; !ok {
		payload["zpool"] = daemon.config.DefaultZpool
	}
	id, _ := payload["uuid"].(string)

	ctx, done := daemon.begin(ctx, "create", id)
	defer done(&retErr)

	daemon.locks.Lock(id)
	defer daemon.locks.Unlock(id)

	m, err := machine.New(ctx, payload, daemon.machines)
	if err != nil {
		return nil, err
	}
	exists, err := m.Exists(ctx, false)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &conflictError{uuid: id}
	}

	log.G(ctx).Info("creating machine")
	if err := m.Install(ctx); err != nil {
		return nil, err
	}
	daemon.cache.Add(m)
	daemon.watch(m)

	values := m.Values()
	daemon.events.Log(events.ActionCreate, id, values)
	return values, nil
}

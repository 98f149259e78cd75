package daemon

import (
	"context"
	"time"

	"github.com/machined/machined/daemon/events"
)

// Events subscribes to machine changes. The first message is a ready message
// carrying the visible inventory; changes follow on the returned channel until stop
// is called or the daemon closes. Changes made while the inventory is built
// are delivered, so a subscriber never misses one.
func (daemon *Daemon) Events(ctx context.Context) (_ events.Message, _ chan any, stop func(), retErr error) {
	ctx, done := daemon.begin(ctx, "events", "")
	defer done(&retErr)

	_, l, cancel := daemon.events.Subscribe()
	inventory, err := daemon.inventory(ctx)
	if err != nil {
		cancel()
		return events.Message{}, nil, nil, err
	}
	visible := []map[string]any{}
	for _, values := range inventory {
		if values["do_not_inventory"] != true {
			visible = append(visible, values)
		}
	}
	ready := events.Message{
		Action:    events.ActionReady,
		Inventory: visible,
		Time:      time.Now().UTC(),
	}
	return ready, l, cancel, nil
}

package daemon

import (
	"context"
	"fmt"
	"maps"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/machined/machined/daemon/internal/metrics"
	"github.com/machined/machined/daemon/machine"
)

// lookupConcurrency bounds how many machines an inventory scan loads at once.
const lookupConcurrency = 8

var states = []string{
	machine.StateProvisioning,
	machine.StateInstalled,
	machine.StateRunning,
	machine.StateStopped,
	machine.StateDeleting,
}

// inventory returns the attributes of every machine, hidden ones included.
// Concurrent callers share one scan.
func (daemon *Daemon) inventory(ctx context.Context) ([]map[string]any, error) {
	v, err, _ := daemon.scans.Do("inventory", func() (any, error) {
		uuids, err := daemon.uuids()
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(uuids))
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(lookupConcurrency)
		for i, uuid := range uuids {
			g.Go(func() error {
				daemon.locks.Lock(uuid)
				defer daemon.locks.Unlock(uuid)
				m, err := daemon.machine(ctx, uuid, true)
				if err != nil {
					if isNotFound(err) {
						return nil
					}
					log.G(ctx).WithError(err).WithField("machine", uuid).Warn("skipping unreadable machine")
					return nil
				}
				out[i] = m.Values()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		counts := make(map[string]int, len(states))
		var found []map[string]any
		for _, values := range out {
			if values == nil {
				continue
			}
			found = append(found, values)
			s, _ := values["state"].(string)
			counts[s]++
		}
		for _, s := range states {
			metrics.Machines.WithValues(s).Set(float64(counts[s]))
		}
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]map[string]any), nil
}

// matches reports whether values has every attribute of filter. Values are
// compared in their printed form, so 100 matches both an integer and a
// JSON number.
func matches(values, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := values[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Lookup returns the machines whose attributes equal every entry of filter,
// ordered by uuid.
func (daemon *Daemon) Lookup(ctx context.Context, filter map[string]any, opts LoadOptions) (_ []map[string]any, retErr error) {
	ctx, done := daemon.begin(ctx, "lookup", "")
	defer done(&retErr)

	all, err := daemon.inventory(ctx)
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for _, values := range all {
		if values["do_not_inventory"] == true && !opts.IncludeHidden {
			continue
		}
		if !matches(values, filter) {
			continue
		}
		out = append(out, project(maps.Clone(values), opts.Fields))
	}
	return out, nil
}

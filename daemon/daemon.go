// Package daemon is the machine API: the verbs callers use to create, change
// and remove machines. It serializes operations per machine, caches loaded
// machines and publishes an event for every change.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/moby/locker"
	"golang.org/x/sync/singleflight"

	"github.com/machined/machined/daemon/backend"
	"github.com/machined/machined/daemon/backend/nspawn"
	"github.com/machined/machined/daemon/config"
	"github.com/machined/machined/daemon/events"
	"github.com/machined/machined/daemon/image"
	"github.com/machined/machined/daemon/internal/metrics"
	"github.com/machined/machined/daemon/internal/otelutil"
	"github.com/machined/machined/daemon/machine"
	"github.com/machined/machined/daemon/machine/property"
	"github.com/machined/machined/daemon/supervisor"
	"github.com/machined/machined/daemon/volume"
)

// Options are the host collaborators of a Daemon.
type Options struct {
	Volumes    volume.Manager
	Supervisor supervisor.Supervisor
	// Images defaults to an image.Store reading the configured image-dir.
	Images image.Resolver
	// Cache defaults to a cache with the configured TTL.
	Cache *Cache
	// Links checks that the host interfaces NICs attach to exist. It
	// defaults to netlink.
	Links nspawn.Links
	Now   func() time.Time
}

// Daemon holds the state of the machine daemon.
type Daemon struct {
	config   *config.Config
	machines machine.Options
	cache    *Cache
	locks    *locker.Locker
	scans    singleflight.Group
	events   *events.Events

	watchMu   sync.Mutex
	watches   map[string]context.CancelFunc
	watchWG   sync.WaitGroup
	watchCtx  context.Context
	stopWatch context.CancelFunc
}

// New returns a daemon for cfg. Call Restore to pick up machines that
// already exist.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if opts.Volumes == nil || opts.Supervisor == nil {
		return nil, errors.New("daemon needs a volume manager and a supervisor")
	}
	if opts.Images == nil {
		opts.Images = &image.Store{Dir: cfg.ImageDir}
	}
	if opts.Cache == nil {
		opts.Cache = NewCache(cfg.CacheTTL.Duration)
	}
	var nspawnOpts []nspawn.Option
	if opts.Links != nil {
		nspawnOpts = append(nspawnOpts, nspawn.WithLinks(opts.Links))
	}
	nspawnCfg := nspawn.Config{
		UnitDir:      cfg.UnitDir,
		NspawnDir:    cfg.NspawnDir,
		NetscriptDir: cfg.NetscriptDir,
		MachinesDir:  cfg.MachinesDir,
		Root:         cfg.Root,
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	return &Daemon{
		config: cfg,
		machines: machine.Options{
			ConfigDir: cfg.ConfigDir,
			Root:      cfg.Root,
			Volumes:   opts.Volumes,
			Images:    opts.Images,
			Backend: func(uuid string, values backend.Values) backend.Adapter {
				return nspawn.New(uuid, values, opts.Supervisor, nspawnCfg, nspawnOpts...)
			},
			Strict: cfg.Strict,
			Now:    opts.Now,
		},
		cache:     opts.Cache,
		locks:     locker.New(),
		events:    events.New(),
		watches:   make(map[string]context.CancelFunc),
		watchCtx:  watchCtx,
		stopWatch: stopWatch,
	}, nil
}

// begin starts the span and timer of a verb. The returned function ends
// them with the verb's error.
func (daemon *Daemon) begin(ctx context.Context, verb, uuid string) (context.Context, func(*error)) {
	done := metrics.Time(verb)
	ctx, span := otelutil.StartVerb(ctx, verb, uuid)
	if uuid != "" {
		ctx = log.WithLogger(ctx, log.G(ctx).WithField("machine", uuid))
	}
	return ctx, func(errp *error) {
		done()
		otelutil.End(span, *errp)
		if *errp != nil {
			log.G(ctx).WithError(*errp).Debugf("%s failed", verb)
		}
	}
}

// uuids lists the machines that have a core record.
func (daemon *Daemon) uuids() ([]string, error) {
	entries, err := os.ReadDir(daemon.config.ConfigDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		uuid, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || !property.ValidUUID(uuid) {
			continue
		}
		out = append(out, uuid)
	}
	slices.Sort(out)
	return out, nil
}

// Restore loads every existing machine and starts following its unit.
func (daemon *Daemon) Restore(ctx context.Context) error {
	n, err := daemon.Rescan(ctx)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("machines", n).Info("restored machines")
	return nil
}

// Close stops following units and closes every event subscription.
func (daemon *Daemon) Close() error {
	daemon.stopWatch()
	daemon.watchWG.Wait()
	daemon.events.Close()
	return nil
}

// MetricsHandler serves the daemon's metrics in the Prometheus format.
func MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Package nspawn runs machines as systemd-nspawn containers supervised by
// systemd. For each machine it generates a service unit, an nspawn settings
// file and a network setup script, and links the machine root where nspawn
// looks for containers.
package nspawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/moby/sys/atomicwriter"

	"github.com/machined/machined/daemon/backend"
	"github.com/machined/machined/daemon/machine/property"
	"github.com/machined/machined/daemon/supervisor"
)

// Config locates the generated files.
type Config struct {
	UnitDir      string
	NspawnDir    string
	NetscriptDir string
	MachinesDir  string
	// Root is prepended to machine zonepaths when they are accessed on the
	// host filesystem.
	Root string
}

// Links reports whether a host link exists. NIC tags name the bridges
// container interfaces are attached to.
type Links interface {
	LinkExists(name string) (bool, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLinks replaces the netlink based host link lookup.
func WithLinks(l Links) Option {
	return func(a *Adapter) {
		a.links = l
	}
}

// Adapter is the backend.Adapter for one machine.
type Adapter struct {
	uuid   string
	cfg    Config
	sup    supervisor.Supervisor
	values backend.Values
	links  Links
	props  *backend.Table
}

var _ backend.Adapter = (*Adapter)(nil)

// New returns the adapter for the machine uuid, reading its attributes from
// values.
func New(uuid string, values backend.Values, sup supervisor.Supervisor, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		uuid:   uuid,
		cfg:    cfg,
		sup:    sup,
		values: values,
		links:  netlinkLinks{},
		props:  newProperties(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// UnitName returns the name of the service unit for uuid.
func UnitName(uuid string) string {
	return "machined-" + uuid + ".service"
}

func (a *Adapter) unitName() string { return UnitName(a.uuid) }
func (a *Adapter) unitPath() string { return filepath.Join(a.cfg.UnitDir, a.unitName()) }
func (a *Adapter) nspawnPath() string { return filepath.Join(a.cfg.NspawnDir, a.uuid+".nspawn") }
func (a *Adapter) scriptPath() string { return filepath.Join(a.cfg.NetscriptDir, a.uuid+".sh") }
func (a *Adapter) machineLink() string { return filepath.Join(a.cfg.MachinesDir, a.uuid) }
func (a *Adapter) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithField("machine", a.uuid)
}

func (a *Adapter) TrySet(name string, v any) error {
	return a.props.Set(name, v)
}

func (a *Adapter) Show(ctx context.Context, name string) (any, error) {
	p, ok := a.props.Lookup(name)
	if !ok || !p.Supported() {
		return nil, backend.Unsupported(name)
	}
	raw, err := a.sup.Show(ctx, a.unitName(), p.Key)
	if err != nil {
		return nil, err
	}
	v := convertShown(name, raw)
	p.Observe(v)
	return v, nil
}

// convertShown maps dbus values onto machine attribute types. Timestamps
// arrive as microseconds since the epoch, zero meaning never.
func convertShown(name string, raw any) any {
	if name == "boot_timestamp" {
		usec, ok := raw.(uint64)
		if !ok || usec == 0 {
			return nil
		}
		return property.FormatTimestamp(time.UnixMicro(int64(usec)))
	}
	switch v := raw.(type) {
	case uint32:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	}
	return raw
}

// rootDir is the machine root on the host filesystem.
func (a *Adapter) rootDir() (string, error) {
	v, err := a.values.Value("zonepath")
	if err != nil {
		return "", err
	}
	zonepath, _ := v.(string)
	if zonepath == "" {
		return "", errors.New("machine has no zonepath")
	}
	return filepath.Join(a.cfg.Root, zonepath, "root"), nil
}

func (a *Adapter) nics() ([]map[string]any, error) {
	v, err := a.values.Value("nics")
	if err != nil {
		return nil, err
	}
	nics, _ := v.([]map[string]any)
	return nics, nil
}

func (a *Adapter) routes() (map[string]any, error) {
	v, err := a.values.Value("routes")
	if err != nil {
		return nil, err
	}
	routes, _ := v.(map[string]any)
	return routes, nil
}

func (a *Adapter) checkLinks(ls []link) error {
	for _, l := range ls {
		if l.Tag == "" {
			continue
		}
		ok, err := a.links.LinkExists(l.Tag)
		if err != nil {
			return fmt.Errorf("nic %s: looking up nic_tag %s: %w", l.Name, l.Tag, err)
		}
		if !ok {
			return fmt.Errorf("nic %s: nic_tag %s has no host link: %w", l.Name, l.Tag, cerrdefs.ErrInvalidArgument)
		}
	}
	return nil
}

func (a *Adapter) Generate(ctx context.Context) error {
	nics, err := a.nics()
	if err != nil {
		return err
	}
	ls, err := links(a.uuid, nics)
	if err != nil {
		return err
	}
	if err := a.checkLinks(ls); err != nil {
		return err
	}

	if err := a.Clean(ctx); err != nil {
		return fmt.Errorf("cleaning previous configuration: %w", err)
	}
	if err := a.writeFiles(ls); err != nil {
		return err
	}
	if err := a.linkRoot(); err != nil {
		return err
	}
	if err := a.sup.Reload(ctx); err != nil {
		return fmt.Errorf("reloading units: %w", err)
	}
	a.props.MarkClean()

	autoboot, err := a.values.Value("autoboot")
	if err != nil {
		return err
	}
	if autoboot == true {
		a.logger(ctx).Debug("autoboot")
		if err := a.sup.Enable(ctx, a.unitPath()); err != nil {
			return fmt.Errorf("enabling %s: %w", a.unitName(), err)
		}
		return a.Start(ctx)
	}
	return nil
}

func (a *Adapter) writeFiles(ls []link) error {
	root, err := a.rootDir()
	if err != nil {
		return err
	}
	routes, err := a.routes()
	if err != nil {
		return err
	}

	svc, err := a.serviceOptions(root)
	if err != nil {
		return err
	}
	ns, err := a.nspawnOptions(ls)
	if err != nil {
		return err
	}

	for _, f := range []struct {
		path string
		data io.Reader
		mode os.FileMode
	}{
		{a.unitPath(), unit.Serialize(svc), 0o644},
		{a.nspawnPath(), unit.Serialize(ns), 0o644},
		{a.scriptPath(), strings.NewReader(netscript(a.uuid, root, ls, routes)), 0o755},
	} {
		if err := writeFile(f.path, f.data, f.mode); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, b, mode)
}

func (a *Adapter) serviceOptions(root string) ([]*unit.UnitOption, error) {
	props, err := a.props.ServiceOptions(false)
	if err != nil {
		return nil, err
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption(sectionUnit, "PartOf", "machines.target"),
		unit.NewUnitOption(sectionUnit, "Before", "machines.target"),
		unit.NewUnitOption(sectionUnit, "After", "network.target"),
	}
	if !slices.ContainsFunc(props, func(o *unit.UnitOption) bool { return o.Section == sectionUnit && o.Name == "Description" }) {
		opts = append(opts, unit.NewUnitOption(sectionUnit, "Description", "machine "+a.uuid))
	}
	flag := filepath.Join(root, readyFlag)
	opts = append(opts,
		unit.NewUnitOption(sectionService, "ExecStartPre", "-/bin/rm -f "+flag),
		unit.NewUnitOption(sectionService, "ExecStart", fmt.Sprintf(
			"/usr/bin/systemd-nspawn --quiet --keep-unit --settings=override --machine=%s --directory=%s",
			a.uuid, a.machineLink())),
		unit.NewUnitOption(sectionService, "ExecStartPost", a.scriptPath()),
		unit.NewUnitOption(sectionService, "Type", "notify"),
		unit.NewUnitOption(sectionService, "KillMode", "mixed"),
		unit.NewUnitOption(sectionService, "Delegate", "yes"),
		unit.NewUnitOption(sectionService, "Slice", "machine.slice"),
	)
	opts = append(opts, props...)
	opts = append(opts, unit.NewUnitOption(sectionInstall, "WantedBy", "machines.target"))
	return opts, nil
}

// initStandIn holds the container's boot until the network setup script
// has created the ready flag.
const initStandIn = `/bin/sh -c "while [ ! -e /` + readyFlag + ` ]; do sleep 0.1; done; exec /sbin/init"`

func (a *Adapter) nspawnOptions(ls []link) ([]*unit.UnitOption, error) {
	props, err := a.props.NspawnOptions(false)
	if err != nil {
		return nil, err
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption(sectionExec, "Boot", "no"),
		unit.NewUnitOption(sectionExec, "Parameters", initStandIn),
	}
	opts = append(opts, props...)
	opts = append(opts,
		unit.NewUnitOption(sectionNetwork, "Private", "yes"),
		unit.NewUnitOption(sectionNetwork, "VirtualEthernet", "no"),
	)
	for _, l := range ls {
		opts = append(opts, unit.NewUnitOption(sectionNetwork, "VirtualEthernetExtra", l.Host+":"+l.Container))
	}
	return opts, nil
}

func (a *Adapter) linkRoot() error {
	root, err := a.rootDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.MachinesDir, 0o755); err != nil {
		return err
	}
	if err := os.Remove(a.machineLink()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(root, a.machineLink())
}

func (a *Adapter) Clean(ctx context.Context) error {
	running, err := a.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		if err := a.Stop(ctx); err != nil {
			return err
		}
	}
	if err := a.sup.Disable(ctx, a.unitName()); err != nil {
		a.logger(ctx).WithError(err).Debug("disable failed")
	}
	if err := a.sup.Revert(ctx, a.unitName()); err != nil {
		return fmt.Errorf("reverting %s: %w", a.unitName(), err)
	}
	for _, p := range []string{a.unitPath(), a.nspawnPath(), a.scriptPath(), a.machineLink()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return a.sup.Reload(ctx)
}

func (a *Adapter) Apply(ctx context.Context) error {
	nics, err := a.nics()
	if err != nil {
		return err
	}
	ls, err := links(a.uuid, nics)
	if err != nil {
		return err
	}
	if err := a.checkLinks(ls); err != nil {
		return err
	}
	if err := a.writeFiles(ls); err != nil {
		return err
	}
	if err := a.sup.Reload(ctx); err != nil {
		return err
	}
	running, err := a.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		props, err := a.props.DBusProperties(true)
		if err != nil {
			return err
		}
		if len(props) > 0 {
			if err := a.sup.SetProperties(ctx, a.unitName(), props...); err != nil {
				return err
			}
		}
	}
	a.props.MarkClean()
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	return a.sup.Start(ctx, a.unitName())
}

func (a *Adapter) Stop(ctx context.Context) error {
	return a.sup.Stop(ctx, a.unitName())
}

func (a *Adapter) Reboot(ctx context.Context) error {
	return a.sup.Restart(ctx, a.unitName())
}

func (a *Adapter) Kill(ctx context.Context, sig syscall.Signal) error {
	return a.sup.Kill(ctx, a.unitName(), sig)
}

func (a *Adapter) Running(ctx context.Context) (bool, error) {
	v, err := a.sup.Show(ctx, a.unitName(), "ActiveState")
	if err != nil {
		return false, err
	}
	switch v {
	case supervisor.StateActive, supervisor.StateActivating, "reloading":
		return true, nil
	}
	return false, nil
}

func (a *Adapter) Watch(ctx context.Context, fn func(state string)) error {
	states, errs := a.sup.Watch(ctx, a.unitName())
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-states:
			if !ok {
				return nil
			}
			fn(s)
		case err := <-errs:
			return err
		}
	}
}

func (a *Adapter) ImageInfo(context.Context) (map[string]any, error) {
	return nil, backend.NotImplemented("image info")
}

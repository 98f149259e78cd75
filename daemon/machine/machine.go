// Package machine implements the machine entity: its attribute table, the
// rules tying attributes together, its on-disk records and the lifecycle
// pipelines that drive the volume manager and the backend.
package machine

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/containerd/log"

	"github.com/machined/machined/daemon/backend"
	"github.com/machined/machined/daemon/image"
	"github.com/machined/machined/daemon/machine/property"
	"github.com/machined/machined/daemon/volume"
)

// Brand is the only container flavor machines can be.
const Brand = "lx"

// Machine states.
const (
	StateProvisioning = "provisioning"
	StateInstalled    = "installed"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateDeleting     = "deleting"
)

// BackendFunc builds the backend adapter for the machine uuid.
type BackendFunc func(uuid string, values backend.Values) backend.Adapter

// Options are the collaborators and locations shared by machines.
type Options struct {
	// ConfigDir holds the core record of every machine.
	ConfigDir string
	// Root is prepended to zonepaths when accessing the host filesystem.
	Root string

	Volumes volume.Manager
	Images  image.Resolver
	Backend BackendFunc

	// Strict makes unknown attributes fatal in bulk assignment and load.
	Strict bool
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Machine is one container and its declared configuration. A Machine is not
// safe for concurrent use; callers serialize operations per uuid.
type Machine struct {
	opts Options

	// The records descriptors write into. They are refilled in place and
	// never replaced.
	core     property.Record
	metadata property.Record
	routes   property.Record
	tags     property.Record

	props   map[string]property.Descriptor
	adapter backend.Adapter
}

func newMachine(opts Options) *Machine {
	m := &Machine{
		opts:     opts,
		core:     property.Record{},
		metadata: property.Record{},
		routes:   property.Record{},
		tags:     property.Record{},
	}
	m.props = m.newProperties()
	return m
}

// New builds a machine from a full attribute payload and validates it.
// Nothing is written until Install.
func New(ctx context.Context, payload map[string]any, opts Options) (*Machine, error) {
	m := newMachine(opts)
	if err := m.SetAllProps(ctx, payload, opts.Strict); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open returns the machine uuid without reading anything. Load fills it.
func Open(uuid string, opts Options) (*Machine, error) {
	m := newMachine(opts)
	if err := m.props["uuid"].Set(uuid); err != nil {
		return nil, err
	}
	return m, nil
}

// UUID returns the machine identifier, or "" when not yet set.
func (m *Machine) UUID() string {
	s, _ := m.core["uuid"].(string)
	return s
}

func (m *Machine) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithField("machine", m.UUID())
}

// backend returns the adapter, creating it once the uuid is known.
func (m *Machine) backend() backend.Adapter {
	if m.adapter == nil && m.opts.Backend != nil && m.UUID() != "" {
		m.adapter = m.opts.Backend(m.UUID(), m)
		m.syncBackend()
	}
	return m.adapter
}

// propagate forwards an attribute write to the backend, ignoring the
// failures that only mean the backend has no use for it.
func (m *Machine) propagate(name string, v any) error {
	if name == "uuid" && m.adapter == nil {
		// Creating the adapter syncs every stored value, uuid included.
		m.backend()
		return nil
	}
	b := m.backend()
	if b == nil {
		return nil
	}
	if err := b.TrySet(name, v); err != nil && !backend.Ignorable(err) {
		return err
	}
	return nil
}

// syncBackend hands every stored attribute to the backend, after the
// adapter is created or the records are reloaded.
func (m *Machine) syncBackend() {
	for _, name := range m.names() {
		d := m.props[name]
		if _, isDynamic := d.(*property.Dynamic); isDynamic {
			continue
		}
		v, ok := m.stored(name)
		if !ok {
			continue
		}
		_ = m.adapter.TrySet(name, v)
	}
}

// stored returns the value of an attribute without resolving defaults.
func (m *Machine) stored(name string) (any, bool) {
	switch name {
	case "customer_metadata", "internal_metadata":
		v, ok := m.metadata[name]
		return v, ok
	case "routes":
		return maps.Clone(map[string]any(m.routes)), len(m.routes) > 0
	case "tags":
		return maps.Clone(map[string]any(m.tags)), len(m.tags) > 0
	}
	v, ok := m.core[name]
	return v, ok
}

// names returns attribute names in assignment order: zpool, brand and uuid
// first since other validators depend on them, then the rest sorted.
func (m *Machine) names() []string {
	return orderNames(slices.Collect(maps.Keys(m.props)))
}

var priority = []string{"zpool", "brand", "uuid"}

func orderNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, p := range priority {
		if slices.Contains(names, p) {
			out = append(out, p)
		}
	}
	rest := slices.DeleteFunc(slices.Clone(names), func(n string) bool {
		return slices.Contains(priority, n)
	})
	slices.Sort(rest)
	return append(out, rest...)
}

// Get returns the named attribute.
func (m *Machine) Get(name string) (any, error) {
	d, ok := m.props[name]
	if !ok {
		return nil, property.Unsupported(name)
	}
	return d.Get()
}

// Value implements backend.Values.
func (m *Machine) Value(name string) (any, error) {
	return m.Get(name)
}

// Set assigns the named attribute.
func (m *Machine) Set(name string, v any) error {
	d, ok := m.props[name]
	if !ok {
		return property.Unsupported(name)
	}
	return d.Set(v)
}

// SetAllProps assigns every attribute of payload in priority order. Failed
// assignments are returned together. Unknown names are errors in strict
// mode and are otherwise logged and skipped.
func (m *Machine) SetAllProps(ctx context.Context, payload map[string]any, strict bool) error {
	var errs []error
	for _, name := range orderNames(slices.Collect(maps.Keys(payload))) {
		d, ok := m.props[name]
		if !ok {
			if strict {
				errs = append(errs, property.Unsupported(name))
			} else {
				m.logger(ctx).WithField("property", name).Warn("ignoring unknown property")
			}
			continue
		}
		if err := d.Set(payload[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate resolves every default, failing on required attributes that are
// still unset.
func (m *Machine) Validate() error {
	var errs []error
	for _, name := range m.names() {
		if err := m.props[name].ValidateDefault(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Values returns every attribute that has a value.
func (m *Machine) Values() map[string]any {
	out := make(map[string]any, len(m.props))
	for _, name := range m.names() {
		v, err := m.props[name].Get()
		if err != nil || v == nil {
			continue
		}
		out[name] = v
	}
	return out
}

func (m *Machine) str(name string) string {
	v, _ := m.Get(name)
	s, _ := v.(string)
	return s
}

func (m *Machine) boolean(name string) bool {
	v, _ := m.Get(name)
	return v == true
}

// State returns the machine's lifecycle state.
func (m *Machine) State() string {
	return m.str("state")
}

// Dataset returns the machine's volume.
func (m *Machine) Dataset() string {
	return m.str("zfs_filesystem")
}

// Hidden reports whether the machine asked to be left out of inventories.
func (m *Machine) Hidden() bool {
	return m.boolean("do_not_inventory")
}

// hostPath returns the host path of a location under the machine's zonepath.
func (m *Machine) hostPath(elem ...string) string {
	return filepath.Join(append([]string{m.opts.Root, m.str("zonepath")}, elem...)...)
}

func (m *Machine) setState(state string) error {
	return m.Set("state", state)
}

func (m *Machine) touch() error {
	return m.Set("last_modified", property.FormatTimestamp(m.opts.now()))
}

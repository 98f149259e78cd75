package machine

import (
	"context"
	"errors"
	"fmt"
	"math"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-units"

	"github.com/machined/machined/daemon/machine/property"
)

// ZeroUUID is the owner of machines created without one.
const ZeroUUID = "00000000-0000-0000-0000-000000000000"

var states = []string{StateProvisioning, StateInstalled, StateRunning, StateStopped, StateDeleting}

// maxQuota is the largest quota, in GiB, whose size in bytes fits an int64.
const maxQuota = math.MaxInt64 / units.GiB

var compressions = []string{"on", "off", "lzjb", "gzip", "gzip-1", "gzip-6", "gzip-9", "zle", "lz4", "zstd"}

func (m *Machine) newProperties() map[string]property.Descriptor {
	core := m.core
	now := func() (any, error) {
		return property.FormatTimestamp(m.opts.now()), nil
	}
	p := func(s property.Spec) property.Descriptor {
		if s.Store == nil && s.Setter == nil {
			s.Store = core
		}
		s.Propagate = m.propagate
		return property.Must(s)
	}
	dynamic := func(name string, get func() (any, error)) property.Descriptor {
		return property.MustDynamic(property.Spec{Name: name, Getter: get})
	}

	list := []property.Descriptor{
		p(property.Spec{Name: "alias", Kind: property.String{MaxLen: 255}}),
		p(property.Spec{Name: "autoboot", Kind: property.Boolean{}}),
		p(property.Spec{Name: "billing_id", Kind: property.UUID{}}),
		p(property.Spec{Name: "brand", Kind: property.String{Allowed: []string{Brand}}, Required: true, Once: true, Default: Brand}),
		dynamic("boot_timestamp", m.showBackend("boot_timestamp")),
		p(property.Spec{Name: "cpu_cap", Kind: property.Integer{Min: property.Int(0)}}),
		p(property.Spec{Name: "cpu_shares", Kind: property.Integer{Min: property.Int(1), Max: property.Int(10000)}, Default: int64(100)}),
		p(property.Spec{Name: "create_timestamp", Kind: property.Timestamp{}, Once: true, DefaultFunc: now}),
		p(property.Spec{Name: "customer_metadata", Kind: property.Object{}, Store: m.metadata, Default: map[string]any{}}),
		p(property.Spec{Name: "dns_domain", Kind: property.String{MaxLen: 255}}),
		p(property.Spec{Name: "do_not_inventory", Kind: property.Boolean{}}),
		p(property.Spec{Name: "exit_status", Kind: property.Integer{}}),
		p(property.Spec{Name: "exit_timestamp", Kind: property.Timestamp{}}),
		p(property.Spec{Name: "firewall_enabled", Kind: property.Boolean{}}),
		p(property.Spec{Name: "hostname", Kind: property.String{MinLen: 1, MaxLen: 63}}),
		p(property.Spec{Name: "image_uuid", Kind: property.UUID{}, Required: true, Validate: m.validateImage}),
		p(property.Spec{Name: "indestructible_zoneroot", Kind: property.Boolean{}}),
		p(property.Spec{Name: "internal_metadata", Kind: property.Object{}, Store: m.metadata, Default: map[string]any{}}),
		p(property.Spec{Name: "last_modified", Kind: property.Timestamp{}, DefaultFunc: now}),
		p(property.Spec{Name: "max_locked_memory", Kind: property.Integer{Min: property.Int(0)}}),
		p(property.Spec{Name: "max_lwps", Kind: property.Integer{Min: property.Int(1)}, Default: int64(2000)}),
		p(property.Spec{Name: "max_physical_memory", Kind: property.Integer{Min: property.Int(0)}}),
		p(property.Spec{Name: "max_swap", Kind: property.Integer{Min: property.Int(0)}}),
		p(property.Spec{Name: "nics", Kind: property.ObjectList{}, Default: []map[string]any{}, Setter: m.setNICs, Store: core}),
		p(property.Spec{Name: "owner_uuid", Kind: property.UUID{}, Default: ZeroUUID}),
		p(property.Spec{Name: "package_name", Kind: property.String{}}),
		p(property.Spec{Name: "package_version", Kind: property.String{}}),
		dynamic("pid", m.showBackend("pid")),
		p(property.Spec{Name: "quota", Kind: property.Integer{Min: property.Int(0), Max: property.Int(maxQuota)}}),
		p(property.Spec{Name: "resolvers", Kind: property.StringList{}}),
		p(property.Spec{Name: "routes", Kind: property.Object{}, Store: property.Whole{Record: m.routes}, Default: map[string]any{}, Validate: stringValues("routes")}),
		p(property.Spec{Name: "state", Kind: property.String{Allowed: states}, Default: StateProvisioning}),
		p(property.Spec{Name: "tags", Kind: property.Object{}, Store: property.Whole{Record: m.tags}, Default: map[string]any{}}),
		p(property.Spec{Name: "uuid", Kind: property.UUID{}, Required: true, Once: true}),
		dynamic("zfs_filesystem", m.zfsFilesystem),
		p(property.Spec{Name: "zfs_io_priority", Kind: property.Integer{Min: property.Int(1), Max: property.Int(10000)}}),
		p(property.Spec{Name: "zfs_root_compression", Kind: property.String{Allowed: compressions}}),
		dynamic("zone_state", m.zoneState),
		dynamic("zonepath", m.zonepath),
		dynamic("zoneroot", m.zoneroot),
		p(property.Spec{Name: "zpool", Kind: property.String{MinLen: 1, MaxLen: 255}, Required: true, Once: true}),
	}

	out := make(map[string]property.Descriptor, len(list))
	for _, d := range list {
		out[d.Name()] = d
	}
	return out
}

func (m *Machine) setNICs(v any) error {
	nics, _ := v.([]map[string]any)
	if err := normalizeNICs(nics); err != nil {
		return err
	}
	m.core["nics"] = nics
	return nil
}

func stringValues(name string) func(v any) error {
	return func(v any) error {
		for k, e := range v.(map[string]any) {
			if _, ok := e.(string); !ok {
				return property.Invalid(name, "value of %q must be a string", k)
			}
		}
		return nil
	}
}

// validateImage checks the image is installed in the machine's pool and
// built for the supported brand.
func (m *Machine) validateImage(v any) error {
	zpool, _ := m.core["zpool"].(string)
	if zpool == "" {
		return property.Disallowed("image_uuid", "zpool must be set first")
	}
	if m.opts.Images == nil {
		return nil
	}
	manifest, err := m.opts.Images.Manifest(zpool, v.(string))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return property.Disallowed("image_uuid", "%v", err)
		}
		return err
	}
	if manifest.Requirements.Brand != Brand {
		return property.Disallowed("image_uuid", "image %s requires brand %q, not %q", v, manifest.Requirements.Brand, Brand)
	}
	return nil
}

func (m *Machine) zfsFilesystem() (any, error) {
	zpool, _ := m.core["zpool"].(string)
	uuid, _ := m.core["uuid"].(string)
	if zpool == "" || uuid == "" {
		return nil, errors.New("zfs_filesystem: zpool and uuid must be set")
	}
	return zpool + "/" + uuid, nil
}

func (m *Machine) zonepath() (any, error) {
	fs, err := m.zfsFilesystem()
	if err != nil {
		return nil, err
	}
	return "/" + fs.(string), nil
}

func (m *Machine) zoneroot() (any, error) {
	zp, err := m.zonepath()
	if err != nil {
		return nil, err
	}
	return zp.(string) + "/root", nil
}

// zoneState reports the machine state in the vocabulary of zone states.
func (m *Machine) zoneState() (any, error) {
	state, _ := m.core["state"].(string)
	switch state {
	case StateProvisioning:
		return "incomplete", nil
	case StateInstalled, StateStopped:
		return "installed", nil
	case StateRunning:
		return "running", nil
	case StateDeleting:
		return "shutting_down", nil
	}
	return "configured", nil
}

// showBackend reads a supervisor-owned attribute. It has no value while the
// machine is not running.
func (m *Machine) showBackend(name string) func() (any, error) {
	return func() (any, error) {
		b := m.backend()
		if b == nil {
			return nil, nil
		}
		ctx := context.TODO()
		running, err := b.Running(ctx)
		if err != nil || !running {
			return nil, nil
		}
		v, err := b.Show(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}
}

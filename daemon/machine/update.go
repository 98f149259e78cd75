package machine

import (
	"context"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/machined/machined/daemon/machine/property"
)

// updateOps are the collection operations an update payload may carry, in
// the order they are applied.
var updateOps = []string{
	"set_routes",
	"remove_routes",
	"set_tags",
	"remove_tags",
	"set_customer_metadata",
	"remove_customer_metadata",
	"set_internal_metadata",
	"remove_internal_metadata",
	"remove_nics",
	"add_nics",
	"update_nics",
}

var nicOps = []string{"remove_nics", "add_nics", "update_nics"}

// Update applies plain attribute changes and collection operations, then
// persists the result and pushes it to the backend. On failure the
// in-memory machine may be partially updated and should be reloaded.
func (m *Machine) Update(ctx context.Context, payload map[string]any) error {
	plain := make(map[string]any, len(payload))
	for k, v := range payload {
		if !slices.Contains(updateOps, k) {
			plain[k] = v
		}
	}
	if err := m.SetAllProps(ctx, plain, true); err != nil {
		return err
	}

	var (
		nics       []map[string]any
		nicsLoaded bool
	)
	for _, op := range updateOps {
		v, ok := payload[op]
		if !ok {
			continue
		}
		if slices.Contains(nicOps, op) && !nicsLoaded {
			cur, err := m.Get("nics")
			if err != nil {
				return err
			}
			nics, _ = cur.([]map[string]any)
			nicsLoaded = true
		}
		var err error
		switch op {
		case "remove_nics":
			nics, err = removeNICs(nics, v)
		case "add_nics":
			nics, err = addNICs(nics, v)
		case "update_nics":
			nics, err = updateNICs(nics, v)
		default:
			err = m.applyCollectionOp(op, v)
		}
		if err != nil {
			return err
		}
	}
	if nicsLoaded {
		reelectPrimary(nics)
		if err := m.Set("nics", nics); err != nil {
			return err
		}
	}
	if err := m.touch(); err != nil {
		return err
	}

	if err := m.updateVolume(ctx, plain); err != nil {
		return err
	}
	if err := m.Save(); err != nil {
		return err
	}
	if _, err := os.Stat(m.configDir()); err == nil {
		if err := m.saveRecords(); err != nil {
			return err
		}
	}
	if m.State() == StateProvisioning {
		return nil
	}
	if b := m.backend(); b != nil {
		return b.Apply(ctx)
	}
	return nil
}

// applyCollectionOp merges into or removes keys from routes, tags or a
// metadata namespace.
func (m *Machine) applyCollectionOp(op string, v any) error {
	name, set := strings.CutPrefix(op, "set_")
	if !set {
		name, _ = strings.CutPrefix(op, "remove_")
	}
	cur, err := m.Get(name)
	if err != nil {
		return err
	}
	target := cur.(map[string]any)
	if set {
		changes, ok := v.(map[string]any)
		if !ok {
			return property.Invalid(op, "expected object, got %T", v)
		}
		for k, val := range changes {
			target[k] = val
		}
	} else {
		keys, ok := stringList(v)
		if !ok {
			return property.Invalid(op, "expected list of strings, got %T", v)
		}
		for _, k := range keys {
			delete(target, k)
		}
	}
	return m.Set(name, target)
}

func stringList(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func objectList(op string, v any) ([]map[string]any, error) {
	var out []map[string]any
	switch l := v.(type) {
	case []map[string]any:
		out = l
	case []any:
		for _, e := range l {
			obj, ok := e.(map[string]any)
			if !ok {
				return nil, property.Invalid(op, "expected list of objects")
			}
			out = append(out, obj)
		}
	default:
		return nil, property.Invalid(op, "expected list of objects, got %T", v)
	}
	return out, nil
}

func nicIndex(nics []map[string]any, mac string) int {
	return slices.IndexFunc(nics, func(n map[string]any) bool { return n["mac"] == mac })
}

func removeNICs(nics []map[string]any, v any) ([]map[string]any, error) {
	macs, ok := stringList(v)
	if !ok {
		return nil, property.Invalid("remove_nics", "expected list of MAC addresses")
	}
	for _, mac := range macs {
		i := nicIndex(nics, mac)
		if i < 0 {
			return nil, property.Disallowed("remove_nics", "no NIC with mac %s", mac)
		}
		nics = slices.Delete(nics, i, i+1)
	}
	return nics, nil
}

func addNICs(nics []map[string]any, v any) ([]map[string]any, error) {
	add, err := objectList("add_nics", v)
	if err != nil {
		return nil, err
	}
	for _, n := range add {
		if n["primary"] == true {
			clearPrimary(nics)
		}
	}
	return append(nics, add...), nil
}

func updateNICs(nics []map[string]any, v any) ([]map[string]any, error) {
	updates, err := objectList("update_nics", v)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		mac, _ := u["mac"].(string)
		i := nicIndex(nics, mac)
		if i < 0 {
			return nil, property.Disallowed("update_nics", "no NIC with mac %v", u["mac"])
		}
		if u["primary"] == true {
			clearPrimary(nics)
		}
		for k, val := range u {
			nics[i][k] = val
		}
	}
	return nics, nil
}

// clearPrimary unmarks every NIC, before another one claims primary.
func clearPrimary(nics []map[string]any) {
	for _, n := range nics {
		delete(n, "primary")
	}
}

// reelectPrimary makes the first NIC primary when the primary was removed.
func reelectPrimary(nics []map[string]any) {
	if len(nics) > 0 && !slices.ContainsFunc(nics, func(n map[string]any) bool { return n["primary"] == true }) {
		nics[0]["primary"] = true
	}
}

// updateVolume pushes quota and compression changes to the volume.
func (m *Machine) updateVolume(ctx context.Context, changed map[string]any) error {
	if m.State() == StateProvisioning || m.opts.Volumes == nil {
		return nil
	}
	if _, ok := changed["quota"]; ok {
		v, _ := m.Get("quota")
		q, _ := v.(int64)
		value := "none"
		if q > 0 {
			value = strconv.FormatInt(q*units.GiB, 10)
		}
		if err := m.opts.Volumes.SetProperty(ctx, m.Dataset(), "quota", value); err != nil {
			return err
		}
	}
	if _, ok := changed["zfs_root_compression"]; ok {
		if err := m.opts.Volumes.SetProperty(ctx, m.Dataset(), "compression", m.str("zfs_root_compression")); err != nil {
			return err
		}
	}
	return nil
}

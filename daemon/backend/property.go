package backend

import (
	"fmt"
	"math"
	"math/bits"
	"reflect"
	"strconv"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/godbus/dbus/v5"
)

// Codec converts a machine attribute value to its unit-file and dbus forms.
type Codec interface {
	Unit(v any) (string, error)
	DBus(v any) (dbus.Variant, error)
}

// Property maps one machine attribute onto supervisor configuration.
//
// A Property with an empty Key has no supervisor representation: it never
// emits configuration and rejects Get and Set.
type Property struct {
	Name string
	Key  string
	// DBusKey is the property name used on a live unit when it differs
	// from Key.
	DBusKey string

	// ServiceSection and NspawnSection name the file sections the key is
	// written to. An empty section means the key is not written to that file.
	ServiceSection string
	NspawnSection  string

	Codec Codec
	// ReadOnly properties are owned by the supervisor and can only be read.
	ReadOnly bool
	// Runtime properties can be changed on a running unit over dbus.
	Runtime bool

	value       any
	initialized bool
	dirty       bool
}

// Supported reports whether the property has a supervisor mapping.
func (p *Property) Supported() bool {
	return p.Key != ""
}

func (p *Property) Set(v any) error {
	if !p.Supported() {
		return errProperty(ErrUnsupported, p.Name, "")
	}
	if p.ReadOnly {
		return errProperty(ErrReadOnly, p.Name, "")
	}
	if _, err := p.Codec.Unit(v); err != nil {
		return errProperty(ErrIllegalValue, p.Name, "%v", err)
	}
	if !p.initialized || !reflect.DeepEqual(p.value, v) {
		p.dirty = true
	}
	p.value = v
	p.initialized = true
	return nil
}

func (p *Property) Get() (any, error) {
	if !p.Supported() {
		return nil, errProperty(ErrUnsupported, p.Name, "")
	}
	if !p.initialized {
		return nil, errProperty(ErrUninitialized, p.Name, "")
	}
	return p.value, nil
}

// Observe records a value read back from the supervisor without marking
// the property dirty.
func (p *Property) Observe(v any) {
	p.value = v
	p.initialized = true
}

func (p *Property) Dirty() bool {
	return p.dirty
}

func (p *Property) MarkClean() {
	p.dirty = false
}

func (p *Property) emits(section string, onlyDirty bool) bool {
	return p.Supported() && section != "" && p.initialized && !p.ReadOnly && (!onlyDirty || p.dirty)
}

// ServiceOptions returns the property's service unit configuration fragment.
func (p *Property) ServiceOptions(onlyDirty bool) ([]*unit.UnitOption, error) {
	return p.options(p.ServiceSection, onlyDirty)
}

// NspawnOptions returns the property's nspawn settings fragment.
func (p *Property) NspawnOptions(onlyDirty bool) ([]*unit.UnitOption, error) {
	return p.options(p.NspawnSection, onlyDirty)
}

func (p *Property) options(section string, onlyDirty bool) ([]*unit.UnitOption, error) {
	if !p.emits(section, onlyDirty) {
		return nil, nil
	}
	s, err := p.Codec.Unit(p.value)
	if err != nil {
		return nil, errProperty(ErrIllegalValue, p.Name, "%v", err)
	}
	return []*unit.UnitOption{unit.NewUnitOption(section, p.Key, s)}, nil
}

// DBusProperty returns the runtime property to push to a live unit. ok is
// false when the property cannot or need not be applied.
func (p *Property) DBusProperty(onlyDirty bool) (prop sddbus.Property, ok bool, err error) {
	if !p.Runtime || !p.emits(p.ServiceSection, onlyDirty) {
		return prop, false, nil
	}
	v, err := p.Codec.DBus(p.value)
	if err != nil {
		return prop, false, errProperty(ErrIllegalValue, p.Name, "%v", err)
	}
	name := p.Key
	if p.DBusKey != "" {
		name = p.DBusKey
	}
	return sddbus.Property{Name: name, Value: v}, true, nil
}

// Table is the ordered set of backend properties for one machine.
type Table struct {
	props  []*Property
	byName map[string]*Property
}

func NewTable(props ...*Property) *Table {
	t := &Table{props: props, byName: make(map[string]*Property, len(props))}
	for _, p := range props {
		t.byName[p.Name] = p
	}
	return t
}

func (t *Table) Lookup(name string) (*Property, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Set sets the named property. Names with no entry are unsupported.
func (t *Table) Set(name string, v any) error {
	p, ok := t.byName[name]
	if !ok {
		return errProperty(ErrUnsupported, name, "")
	}
	return p.Set(v)
}

func (t *Table) Get(name string) (any, error) {
	p, ok := t.byName[name]
	if !ok {
		return nil, errProperty(ErrUnsupported, name, "")
	}
	return p.Get()
}

func (t *Table) ServiceOptions(onlyDirty bool) ([]*unit.UnitOption, error) {
	var out []*unit.UnitOption
	for _, p := range t.props {
		opts, err := p.ServiceOptions(onlyDirty)
		if err != nil {
			return nil, err
		}
		out = append(out, opts...)
	}
	return out, nil
}

func (t *Table) NspawnOptions(onlyDirty bool) ([]*unit.UnitOption, error) {
	var out []*unit.UnitOption
	for _, p := range t.props {
		opts, err := p.NspawnOptions(onlyDirty)
		if err != nil {
			return nil, err
		}
		out = append(out, opts...)
	}
	return out, nil
}

func (t *Table) DBusProperties(onlyDirty bool) ([]sddbus.Property, error) {
	var out []sddbus.Property
	for _, p := range t.props {
		prop, ok, err := p.DBusProperty(onlyDirty)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, prop)
		}
	}
	return out, nil
}

// MarkClean clears the dirty flag on every property.
func (t *Table) MarkClean() {
	for _, p := range t.props {
		p.MarkClean()
	}
}

// Codecs.

// String passes strings through. Values containing a newline are illegal.
type String struct{}

func (String) Unit(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	if strings.ContainsAny(s, "\n\r") {
		return "", fmt.Errorf("value contains a newline")
	}
	return s, nil
}

func (c String) DBus(v any) (dbus.Variant, error) {
	s, err := c.Unit(v)
	if err != nil {
		return dbus.Variant{}, err
	}
	return dbus.MakeVariant(s), nil
}

// Integer renders non-negative integers, multiplied by Scale when set.
type Integer struct {
	Scale uint64
}

func (c Integer) uint(v any) (uint64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	if c.Scale > 0 {
		hi, lo := bits.Mul64(uint64(n), c.Scale)
		if hi != 0 {
			return 0, fmt.Errorf("%d is too large", n)
		}
		return lo, nil
	}
	return uint64(n), nil
}

func (c Integer) Unit(v any) (string, error) {
	n, err := c.uint(v)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(n, 10), nil
}

func (c Integer) DBus(v any) (dbus.Variant, error) {
	n, err := c.uint(v)
	if err != nil {
		return dbus.Variant{}, err
	}
	return dbus.MakeVariant(n), nil
}

// Bool renders booleans as yes/no.
type Bool struct{}

func (Bool) Unit(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", fmt.Errorf("expected boolean, got %T", v)
	}
	if b {
		return "yes", nil
	}
	return "no", nil
}

func (Bool) DBus(v any) (dbus.Variant, error) {
	b, ok := v.(bool)
	if !ok {
		return dbus.Variant{}, fmt.Errorf("expected boolean, got %T", v)
	}
	return dbus.MakeVariant(b), nil
}

// CPUCap renders a percentage of one CPU as a CPU quota. Zero means no cap.
type CPUCap struct{}

func (CPUCap) Unit(v any) (string, error) {
	n, ok := v.(int64)
	if !ok || n < 0 {
		return "", fmt.Errorf("expected non-negative integer, got %v", v)
	}
	if n == 0 {
		return "", nil
	}
	return strconv.FormatInt(n, 10) + "%", nil
}

func (CPUCap) DBus(v any) (dbus.Variant, error) {
	n, ok := v.(int64)
	if !ok || n < 0 {
		return dbus.Variant{}, fmt.Errorf("expected non-negative integer, got %v", v)
	}
	if n == 0 {
		return dbus.MakeVariant(uint64(math.MaxUint64)), nil
	}
	// CPUQuotaPerSecUSec: one full CPU is 1s of runtime per second.
	return dbus.MakeVariant(uint64(n) * 10000), nil
}

// MachineID renders a uuid in the 32 hex digit form systemd uses.
type MachineID struct{}

func (MachineID) Unit(v any) (string, error) {
	s, ok := v.(string)
	if !ok || len(s) != 36 {
		return "", fmt.Errorf("expected uuid, got %v", v)
	}
	return strings.ReplaceAll(s, "-", ""), nil
}

func (c MachineID) DBus(v any) (dbus.Variant, error) {
	s, err := c.Unit(v)
	if err != nil {
		return dbus.Variant{}, err
	}
	return dbus.MakeVariant(s), nil
}

// List renders a list of strings separated by spaces.
type List struct{}

func (List) Unit(v any) (string, error) {
	l, ok := v.([]string)
	if !ok {
		return "", fmt.Errorf("expected list of strings, got %T", v)
	}
	for _, s := range l {
		if strings.ContainsAny(s, " \n\r") {
			return "", fmt.Errorf("element %q contains whitespace", s)
		}
	}
	return strings.Join(l, " "), nil
}

func (List) DBus(v any) (dbus.Variant, error) {
	l, ok := v.([]string)
	if !ok {
		return dbus.Variant{}, fmt.Errorf("expected list of strings, got %T", v)
	}
	return dbus.MakeVariant(l), nil
}

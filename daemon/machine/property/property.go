// Package property implements typed, self-validating attribute slots. A
// machine is a fixed table of descriptors; every read and write of a machine
// attribute goes through one of them.
package property

import (
	"errors"
	"reflect"
)

// Descriptor is the contract shared by every attribute slot.
type Descriptor interface {
	Name() string
	// Get returns the current value, resolving the default on first use.
	Get() (any, error)
	Set(v any) error
	// ValidateDefault forces default resolution without reading the value.
	ValidateDefault() error
	// Reset forgets that the slot was assigned, so initialization is decided
	// by the backing store alone. Used after the store is reloaded.
	Reset()
}

// Propagator receives every successfully stored value. It is how machine
// attributes reach the backend.
type Propagator func(name string, v any) error

// Spec declares a Property.
type Spec struct {
	Name  string
	Store Store
	Kind  Kind

	Required bool
	// Once makes the slot write-once: after it is initialized, only the
	// same value may be written again.
	Once bool

	// Default is assigned on first read when the slot is uninitialized.
	// DefaultFunc, if set, takes precedence and is called instead.
	Default     any
	DefaultFunc func() (any, error)

	// Validate runs after the kind check on the normalized value.
	Validate func(v any) error
	// Getter replaces the read from Store.
	Getter func() (any, error)
	// Setter replaces the write to Store.
	Setter func(v any) error

	Propagate Propagator
}

// Property is a Descriptor backed by a Store.
type Property struct {
	spec     Spec
	assigned bool
}

// New returns a Property for s.
func New(s Spec) (*Property, error) {
	if s.Name == "" {
		return nil, errors.New("property: missing name")
	}
	if s.Kind == nil {
		return nil, errors.New("property " + s.Name + ": missing kind")
	}
	if s.Store == nil && (s.Setter == nil || s.Getter == nil) {
		return nil, errors.New("property " + s.Name + ": a store or both getter and setter are required")
	}
	return &Property{spec: s}, nil
}

// Must is like New but panics on an invalid Spec. It is meant for static
// property tables.
func Must(s Spec) *Property {
	p, err := New(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Property) Name() string {
	return p.spec.Name
}

func (p *Property) initialized() bool {
	if p.assigned {
		return true
	}
	if p.spec.Store == nil {
		return false
	}
	_, ok := p.spec.Store.Lookup(p.spec.Name)
	return ok
}

func (p *Property) stored() (any, bool) {
	if p.spec.Store == nil {
		v, err := p.spec.Getter()
		return v, err == nil
	}
	return p.spec.Store.Lookup(p.spec.Name)
}

func (p *Property) Set(v any) error {
	norm, kerr := p.spec.Kind.check(v)
	if p.spec.Once && p.initialized() {
		if cur, ok := p.stored(); ok && kerr == nil && reflect.DeepEqual(cur, norm) {
			return nil
		}
		return &Error{Kind: ErrWriteOnce, Name: p.spec.Name}
	}
	if kerr != nil {
		kerr.Name = p.spec.Name
		return kerr
	}
	if p.spec.Validate != nil {
		if err := p.spec.Validate(norm); err != nil {
			return err
		}
	}
	rollback := func() {}
	if p.spec.Setter != nil {
		if err := p.spec.Setter(norm); err != nil {
			return err
		}
	} else {
		prev, had := p.spec.Store.Lookup(p.spec.Name)
		p.spec.Store.Put(p.spec.Name, norm)
		rollback = func() {
			if had {
				p.spec.Store.Put(p.spec.Name, prev)
			} else {
				p.spec.Store.Delete(p.spec.Name)
			}
		}
	}
	if p.spec.Propagate != nil {
		if err := p.spec.Propagate(p.spec.Name, norm); err != nil {
			rollback()
			return err
		}
	}
	p.assigned = true
	return nil
}

func (p *Property) Get() (any, error) {
	if err := p.ValidateDefault(); err != nil {
		return nil, err
	}
	if p.spec.Getter != nil {
		return p.spec.Getter()
	}
	v, _ := p.spec.Store.Lookup(p.spec.Name)
	return deepCopy(v), nil
}

func (p *Property) ValidateDefault() error {
	if p.initialized() {
		return nil
	}
	switch {
	case p.spec.DefaultFunc != nil:
		v, err := p.spec.DefaultFunc()
		if err != nil {
			return err
		}
		return p.Set(v)
	case p.spec.Default != nil:
		return p.Set(p.spec.Default)
	case p.spec.Required:
		return &Error{Kind: ErrRequired, Name: p.spec.Name}
	}
	return nil
}

func (p *Property) Reset() {
	p.assigned = false
}

// Dynamic is a read-only Descriptor whose value is always computed.
type Dynamic struct {
	name   string
	getter func() (any, error)
}

// NewDynamic returns a Dynamic for s. Only Name and Getter may be set.
func NewDynamic(s Spec) (*Dynamic, error) {
	switch {
	case s.Name == "":
		return nil, errors.New("property: missing name")
	case s.Getter == nil:
		return nil, errors.New("dynamic property " + s.Name + ": getter is required")
	case s.Required:
		return nil, errors.New("dynamic property " + s.Name + ": cannot be required")
	case s.Store != nil || s.Setter != nil:
		return nil, errors.New("dynamic property " + s.Name + ": cannot be writable")
	case s.Default != nil || s.DefaultFunc != nil:
		return nil, errors.New("dynamic property " + s.Name + ": cannot have a default")
	}
	return &Dynamic{name: s.Name, getter: s.Getter}, nil
}

// MustDynamic is like NewDynamic but panics on an invalid Spec.
func MustDynamic(s Spec) *Dynamic {
	d, err := NewDynamic(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Dynamic) Name() string { return d.name }

func (d *Dynamic) Get() (any, error) { return d.getter() }

func (d *Dynamic) Set(any) error {
	return &Error{Kind: ErrReadOnly, Name: d.name}
}

func (d *Dynamic) ValidateDefault() error { return nil }

func (d *Dynamic) Reset() {}

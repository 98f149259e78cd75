package property

import "maps"

// Store is the backing storage a descriptor reads and writes through.
type Store interface {
	Lookup(name string) (any, bool)
	Put(name string, v any)
	Delete(name string)
}

// Record is a shared attribute map. Several descriptors may target the same
// Record, each owning one key. A Record is never replaced once descriptors
// hold it; Replace refills it in place.
type Record map[string]any

func (r Record) Lookup(name string) (any, bool) {
	v, ok := r[name]
	return v, ok
}

func (r Record) Put(name string, v any) {
	r[name] = v
}

func (r Record) Delete(name string) {
	delete(r, name)
}

// Replace clears r and copies src into it.
func (r Record) Replace(src map[string]any) {
	clear(r)
	maps.Copy(r, src)
}

// Whole exposes an entire Record as the value of a single descriptor. The
// descriptor name is ignored. An empty record reads as an empty map that
// still counts as unset.
type Whole struct {
	Record Record
}

func (w Whole) Lookup(string) (any, bool) {
	m := make(map[string]any, len(w.Record))
	maps.Copy(m, w.Record)
	return m, len(m) > 0
}

func (w Whole) Put(_ string, v any) {
	m, _ := v.(map[string]any)
	w.Record.Replace(m)
}

func (w Whole) Delete(string) {
	clear(w.Record)
}

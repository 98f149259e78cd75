// Package fakes provides in-memory host collaborators for tests.
package fakes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/machined/machined/daemon/volume"
)

type dataset struct {
	snapshots []string
	holds     map[string][]string
	props     map[string]string
}

// Volumes is an in-memory volume.Manager. Every dataset is mounted at
// Root joined with "/" + its name, and that directory is created for real.
type Volumes struct {
	Root string

	mu       sync.Mutex
	datasets map[string]*dataset
	calls    []string
	failOn   map[string]error
}

var _ volume.Manager = (*Volumes)(nil)

func NewVolumes(root string) *Volumes {
	return &Volumes{
		Root:     root,
		datasets: make(map[string]*dataset),
		failOn:   make(map[string]error),
	}
}

// AddImage creates an image dataset zpool/uuid with its final snapshot.
func (v *Volumes) AddImage(zpool, uuid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	name := zpool + "/" + uuid
	v.datasets[name] = &dataset{snapshots: []string{"final"}, holds: map[string][]string{}, props: map[string]string{}}
}

// FailOn makes the next calls to op fail with err until cleared with a nil err.
func (v *Volumes) FailOn(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.failOn, op)
		return
	}
	v.failOn[op] = err
}

// Calls returns the operations performed so far, as "op arg".
func (v *Volumes) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.calls)
}

// Exists reports whether the dataset or snapshot exists.
func (v *Volumes) Exists(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	ds, snap, isSnap := volume.SplitSnapshot(name)
	d, ok := v.datasets[ds]
	if !ok || !isSnap {
		return ok
	}
	return slices.Contains(d.snapshots, snap)
}

// Property returns a dataset property set through Clone or SetProperty.
func (v *Volumes) Property(dataset, key string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d, ok := v.datasets[dataset]; ok {
		return d.props[key]
	}
	return ""
}

func (v *Volumes) record(op, arg string) error {
	v.calls = append(v.calls, op+" "+arg)
	return v.failOn[op]
}

func (v *Volumes) lookup(snapshot string) (*dataset, string, error) {
	ds, snap, ok := volume.SplitSnapshot(snapshot)
	if !ok {
		return nil, "", fmt.Errorf("%s is not a snapshot", snapshot)
	}
	d, exists := v.datasets[ds]
	if !exists || !slices.Contains(d.snapshots, snap) {
		return nil, "", volume.NotFound(snapshot)
	}
	return d, snap, nil
}

func (v *Volumes) mountpoint(name string) string {
	return filepath.Join(v.Root, "/"+name)
}

func (v *Volumes) Clone(_ context.Context, snapshot, dest string, props map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("clone", snapshot+" "+dest); err != nil {
		return err
	}
	if _, _, err := v.lookup(snapshot); err != nil {
		return err
	}
	if _, exists := v.datasets[dest]; exists {
		return fmt.Errorf("cannot create '%s': dataset already exists", dest)
	}
	if err := os.MkdirAll(filepath.Join(v.mountpoint(dest), "root"), 0o755); err != nil {
		return err
	}
	d := &dataset{holds: map[string][]string{}, props: map[string]string{}}
	for k, val := range props {
		d.props[k] = val
	}
	v.datasets[dest] = d
	return nil
}

func (v *Volumes) Snapshot(_ context.Context, ds, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("snapshot", volume.SnapshotName(ds, name)); err != nil {
		return err
	}
	d, ok := v.datasets[ds]
	if !ok {
		return volume.NotFound(ds)
	}
	if slices.Contains(d.snapshots, name) {
		return fmt.Errorf("cannot create snapshot '%s': dataset already exists", volume.SnapshotName(ds, name))
	}
	d.snapshots = append(d.snapshots, name)
	return nil
}

func (v *Volumes) Snapshots(_ context.Context, ds string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.datasets[ds]
	if !ok {
		return nil, volume.NotFound(ds)
	}
	return slices.Clone(d.snapshots), nil
}

func (v *Volumes) Rollback(_ context.Context, snapshot string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("rollback", snapshot); err != nil {
		return err
	}
	d, snap, err := v.lookup(snapshot)
	if err != nil {
		return err
	}
	i := slices.Index(d.snapshots, snap)
	for _, later := range d.snapshots[i+1:] {
		if len(d.holds[later]) > 0 {
			return fmt.Errorf("cannot destroy snapshot %s@%s: dataset is busy", snapshot, later)
		}
	}
	d.snapshots = d.snapshots[:i+1]
	return nil
}

func (v *Volumes) DestroySnapshot(_ context.Context, snapshot string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("destroy", snapshot); err != nil {
		return err
	}
	d, snap, err := v.lookup(snapshot)
	if err != nil {
		return err
	}
	if len(d.holds[snap]) > 0 {
		return fmt.Errorf("cannot destroy snapshot %s: dataset is busy", snapshot)
	}
	d.snapshots = slices.DeleteFunc(d.snapshots, func(s string) bool { return s == snap })
	return nil
}

func (v *Volumes) DestroyRecursive(_ context.Context, ds string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("destroy-recursive", ds); err != nil {
		return err
	}
	d, ok := v.datasets[ds]
	if !ok {
		return volume.NotFound(ds)
	}
	for snap, holds := range d.holds {
		if len(holds) > 0 {
			return fmt.Errorf("cannot destroy snapshot %s@%s: dataset is busy", ds, snap)
		}
	}
	delete(v.datasets, ds)
	for name := range v.datasets {
		if strings.HasPrefix(name, ds+"/") {
			delete(v.datasets, name)
		}
	}
	return os.RemoveAll(v.mountpoint(ds))
}

func (v *Volumes) Hold(_ context.Context, snapshot, tag string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("hold", snapshot+" "+tag); err != nil {
		return err
	}
	d, snap, err := v.lookup(snapshot)
	if err != nil {
		return err
	}
	if slices.Contains(d.holds[snap], tag) {
		return fmt.Errorf("cannot hold snapshot '%s': tag already exists on this dataset", snapshot)
	}
	d.holds[snap] = append(d.holds[snap], tag)
	return nil
}

func (v *Volumes) Release(_ context.Context, snapshot, tag string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("release", snapshot+" "+tag); err != nil {
		return err
	}
	d, snap, err := v.lookup(snapshot)
	if err != nil {
		return err
	}
	if !slices.Contains(d.holds[snap], tag) {
		return fmt.Errorf("cannot release hold from snapshot '%s': no such tag on this dataset", snapshot)
	}
	d.holds[snap] = slices.DeleteFunc(d.holds[snap], func(s string) bool { return s == tag })
	return nil
}

func (v *Volumes) Holds(_ context.Context, snapshot string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, snap, err := v.lookup(snapshot)
	if err != nil {
		return nil, err
	}
	return slices.Clone(d.holds[snap]), nil
}

func (v *Volumes) SetProperty(_ context.Context, ds, key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("set", ds+" "+key+"="+value); err != nil {
		return err
	}
	d, ok := v.datasets[ds]
	if !ok {
		return volume.NotFound(ds)
	}
	d.props[key] = value
	return nil
}

func (v *Volumes) Mountpoint(_ context.Context, ds string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.datasets[ds]; !ok {
		return "", volume.NotFound(ds)
	}
	return "/" + ds, nil
}

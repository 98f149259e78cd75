// Package volume is the copy-on-write storage machines are installed on.
package volume

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
)

// Manager is the volume manager contract. Datasets and snapshots are named
// the ZFS way: "pool/dataset" and "pool/dataset@snapshot".
type Manager interface {
	// Clone creates dest from snapshot with the given properties.
	Clone(ctx context.Context, snapshot, dest string, props map[string]string) error
	// Snapshot creates dataset@name.
	Snapshot(ctx context.Context, dataset, name string) error
	// Snapshots lists the short snapshot names of dataset, oldest first.
	Snapshots(ctx context.Context, dataset string) ([]string, error)
	// Rollback reverts the dataset to snapshot, destroying later snapshots.
	Rollback(ctx context.Context, snapshot string) error
	DestroySnapshot(ctx context.Context, snapshot string) error
	// DestroyRecursive destroys dataset and all its snapshots.
	DestroyRecursive(ctx context.Context, dataset string) error

	Hold(ctx context.Context, snapshot, tag string) error
	Release(ctx context.Context, snapshot, tag string) error
	Holds(ctx context.Context, snapshot string) ([]string, error)

	SetProperty(ctx context.Context, dataset, key, value string) error
	Mountpoint(ctx context.Context, dataset string) (string, error)
}

// ErrNotFound is returned for datasets or snapshots that do not exist.
var ErrNotFound = errors.New("dataset does not exist")

type notFoundError struct {
	name string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.name, ErrNotFound)
}

func (e notFoundError) Unwrap() []error {
	return []error{ErrNotFound, cerrdefs.ErrNotFound}
}

// NotFound returns an ErrNotFound error for name.
func NotFound(name string) error {
	return notFoundError{name: name}
}

// SnapshotName joins a dataset and a short snapshot name.
func SnapshotName(dataset, name string) string {
	return dataset + "@" + name
}

// SplitSnapshot splits "dataset@name" into its parts.
func SplitSnapshot(snapshot string) (dataset, name string, ok bool) {
	return strings.Cut(snapshot, "@")
}

// Package image resolves installed image manifests.
package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	cerrdefs "github.com/containerd/errdefs"
)

// FinalSnapshot is the snapshot of an image dataset machines are cloned from.
const FinalSnapshot = "final"

// Requirements are the constraints an image places on machines using it.
type Requirements struct {
	Brand string `json:"brand,omitempty"`
	// MinRAM and MaxRAM are in MiB.
	MinRAM int64 `json:"min_ram,omitempty"`
	MaxRAM int64 `json:"max_ram,omitempty"`
}

// Manifest is the subset of an image manifest machines depend on.
type Manifest struct {
	UUID         string       `json:"uuid"`
	Name         string       `json:"name,omitempty"`
	Version      string       `json:"version,omitempty"`
	OS           string       `json:"os,omitempty"`
	Type         string       `json:"type,omitempty"`
	Requirements Requirements `json:"requirements"`
}

// Resolver looks up the manifest of an image installed in a pool.
type Resolver interface {
	Manifest(zpool, uuid string) (*Manifest, error)
}

// Dataset returns the image's dataset name in zpool.
func Dataset(zpool, uuid string) string {
	return zpool + "/" + uuid
}

// Snapshot returns the snapshot machines are cloned from.
func Snapshot(zpool, uuid string) string {
	return Dataset(zpool, uuid) + "@" + FinalSnapshot
}

type notFoundError struct {
	zpool, uuid string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("image %s not installed in pool %s", e.uuid, e.zpool)
}

func (notFoundError) Unwrap() error { return cerrdefs.ErrNotFound }

// Store reads manifests from "{Dir}/{zpool}-{uuid}.json".
type Store struct {
	Dir string
}

func (s *Store) path(zpool, uuid string) string {
	return filepath.Join(s.Dir, zpool+"-"+uuid+".json")
}

func (s *Store) Manifest(zpool, uuid string) (*Manifest, error) {
	b, err := os.ReadFile(s.path(zpool, uuid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFoundError{zpool: zpool, uuid: uuid}
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("image %s: invalid manifest: %w", uuid, err)
	}
	return &m, nil
}

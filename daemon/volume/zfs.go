package volume

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/containerd/log"
	zfs "github.com/mistifyio/go-zfs/v3"
	"github.com/pkg/errors"
)

// ErrPrerequisites is returned when a pool is not usable for machines.
var ErrPrerequisites = errors.New("prerequisites for zfs volumes are not satisfied")

// ZFS is a Manager backed by the zfs command line tools.
type ZFS struct {
	// Binary is the zfs executable used for operations go-zfs lacks.
	Binary string
}

// NewZFS returns a ZFS manager.
func NewZFS() *ZFS {
	return &ZFS{Binary: "zfs"}
}

func (z *ZFS) dataset(name string) (*zfs.Dataset, error) {
	ds, err := zfs.GetDataset(name)
	if err != nil {
		if isNotExist(err) {
			return nil, NotFound(name)
		}
		return nil, errors.Wrapf(err, "zfs get %s", name)
	}
	return ds, nil
}

func (z *ZFS) Clone(ctx context.Context, snapshot, dest string, props map[string]string) error {
	snap, err := z.dataset(snapshot)
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{"source": snapshot, "dest": dest}).Debug("zfs clone")
	if _, err := snap.Clone(dest, props); err != nil {
		return errors.Wrapf(err, "zfs clone %s %s", snapshot, dest)
	}
	return nil
}

func (z *ZFS) Snapshot(ctx context.Context, dataset, name string) error {
	ds, err := z.dataset(dataset)
	if err != nil {
		return err
	}
	if _, err := ds.Snapshot(name, false); err != nil {
		return errors.Wrapf(err, "zfs snapshot %s", SnapshotName(dataset, name))
	}
	return nil
}

func (z *ZFS) Snapshots(ctx context.Context, dataset string) ([]string, error) {
	ds, err := z.dataset(dataset)
	if err != nil {
		return nil, err
	}
	snaps, err := ds.Snapshots()
	if err != nil {
		return nil, errors.Wrapf(err, "zfs list snapshots %s", dataset)
	}
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parent, name, ok := SplitSnapshot(s.Name)
		if !ok || parent != dataset {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (z *ZFS) Rollback(ctx context.Context, snapshot string) error {
	snap, err := z.dataset(snapshot)
	if err != nil {
		return err
	}
	if err := snap.Rollback(true); err != nil {
		return errors.Wrapf(err, "zfs rollback %s", snapshot)
	}
	return nil
}

func (z *ZFS) DestroySnapshot(ctx context.Context, snapshot string) error {
	snap, err := z.dataset(snapshot)
	if err != nil {
		return err
	}
	if err := snap.Destroy(zfs.DestroyDefault); err != nil {
		return errors.Wrapf(err, "zfs destroy %s", snapshot)
	}
	return nil
}

func (z *ZFS) DestroyRecursive(ctx context.Context, dataset string) error {
	ds, err := z.dataset(dataset)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("dataset", dataset).Debug("zfs destroy -r")
	if err := ds.Destroy(zfs.DestroyRecursive); err != nil {
		return errors.Wrapf(err, "zfs destroy -r %s", dataset)
	}
	return nil
}

func (z *ZFS) SetProperty(ctx context.Context, dataset, key, value string) error {
	ds, err := z.dataset(dataset)
	if err != nil {
		return err
	}
	return errors.Wrapf(ds.SetProperty(key, value), "zfs set %s=%s %s", key, value, dataset)
}

func (z *ZFS) Mountpoint(ctx context.Context, dataset string) (string, error) {
	ds, err := z.dataset(dataset)
	if err != nil {
		return "", err
	}
	return ds.Mountpoint, nil
}

func (z *ZFS) Hold(ctx context.Context, snapshot, tag string) error {
	_, err := z.run(ctx, "hold", tag, snapshot)
	return err
}

func (z *ZFS) Release(ctx context.Context, snapshot, tag string) error {
	_, err := z.run(ctx, "release", tag, snapshot)
	return err
}

func (z *ZFS) Holds(ctx context.Context, snapshot string) ([]string, error) {
	out, err := z.run(ctx, "holds", "-H", snapshot)
	if err != nil {
		return nil, err
	}
	var tags []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		// NAME TAG TIMESTAMP, tab separated.
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) >= 2 {
			tags = append(tags, fields[1])
		}
	}
	return tags, sc.Err()
}

func (z *ZFS) run(ctx context.Context, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, z.Binary, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "does not exist") {
			return nil, NotFound(args[len(args)-1])
		}
		return nil, errors.Wrapf(err, "zfs %s: %s", strings.Join(args, " "), msg)
	}
	return out, nil
}

func isNotExist(err error) bool {
	var zerr *zfs.Error
	if errors.As(err, &zerr) {
		return strings.Contains(zerr.Stderr, "does not exist")
	}
	return strings.Contains(err.Error(), "does not exist")
}

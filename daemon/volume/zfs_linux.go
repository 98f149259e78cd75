package volume

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

const fsMagicZfs = 0x2fc12fc1

// CheckPool verifies that pool exists and is mounted on a ZFS filesystem.
func (z *ZFS) CheckPool(ctx context.Context, pool string) error {
	mp, err := z.Mountpoint(ctx, pool)
	if err != nil {
		return err
	}
	var buf unix.Statfs_t
	if err := unix.Statfs(mp, &buf); err != nil {
		return fmt.Errorf("failed to access '%s': %w", mp, err)
	}
	if int64(buf.Type) != fsMagicZfs {
		log.G(ctx).Debugf("[zfs] no zfs dataset found for pool mountpoint '%s'", mp)
		return ErrPrerequisites
	}
	return nil
}

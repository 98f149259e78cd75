//go:build !linux

package volume

import "context"

// CheckPool always fails: machines need the Linux ZFS module.
func (z *ZFS) CheckPool(ctx context.Context, pool string) error {
	return ErrPrerequisites
}

package main

import (
	"context"

	"github.com/containerd/log"

	"github.com/machined/machined/daemon"
	"github.com/machined/machined/daemon/config"
	"github.com/machined/machined/daemon/supervisor"
	"github.com/machined/machined/daemon/volume"
)

// daemonFactory opens the machine API for cfg. The returned function
// releases it.
type daemonFactory func(ctx context.Context, cfg *config.Config) (*daemon.Daemon, func(), error)

// openDaemon wires the machine API to ZFS and the system instance of
// systemd.
func openDaemon(ctx context.Context, cfg *config.Config) (*daemon.Daemon, func(), error) {
	zfs := volume.NewZFS()
	if err := zfs.CheckPool(ctx, cfg.DefaultZpool); err != nil {
		log.G(ctx).WithError(err).WithField("zpool", cfg.DefaultZpool).Warn("default pool is not usable")
	}
	sup, err := supervisor.NewSystemd(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.New(cfg, daemon.Options{Volumes: zfs, Supervisor: sup})
	if err != nil {
		sup.Close()
		return nil, nil, err
	}
	return d, func() {
		d.Close()
		sup.Close()
	}, nil
}

package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"syscall"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-units"

	"github.com/machined/machined/daemon/backend"
	"github.com/machined/machined/daemon/image"
	"github.com/machined/machined/daemon/supervisor"
	"github.com/machined/machined/daemon/volume"
)

// InstallSnapshot is taken right after the volume is cloned. Holds that
// protect the volume are placed on it.
const InstallSnapshot = "install"

// HoldTag is the hold placed on the install snapshot of indestructible
// machines.
const HoldTag = "do_not_destroy"

var errNoBackend = errors.New("machine has no backend")

func (m *Machine) requireBackend() (backend.Adapter, error) {
	if b := m.backend(); b != nil {
		return b, nil
	}
	return nil, errNoBackend
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps runs steps strictly in order, stopping at the first failure.
func (m *Machine) runSteps(ctx context.Context, op string, steps []step) error {
	for _, s := range steps {
		m.logger(ctx).WithField("step", s.name).Debugf("%s step", op)
		if err := s.run(ctx); err != nil {
			pe := &PipelineError{Op: op, Step: s.name, Err: err}
			pe.Config, pe.Metadata, pe.Routes, pe.Tags = m.snapshot()
			return pe
		}
	}
	return nil
}

func (m *Machine) installSnapshot() string {
	return volume.SnapshotName(m.Dataset(), InstallSnapshot)
}

func (m *Machine) saveState(state string) func(context.Context) error {
	return func(context.Context) error {
		if err := m.setState(state); err != nil {
			return err
		}
		return m.Save()
	}
}

// cloneProperties returns the dataset properties set when cloning.
func (m *Machine) cloneProperties() map[string]string {
	props := map[string]string{}
	if v, _ := m.Get("quota"); v != nil {
		if q := v.(int64); q > 0 {
			props["quota"] = strconv.FormatInt(q*units.GiB, 10)
		}
	}
	if c := m.str("zfs_root_compression"); c != "" {
		props["compression"] = c
	}
	return props
}

func (m *Machine) provisionSteps() []step {
	return []step{
		{"clone", func(ctx context.Context) error {
			src := image.Snapshot(m.str("zpool"), m.str("image_uuid"))
			return m.opts.Volumes.Clone(ctx, src, m.Dataset(), m.cloneProperties())
		}},
		{"snapshot", func(ctx context.Context) error {
			return m.opts.Volumes.Snapshot(ctx, m.Dataset(), InstallSnapshot)
		}},
		{"hold", func(ctx context.Context) error {
			if !m.boolean("indestructible_zoneroot") {
				return nil
			}
			return m.opts.Volumes.Hold(ctx, m.installSnapshot(), HoldTag)
		}},
		{"config-dir", func(context.Context) error {
			return os.MkdirAll(m.configDir(), 0o755)
		}},
		{"records", func(context.Context) error {
			return m.saveRecords()
		}},
		{"installed", m.saveState(StateInstalled)},
		{"generate", m.generate},
	}
}

// generate writes the backend configuration, which boots the machine when
// autoboot is set.
func (m *Machine) generate(ctx context.Context) error {
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	if err := b.Generate(ctx); err != nil {
		return err
	}
	if !m.boolean("autoboot") {
		return nil
	}
	running, err := b.Running(ctx)
	if err != nil || !running {
		return err
	}
	return m.saveState(StateRunning)(ctx)
}

// Install creates the machine: its record, volume and backend
// configuration. Each step leaves its result on disk before the next starts
// and nothing is undone on failure.
func (m *Machine) Install(ctx context.Context) error {
	steps := append([]step{{"provisioning", m.saveState(StateProvisioning)}}, m.provisionSteps()...)
	return m.runSteps(ctx, "install", steps)
}

// checkHold fails when the install snapshot carries the indestructible
// hold. A missing snapshot is not held.
func (m *Machine) checkHold(ctx context.Context) error {
	holds, err := m.opts.Volumes.Holds(ctx, m.installSnapshot())
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if slices.Contains(holds, HoldTag) {
		return held(m.installSnapshot(), HoldTag)
	}
	return nil
}

func (m *Machine) destroyVolume(ctx context.Context) error {
	err := m.opts.Volumes.DestroyRecursive(ctx, m.Dataset())
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Uninstall removes the machine. The core record is removed last, so an
// interrupted uninstall leaves the machine in state deleting.
func (m *Machine) Uninstall(ctx context.Context) error {
	if err := m.checkHold(ctx); err != nil {
		return err
	}
	return m.runSteps(ctx, "uninstall", []step{
		{"deleting", m.saveState(StateDeleting)},
		{"clean", func(ctx context.Context) error {
			if b := m.backend(); b != nil {
				return b.Clean(ctx)
			}
			return nil
		}},
		{"destroy", m.destroyVolume},
		{"remove-config", func(context.Context) error {
			err := os.Remove(m.configPath())
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		}},
	})
}

// Reprovision replaces the machine's volume with a fresh clone of image,
// keeping its configuration.
func (m *Machine) Reprovision(ctx context.Context, imageUUID string) error {
	if err := m.checkHold(ctx); err != nil {
		return err
	}
	steps := []step{
		{"stop", func(ctx context.Context) error {
			return m.Stop(ctx)
		}},
		{"image", func(context.Context) error {
			return m.Set("image_uuid", imageUUID)
		}},
		{"provisioning", m.saveState(StateProvisioning)},
		{"destroy", m.destroyVolume},
	}
	steps = append(steps, m.provisionSteps()...)
	return m.runSteps(ctx, "reprovision", steps)
}

// Start regenerates the backend configuration, so changes made since the
// last boot take effect, then boots the machine.
func (m *Machine) Start(ctx context.Context) error {
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	running, err := b.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	if err := b.Generate(ctx); err != nil {
		return fmt.Errorf("generating configuration: %w", err)
	}
	// Generate boots autoboot machines itself.
	if running, err = b.Running(ctx); err != nil {
		return err
	}
	if !running {
		if err := b.Start(ctx); err != nil {
			return err
		}
	}
	return m.saveState(StateRunning)(ctx)
}

func (m *Machine) Stop(ctx context.Context) error {
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	if err := b.Stop(ctx); err != nil {
		return err
	}
	return m.saveState(StateStopped)(ctx)
}

func (m *Machine) Reboot(ctx context.Context) error {
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	if err := b.Reboot(ctx); err != nil {
		return err
	}
	return m.saveState(StateRunning)(ctx)
}

// Kill sends sig to every process of the machine.
func (m *Machine) Kill(ctx context.Context, sig syscall.Signal) error {
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	return b.Kill(ctx, sig)
}

// ImageInfo extracts details of the image installed in the machine root.
func (m *Machine) ImageInfo(ctx context.Context) (map[string]any, error) {
	b, err := m.requireBackend()
	if err != nil {
		return nil, err
	}
	return b.ImageInfo(ctx)
}

// Watch calls fn with the backend's state each time it changes, until ctx
// is done.
func (m *Machine) Watch(ctx context.Context, fn func(state string)) error {
	b, err := m.requireBackend()
	if err != nil {
		return err
	}
	return b.Watch(ctx, fn)
}

// Observe records a change of the unit's active state made outside the
// daemon, such as a guest shutdown. It reports whether the machine state
// changed. Machines being provisioned or deleted keep their state.
func (m *Machine) Observe(ctx context.Context, unitState string) (bool, error) {
	var next string
	switch unitState {
	case supervisor.StateActive:
		next = StateRunning
	case supervisor.StateInactive, supervisor.StateFailed:
		next = StateStopped
	default:
		return false, nil
	}
	switch m.State() {
	case next, StateProvisioning, StateDeleting:
		return false, nil
	}
	// The record may have been removed by another process since it was read.
	if _, err := os.Stat(m.configPath()); errors.Is(err, os.ErrNotExist) {
		return false, notFound(m.UUID())
	}
	m.logger(ctx).WithField("unit_state", unitState).Infof("machine is %s", next)
	if err := m.saveState(next)(ctx); err != nil {
		return false, err
	}
	return true, nil
}

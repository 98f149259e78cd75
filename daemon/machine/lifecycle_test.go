package machine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/machined/machined/daemon/backend/nspawn"
	"github.com/machined/machined/daemon/machine/property"
	"github.com/machined/machined/daemon/supervisor"
)

func installed(t *testing.T, env *testEnv, extra map[string]any) *Machine {
	t.Helper()
	payload := minimalPayload()
	for k, v := range extra {
		payload[k] = v
	}
	m, err := New(context.Background(), payload, env.opts)
	assert.NilError(t, err)
	assert.NilError(t, m.Install(context.Background()))
	return m
}

func (env *testEnv) unitFile(uuid string) string {
	return filepath.Join(env.nspawn.UnitDir, nspawn.UnitName(uuid))
}

func TestInstall(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, map[string]any{
		"indestructible_zoneroot": true,
		"quota":                   int64(10),
		"zfs_root_compression":    "lz4",
		"tags":                    map[string]any{"role": "db"},
		"nics": []any{map[string]any{
			"nic_tag": "admin", "ip": "10.0.0.5", "netmask": "255.255.255.0", "gateway": "10.0.0.1",
		}},
	})
	ds := "triton/" + testUUID

	cfg := readConfig(t, env, testUUID)
	assert.Check(t, is.Equal(cfg["state"], StateInstalled))
	assert.Check(t, is.Equal(m.State(), StateInstalled))

	assert.Check(t, env.volumes.Exists(ds+"@"+InstallSnapshot))
	holds, err := env.volumes.Holds(context.Background(), ds+"@"+InstallSnapshot)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(holds, []string{HoldTag}))
	assert.Check(t, is.Equal(env.volumes.Property(ds, "quota"), "10737418240"))
	assert.Check(t, is.Equal(env.volumes.Property(ds, "compression"), "lz4"))

	tags, err := readJSON(filepath.Join(m.configDir(), tagsFile))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(tags, map[string]any{"role": "db"}))
	_, err = os.Stat(filepath.Join(m.configDir(), metadataFile))
	assert.Check(t, err)

	_, err = os.Stat(env.unitFile(testUUID))
	assert.Check(t, err)
	_, err = os.Stat(filepath.Join(env.nspawn.NetscriptDir, testUUID+".sh"))
	assert.Check(t, err)
	assert.Check(t, is.Equal(env.sup.ActiveState(nspawn.UnitName(testUUID)), supervisor.StateInactive))
}

func TestInstallAutoboot(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, map[string]any{"autoboot": true})

	unit := nspawn.UnitName(testUUID)
	assert.Check(t, env.sup.Enabled(unit))
	assert.Check(t, is.Equal(env.sup.ActiveState(unit), supervisor.StateActive))
	assert.Check(t, is.Equal(readConfig(t, env, testUUID)["state"], StateRunning))
	assert.Check(t, is.Equal(mustGet(t, m, "zone_state"), "running"))
	assert.Check(t, mustGet(t, m, "pid") != nil)
}

func TestInstallStepFailure(t *testing.T) {
	env := newTestEnv(t)
	env.volumes.FailOn("snapshot", errors.New("pool is busy"))

	m, err := New(context.Background(), minimalPayload(), env.opts)
	assert.NilError(t, err)
	err = m.Install(context.Background())

	var pe *PipelineError
	assert.Assert(t, errors.As(err, &pe))
	assert.Check(t, is.Equal(pe.Op, "install"))
	assert.Check(t, is.Equal(pe.Step, "snapshot"))
	assert.Check(t, is.Equal(pe.Config["uuid"], testUUID))
	assert.Check(t, is.ErrorContains(err, "pool is busy"))

	// The clone stays behind, the record says where it stopped.
	assert.Check(t, env.volumes.Exists("triton/"+testUUID))
	assert.Check(t, is.Equal(readConfig(t, env, testUUID)["state"], StateProvisioning))
}

func TestUninstall(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, map[string]any{"autoboot": true})

	assert.NilError(t, m.Uninstall(context.Background()))

	_, err := os.Stat(ConfigPath(env.opts.ConfigDir, testUUID))
	assert.Check(t, os.IsNotExist(err))
	_, err = os.Stat(env.unitFile(testUUID))
	assert.Check(t, os.IsNotExist(err))
	assert.Check(t, !env.volumes.Exists("triton/"+testUUID))
	assert.Check(t, is.Equal(env.sup.ActiveState(nspawn.UnitName(testUUID)), supervisor.StateInactive))

	exists, err := m.Exists(context.Background(), false)
	assert.NilError(t, err)
	assert.Check(t, !exists)
}

func TestUninstallHeld(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, map[string]any{"indestructible_zoneroot": true})

	err := m.Uninstall(context.Background())
	assert.Check(t, is.ErrorIs(err, ErrHeld))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsFailedPrecondition))

	// Nothing was touched.
	assert.Check(t, is.Equal(readConfig(t, env, testUUID)["state"], StateInstalled))
	assert.Check(t, env.volumes.Exists("triton/"+testUUID))

	assert.NilError(t, env.volumes.Release(context.Background(), m.installSnapshot(), HoldTag))
	assert.NilError(t, m.Uninstall(context.Background()))
	assert.Check(t, !env.volumes.Exists("triton/"+testUUID))
}

func TestUninstallVolumeAlreadyGone(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, nil)
	assert.NilError(t, env.volumes.DestroyRecursive(context.Background(), m.Dataset()))

	assert.NilError(t, m.Uninstall(context.Background()))
	_, err := os.Stat(ConfigPath(env.opts.ConfigDir, testUUID))
	assert.Check(t, os.IsNotExist(err))
}

func TestStopStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, map[string]any{"autoboot": true})
	unit := nspawn.UnitName(testUUID)

	assert.NilError(t, m.Stop(ctx))
	assert.Check(t, is.Equal(env.sup.ActiveState(unit), supervisor.StateInactive))

	reopened, err := Open(testUUID, env.opts)
	assert.NilError(t, err)
	assert.NilError(t, reopened.Load(ctx))
	assert.Check(t, is.Equal(reopened.State(), StateStopped))

	assert.NilError(t, reopened.Start(ctx))
	assert.Check(t, is.Equal(env.sup.ActiveState(unit), supervisor.StateActive))
	assert.Check(t, is.Equal(readConfig(t, env, testUUID)["state"], StateRunning))

	calls := len(env.sup.Calls())
	assert.NilError(t, reopened.Start(ctx))
	assert.Check(t, is.Len(env.sup.Calls(), calls), "start of a running machine must not touch the unit")

	assert.NilError(t, reopened.Stop(ctx))
	assert.NilError(t, reopened.Stop(ctx))
	assert.Check(t, is.Equal(reopened.State(), StateStopped))
}

func TestReboot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, map[string]any{"autoboot": true})
	before := mustGet(t, m, "pid")

	assert.NilError(t, m.Reboot(ctx))
	assert.Check(t, is.Equal(m.State(), StateRunning))
	assert.Check(t, mustGet(t, m, "pid") != before)
}

func TestKill(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, map[string]any{"autoboot": true})

	assert.NilError(t, m.Kill(ctx, 9))
	assert.Check(t, is.Equal(env.sup.ActiveState(nspawn.UnitName(testUUID)), supervisor.StateInactive))
	assert.Check(t, is.Nil(mustGet(t, m, "pid")))
}

func TestImageInfoNotImplemented(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, nil)
	_, err := m.ImageInfo(context.Background())
	assert.Check(t, is.ErrorType(err, cerrdefs.IsNotImplemented))
}

func TestReprovision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, map[string]any{"autoboot": true, "alias": "web"})
	marker := filepath.Join(env.opts.Root, m.str("zoneroot"), "marker")
	assert.NilError(t, os.WriteFile(marker, []byte("x"), 0o644))
	assert.NilError(t, m.CreateSnapshot(ctx, "before"))

	assert.NilError(t, m.Reprovision(ctx, imageLX))

	_, err := os.Stat(marker)
	assert.Check(t, os.IsNotExist(err))
	snaps, err := m.Snapshots(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(snaps, 0))
	assert.Check(t, is.Equal(readConfig(t, env, testUUID)["alias"], "web"))
	assert.Check(t, is.Equal(m.State(), StateRunning))
}

func TestReprovisionUnknownImage(t *testing.T) {
	env := newTestEnv(t)
	m := installed(t, env, nil)

	err := m.Reprovision(context.Background(), imageKVM)
	assert.Check(t, is.ErrorIs(err, property.ErrDisallowed))

	var pe *PipelineError
	assert.Assert(t, errors.As(err, &pe))
	assert.Check(t, is.Equal(pe.Step, "image"))
	assert.Check(t, env.volumes.Exists("triton/"+testUUID))
}

func TestSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, nil)

	for _, name := range []string{"s1", "s2"} {
		assert.NilError(t, m.CreateSnapshot(ctx, name))
	}
	snaps, err := m.Snapshots(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(snaps, []string{"s1", "s2"}))

	err = m.CreateSnapshot(ctx, "s1")
	assert.Check(t, is.ErrorIs(err, ErrSnapshotExists))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsAlreadyExists))
	assert.Check(t, is.ErrorIs(m.CreateSnapshot(ctx, InstallSnapshot), property.ErrDisallowed))
	assert.Check(t, is.ErrorIs(m.CreateSnapshot(ctx, "-bad"), property.ErrDisallowed))

	assert.NilError(t, m.RollbackSnapshot(ctx, "s1"))
	snaps, err = m.Snapshots(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(snaps, []string{"s1"}))

	assert.NilError(t, m.DeleteSnapshot(ctx, "s1"))
	snaps, err = m.Snapshots(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(snaps, 0))

	err = m.DeleteSnapshot(ctx, "s1")
	assert.Check(t, is.ErrorIs(err, ErrSnapshotNotFound))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsNotFound))
	assert.Check(t, is.ErrorIs(m.RollbackSnapshot(ctx, "s2"), ErrSnapshotNotFound))
	assert.Check(t, is.ErrorIs(m.DeleteSnapshot(ctx, InstallSnapshot), ErrSnapshotNotFound))
}

func TestRollbackRestartsRunningMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, map[string]any{"autoboot": true})
	unit := nspawn.UnitName(testUUID)
	assert.NilError(t, m.CreateSnapshot(ctx, "s1"))

	calls := len(env.sup.Calls())
	assert.NilError(t, m.RollbackSnapshot(ctx, "s1"))

	after := env.sup.Calls()[calls:]
	assert.Check(t, is.Contains(after, "stop "+unit))
	assert.Check(t, is.Equal(after[len(after)-1], "start "+unit))
	assert.Check(t, is.Equal(env.sup.ActiveState(unit), supervisor.StateActive))
	assert.Check(t, is.Equal(m.State(), StateRunning))
}

func TestObserve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, map[string]any{"autoboot": true})

	changed, err := m.Observe(ctx, supervisor.StateDeactivating)
	assert.NilError(t, err)
	assert.Check(t, !changed)

	changed, err = m.Observe(ctx, supervisor.StateFailed)
	assert.NilError(t, err)
	assert.Check(t, changed)
	assert.Check(t, is.Equal(readConfig(t, env, testUUID)["state"], StateStopped))

	changed, err = m.Observe(ctx, supervisor.StateInactive)
	assert.NilError(t, err)
	assert.Check(t, !changed)

	assert.NilError(t, m.Set("state", StateDeleting))
	changed, err = m.Observe(ctx, supervisor.StateActive)
	assert.NilError(t, err)
	assert.Check(t, !changed)
}

func TestObserveRemovedRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := installed(t, env, nil)
	path := ConfigPath(env.opts.ConfigDir, testUUID)
	assert.NilError(t, os.Remove(path))

	changed, err := m.Observe(ctx, supervisor.StateActive)
	assert.Check(t, is.ErrorIs(err, ErrNotFound))
	assert.Check(t, !changed)
	_, err = os.Stat(path)
	assert.Check(t, errors.Is(err, os.ErrNotExist))
}

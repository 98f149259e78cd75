package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/machined/machined/daemon/backend/nspawn"
	"github.com/machined/machined/daemon/config"
	"github.com/machined/machined/daemon/events"
	"github.com/machined/machined/daemon/machine"
	"github.com/machined/machined/internal/testutil/fakes"
)

const (
	testUUID  = "0b4fa0b4-6a3e-4d4e-9f59-2d7bbce1d7a1"
	otherUUID = "3c1b1e5e-9e80-4d1f-8f0c-3b3d1a7f6c10"
	imageLX   = "7b5981c4-1889-11e7-b4c5-3f3bdfc9b88b"
)

type anyLink struct{}

func (anyLink) LinkExists(string) (bool, error) { return true, nil }

type testDaemon struct {
	*Daemon
	volumes *fakes.Volumes
	sup     *fakes.Supervisor
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.ConfigDir = filepath.Join(dir, "config")
	cfg.ImageDir = filepath.Join(dir, "images")
	cfg.UnitDir = filepath.Join(dir, "units")
	cfg.NspawnDir = filepath.Join(dir, "nspawn")
	cfg.NetscriptDir = filepath.Join(dir, "netscripts")
	cfg.MachinesDir = filepath.Join(dir, "machines")
	cfg.Root = filepath.Join(dir, "root")
	assert.NilError(t, config.Validate(cfg))

	assert.NilError(t, os.MkdirAll(cfg.ImageDir, 0o755))
	manifest := `{"uuid":"` + imageLX + `","requirements":{"brand":"lx"}}`
	assert.NilError(t, os.WriteFile(filepath.Join(cfg.ImageDir, cfg.DefaultZpool+"-"+imageLX+".json"), []byte(manifest), 0o644))

	vols := fakes.NewVolumes(cfg.Root)
	vols.AddImage(cfg.DefaultZpool, imageLX)
	sup := fakes.NewSupervisor()
	d, err := New(cfg, Options{Volumes: vols, Supervisor: sup, Links: anyLink{}})
	assert.NilError(t, err)
	t.Cleanup(func() { assert.Check(t, d.Close()) })
	return &testDaemon{Daemon: d, volumes: vols, sup: sup}
}

func payload(extra map[string]any) map[string]any {
	p := map[string]any{
		"uuid":       testUUID,
		"brand":      "lx",
		"image_uuid": imageLX,
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func receive(t *testing.T, l chan any) events.Message {
	t.Helper()
	select {
	case v := <-l:
		m, ok := v.(events.Message)
		assert.Assert(t, ok, "unexpected type %T", v)
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return events.Message{}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(config.New(), Options{})
	assert.Check(t, is.ErrorContains(err, "volume manager"))
}

func TestCreateLoadDelete(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, l, stop := d.events.Subscribe()
	defer stop()

	values, err := d.Create(ctx, payload(map[string]any{"alias": "web"}))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(values["state"], machine.StateInstalled))
	assert.Check(t, is.Equal(values["zpool"], "triton"))
	m := receive(t, l)
	assert.Check(t, is.Equal(m.Action, events.ActionCreate))
	assert.Check(t, is.Equal(m.UUID, testUUID))

	exists, err := d.Exists(ctx, testUUID)
	assert.NilError(t, err)
	assert.Check(t, exists)

	got, err := d.Load(ctx, testUUID, LoadOptions{Fields: []string{"alias", "state", "nonexistent"}})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(got, map[string]any{"alias": "web", "state": machine.StateInstalled}))

	assert.NilError(t, d.Delete(ctx, testUUID))
	m = receive(t, l)
	assert.Check(t, is.Equal(m.Action, events.ActionDelete))
	assert.Check(t, is.Nil(m.Machine))

	exists, err = d.Exists(ctx, testUUID)
	assert.NilError(t, err)
	assert.Check(t, !exists)
	_, err = d.Load(ctx, testUUID, LoadOptions{})
	assert.Check(t, cerrdefs.IsNotFound(err))
	assert.Check(t, !d.volumes.Exists("triton/"+testUUID))
}

func TestCreateGeneratesUUID(t *testing.T) {
	d := newTestDaemon(t)
	p := payload(nil)
	delete(p, "uuid")

	values, err := d.Create(context.Background(), p)
	assert.NilError(t, err)
	id, _ := values["uuid"].(string)
	assert.Check(t, id != "" && id != testUUID, id)
	_, ok := p["uuid"]
	assert.Check(t, !ok, "the caller's payload is left untouched")
}

func TestCreateConflict(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)

	_, err = d.Create(ctx, payload(nil))
	assert.Check(t, cerrdefs.IsAlreadyExists(err), "got %v", err)
}

func TestCreateInvalid(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.Create(context.Background(), payload(map[string]any{"cpu_shares": "lots"}))
	assert.Check(t, cerrdefs.IsInvalidArgument(err), "got %v", err)

	exists, err := d.Exists(context.Background(), testUUID)
	assert.NilError(t, err)
	assert.Check(t, !exists)
}

func TestInvalidUUID(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.Load(context.Background(), "../etc/passwd", LoadOptions{})
	assert.Check(t, cerrdefs.IsInvalidArgument(err), "got %v", err)
}

func TestHiddenMachine(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(map[string]any{"do_not_inventory": true}))
	assert.NilError(t, err)

	exists, err := d.Exists(ctx, testUUID)
	assert.NilError(t, err)
	assert.Check(t, !exists)
	_, err = d.Load(ctx, testUUID, LoadOptions{})
	assert.Check(t, cerrdefs.IsNotFound(err))
	assert.Check(t, is.ErrorIs(err, machine.ErrNotFound))

	_, err = d.Load(ctx, testUUID, LoadOptions{IncludeHidden: true})
	assert.NilError(t, err)

	found, err := d.Lookup(ctx, nil, LoadOptions{})
	assert.NilError(t, err)
	assert.Check(t, is.Len(found, 0))
	found, err = d.Lookup(ctx, nil, LoadOptions{IncludeHidden: true})
	assert.NilError(t, err)
	assert.Check(t, is.Len(found, 1))
}

func TestLookup(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(map[string]any{"alias": "web", "cpu_shares": int64(50)}))
	assert.NilError(t, err)
	_, err = d.Create(ctx, payload(map[string]any{"uuid": otherUUID, "alias": "db"}))
	assert.NilError(t, err)

	all, err := d.Lookup(ctx, nil, LoadOptions{Fields: []string{"uuid"}})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(all, []map[string]any{{"uuid": testUUID}, {"uuid": otherUUID}}))

	found, err := d.Lookup(ctx, map[string]any{"alias": "db"}, LoadOptions{Fields: []string{"uuid", "alias"}})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(found, []map[string]any{{"uuid": otherUUID, "alias": "db"}}))

	// JSON numbers match integers.
	found, err = d.Lookup(ctx, map[string]any{"cpu_shares": float64(50)}, LoadOptions{Fields: []string{"uuid"}})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(found, []map[string]any{{"uuid": testUUID}}))

	found, err = d.Lookup(ctx, map[string]any{"alias": "nope"}, LoadOptions{})
	assert.NilError(t, err)
	assert.Check(t, found != nil && len(found) == 0)
}

func TestLookupSkipsUnreadable(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(machine.ConfigPath(d.config.ConfigDir, otherUUID), []byte("{"), 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(d.config.ConfigDir, "notes.json"), []byte("{}"), 0o644))

	found, err := d.Lookup(ctx, nil, LoadOptions{Fields: []string{"uuid"}})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(found, []map[string]any{{"uuid": testUUID}}))
}

func TestUpdate(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(map[string]any{"alias": "web"}))
	assert.NilError(t, err)
	_, l, stop := d.events.Subscribe()
	defer stop()

	changes, err := d.Update(ctx, testUUID, map[string]any{
		"alias":    "www",
		"set_tags": map[string]any{"env": "prod"},
	})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(changes, []string{"alias", "tags"}))
	m := receive(t, l)
	assert.Check(t, is.Equal(m.Action, events.ActionModify))
	assert.Check(t, is.DeepEqual(m.Changes, []string{"alias", "tags"}))
	assert.Check(t, is.Equal(m.Machine["alias"], "www"))

	_, err = d.Update(ctx, testUUID, map[string]any{"warp_factor": 9})
	assert.Check(t, cerrdefs.IsInvalidArgument(err), "got %v", err)
	got, err := d.Load(ctx, testUUID, LoadOptions{Fields: []string{"alias"}})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got["alias"], "www"))
}

func TestChanged(t *testing.T) {
	before := map[string]any{"a": 1, "b": []string{"x"}, "c": "gone", "last_modified": "t0"}
	after := map[string]any{"a": 1, "b": []string{"x", "y"}, "d": true, "last_modified": "t1"}
	assert.Check(t, is.DeepEqual(changed(before, after), []string{"b", "c", "d"}))
	assert.Check(t, is.Len(changed(after, after), 0))
}

func TestStartStop(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)
	_, l, stop := d.events.Subscribe()
	defer stop()

	assert.NilError(t, d.Start(ctx, testUUID))
	m := receive(t, l)
	assert.Check(t, is.Equal(m.Machine["state"], machine.StateRunning))

	assert.NilError(t, d.Start(ctx, testUUID))
	assert.NilError(t, d.Reboot(ctx, testUUID))
	assert.NilError(t, d.Kill(ctx, testUUID, "HUP"))

	assert.NilError(t, d.Stop(ctx, testUUID))
	m = receive(t, l)
	assert.Check(t, is.DeepEqual(m.Changes, []string{"state"}))
	assert.Check(t, is.Equal(m.Machine["state"], machine.StateStopped))

	assert.Check(t, cerrdefs.IsNotFound(d.Start(ctx, otherUUID)))
}

func TestWatchRecordsUnitChanges(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)
	assert.NilError(t, d.Start(ctx, testUUID))
	unit := nspawn.UnitName(testUUID)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		got, err := d.Load(ctx, testUUID, LoadOptions{Fields: []string{"state"}})
		if err != nil {
			return poll.Error(err)
		}
		if got["state"] == machine.StateStopped {
			return poll.Success()
		}
		// The watch starts asynchronously; replay the shutdown until it is seen.
		d.sup.SetActiveState(unit, "active")
		d.sup.SetActiveState(unit, "inactive")
		return poll.Continue("machine is %v", got["state"])
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
}

func TestRestore(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)

	restored, err := New(d.config, Options{Volumes: d.volumes, Supervisor: d.sup, Links: anyLink{}})
	assert.NilError(t, err)
	defer restored.Close()
	assert.NilError(t, restored.Restore(ctx))
	assert.Check(t, is.Equal(restored.cache.Len(), 1))
	restored.watchMu.Lock()
	_, watched := restored.watches[testUUID]
	restored.watchMu.Unlock()
	assert.Check(t, watched)
}

// peer returns a second daemon sharing d's host, standing in for another
// process.
func peer(t *testing.T, d *testDaemon) *Daemon {
	t.Helper()
	p, err := New(d.config, Options{Volumes: d.volumes, Supervisor: d.sup, Links: anyLink{}})
	assert.NilError(t, err)
	t.Cleanup(func() { assert.Check(t, p.Close()) })
	return p
}

func TestWatchKeepsUpdatesFromOtherProcess(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(map[string]any{"alias": "old"}))
	assert.NilError(t, err)
	assert.NilError(t, d.Start(ctx, testUUID))

	other := peer(t, d)
	_, err = other.Update(ctx, testUUID, map[string]any{"alias": "new"})
	assert.NilError(t, err)

	unit := nspawn.UnitName(testUUID)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		rec := readRecord(t, d.config.ConfigDir, testUUID)
		if rec["state"] == machine.StateStopped {
			return poll.Success()
		}
		d.sup.SetActiveState(unit, "active")
		d.sup.SetActiveState(unit, "inactive")
		return poll.Continue("machine is %v", rec["state"])
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	rec := readRecord(t, d.config.ConfigDir, testUUID)
	assert.Check(t, is.Equal(rec["alias"], "new"))
}

func TestWatchIgnoresMachineDeletedElsewhere(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)
	assert.Check(t, d.watching(testUUID))

	other := peer(t, d)
	assert.NilError(t, other.Delete(ctx, testUUID))

	unit := nspawn.UnitName(testUUID)
	path := machine.ConfigPath(d.config.ConfigDir, testUUID)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if !d.watching(testUUID) {
			return poll.Success()
		}
		d.sup.SetActiveState(unit, "active")
		d.sup.SetActiveState(unit, "failed")
		return poll.Continue("still following the deleted machine")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	_, err = os.Stat(path)
	assert.Check(t, errors.Is(err, os.ErrNotExist), "record was written back: %v", err)
}

func TestRescan(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	assert.NilError(t, d.Restore(ctx))

	other := peer(t, d)
	_, err := other.Create(ctx, payload(nil))
	assert.NilError(t, err)
	assert.Check(t, !d.watching(testUUID))

	n, err := d.Rescan(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 1))
	assert.Check(t, d.watching(testUUID))

	n, err = d.Rescan(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 0))

	assert.NilError(t, other.Delete(ctx, testUUID))
	_, err = d.Rescan(ctx)
	assert.NilError(t, err)
	assert.Check(t, !d.watching(testUUID))
	assert.Check(t, is.Equal(d.cache.Len(), 0))
}

func TestRescanEvery(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.RescanEvery(ctx, 10*time.Millisecond)
	}()
	defer func() {
		cancel()
		<-done
	}()

	other := peer(t, d)
	_, err := other.Create(context.Background(), payload(nil))
	assert.NilError(t, err)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if d.watching(testUUID) {
			return poll.Success()
		}
		return poll.Continue("machine is not followed yet")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
}

func readRecord(t *testing.T, dir, uuid string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(machine.ConfigPath(dir, uuid))
	assert.NilError(t, err)
	var v map[string]any
	assert.NilError(t, json.Unmarshal(b, &v))
	return v
}

func TestParseSignal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want syscall.Signal
		err  bool
	}{
		{in: "", want: syscall.SIGKILL},
		{in: "SIGTERM", want: syscall.SIGTERM},
		{in: "term", want: syscall.SIGTERM},
		{in: "9", want: syscall.SIGKILL},
		{in: "SIGBOGUS", err: true},
		{in: "-1", err: true},
	} {
		got, err := ParseSignal(tc.in)
		if tc.err {
			assert.Check(t, cerrdefs.IsInvalidArgument(err), "%q: %v", tc.in, err)
			continue
		}
		assert.Check(t, err, tc.in)
		assert.Check(t, is.Equal(got, tc.want), tc.in)
	}
}

func TestNotImplemented(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Info(ctx, testUUID, []string{"all"})
	assert.Check(t, cerrdefs.IsNotImplemented(err))
	assert.Check(t, cerrdefs.IsNotImplemented(d.Sysrq(ctx, testUUID, "nmi")))
}

func TestSnapshots(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)

	assert.NilError(t, d.CreateSnapshot(ctx, testUUID, "before-upgrade"))
	assert.Check(t, is.ErrorIs(d.CreateSnapshot(ctx, testUUID, "before-upgrade"), machine.ErrSnapshotExists))
	assert.NilError(t, d.CreateSnapshot(ctx, testUUID, "later"))

	names, err := d.Snapshots(ctx, testUUID)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(names, []string{"before-upgrade", "later"}))

	assert.NilError(t, d.RollbackSnapshot(ctx, testUUID, "before-upgrade"))
	names, err = d.Snapshots(ctx, testUUID)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(names, []string{"before-upgrade"}))

	assert.NilError(t, d.DeleteSnapshot(ctx, testUUID, "before-upgrade"))
	assert.Check(t, cerrdefs.IsNotFound(d.DeleteSnapshot(ctx, testUUID, "before-upgrade")))
}

func TestReprovision(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)
	_, l, stop := d.events.Subscribe()
	defer stop()

	assert.NilError(t, d.Reprovision(ctx, testUUID, imageLX))
	m := receive(t, l)
	assert.Check(t, is.DeepEqual(m.Changes, []string{"image_uuid"}))
	assert.Check(t, is.Equal(m.Machine["state"], machine.StateInstalled))
}

func TestEvents(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)
	_, err = d.Create(ctx, payload(map[string]any{"uuid": otherUUID, "do_not_inventory": true}))
	assert.NilError(t, err)

	ready, l, stop, err := d.Events(ctx)
	assert.NilError(t, err)
	defer stop()
	assert.Check(t, is.Equal(ready.Action, events.ActionReady))
	assert.Assert(t, is.Len(ready.Inventory, 1))
	assert.Check(t, is.Equal(ready.Inventory[0]["uuid"], testUUID))

	assert.NilError(t, d.Delete(ctx, testUUID))
	for {
		m := receive(t, l)
		if m.Action == events.ActionDelete {
			assert.Check(t, is.Equal(m.UUID, testUUID))
			break
		}
	}
}

func TestConcurrentUpdates(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	_, err := d.Create(ctx, payload(nil))
	assert.NilError(t, err)

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	errs := make(chan error, len(keys))
	for _, k := range keys {
		go func() {
			_, err := d.Update(ctx, testUUID, map[string]any{"set_tags": map[string]any{k: k}})
			errs <- err
		}()
	}
	for range keys {
		assert.Check(t, <-errs)
	}
	got, err := d.Load(ctx, testUUID, LoadOptions{Fields: []string{"tags"}})
	assert.NilError(t, err)
	tags := got["tags"].(map[string]any)
	var names []string
	for k := range tags {
		names = append(names, k)
	}
	slices.Sort(names)
	assert.Check(t, is.DeepEqual(names, keys))
}

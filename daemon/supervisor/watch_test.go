package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeUnits struct {
	mu     sync.Mutex
	states map[string]string
	calls  [][]string
	err    error
}

func (f *fakeUnits) set(unit, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[unit] = state
}

func (f *fakeUnits) list(_ context.Context, units []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, units)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, u := range units {
		if s, ok := f.states[u]; ok {
			out[u] = s
		}
	}
	return out, nil
}

func (f *fakeUnits) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for unit state")
	}
	return ""
}

func closed(t *testing.T, ch <-chan string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for watch to end")
		}
	}
}

func TestUnitWatcherFansOut(t *testing.T) {
	units := &fakeUnits{states: map[string]string{"a.service": StateActive}}
	w := newUnitWatcher(units.list, time.Millisecond)
	defer w.close()
	ctx := context.Background()

	a1, _ := w.watch(ctx, "a.service")
	a2, _ := w.watch(ctx, "a.service")
	b, _ := w.watch(ctx, "b.service")

	assert.Check(t, is.Equal(next(t, a1), StateActive))
	assert.Check(t, is.Equal(next(t, a2), StateActive))
	// Units the supervisor does not know are inactive.
	assert.Check(t, is.Equal(next(t, b), StateInactive))

	units.set("a.service", StateFailed)
	assert.Check(t, is.Equal(next(t, a1), StateFailed))
	assert.Check(t, is.Equal(next(t, a2), StateFailed))
	assert.Check(t, is.DeepEqual(units.lastCall(), []string{"a.service", "b.service"}))
}

func TestUnitWatcherCancel(t *testing.T) {
	units := &fakeUnits{states: map[string]string{"a.service": StateActive}}
	w := newUnitWatcher(units.list, time.Millisecond)
	defer w.close()

	ctx, cancel := context.WithCancel(context.Background())
	a, _ := w.watch(ctx, "a.service")
	kept, _ := w.watch(context.Background(), "b.service")
	assert.Check(t, is.Equal(next(t, a), StateActive))

	cancel()
	closed(t, a)
	units.set("b.service", StateActive)
	state := next(t, kept)
	if state == StateInactive {
		state = next(t, kept)
	}
	assert.Check(t, is.Equal(state, StateActive))
	assert.Check(t, is.DeepEqual(units.lastCall(), []string{"b.service"}))
}

func TestUnitWatcherKeepsPollingAfterError(t *testing.T) {
	units := &fakeUnits{states: map[string]string{}, err: errors.New("bus is gone")}
	w := newUnitWatcher(units.list, time.Millisecond)
	defer w.close()

	a, _ := w.watch(context.Background(), "a.service")
	units.mu.Lock()
	units.err = nil
	units.states["a.service"] = StateActivating
	units.mu.Unlock()
	assert.Check(t, is.Equal(next(t, a), StateActivating))
}

func TestUnitWatcherClose(t *testing.T) {
	units := &fakeUnits{states: map[string]string{}}
	w := newUnitWatcher(units.list, time.Millisecond)

	a, _ := w.watch(context.Background(), "a.service")
	w.close()
	closed(t, a)
	w.close()

	late, _ := w.watch(context.Background(), "a.service")
	closed(t, late)
}

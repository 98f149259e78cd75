package supervisor

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/containerd/log"
)

// listFunc returns the active state of each named unit. Units missing from
// the result are reported as inactive.
type listFunc func(ctx context.Context, units []string) (map[string]string, error)

// unitWatcher polls the active state of every watched unit with a single
// request per interval and fans the changes out to each unit's watchers.
// The poller starts with the first watch and runs until close.
type unitWatcher struct {
	list     listFunc
	interval time.Duration

	mu     sync.Mutex
	subs   map[string][]*unitSub
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

type unitSub struct {
	states chan string
	seen   string
	stop   func() bool
}

func newUnitWatcher(list listFunc, interval time.Duration) *unitWatcher {
	return &unitWatcher{
		list:     list,
		interval: interval,
		subs:     make(map[string][]*unitSub),
	}
}

// send delivers state without blocking the poller. A watcher that has not
// read the previous state only sees the latest one.
func (s *unitSub) send(state string) {
	for {
		select {
		case s.states <- state:
			return
		default:
		}
		select {
		case <-s.states:
		default:
		}
	}
}

func (w *unitWatcher) watch(ctx context.Context, unit string) (<-chan string, <-chan error) {
	sub := &unitSub{states: make(chan string, 1)}
	errs := make(chan error)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || ctx.Err() != nil {
		close(sub.states)
		return sub.states, errs
	}
	w.subs[unit] = append(w.subs[unit], sub)
	sub.stop = context.AfterFunc(ctx, func() { w.remove(unit, sub) })
	if w.cancel == nil {
		var pollCtx context.Context
		pollCtx, w.cancel = context.WithCancel(context.Background())
		w.done = make(chan struct{})
		go w.run(pollCtx)
	}
	return sub.states, errs
}

func (w *unitWatcher) remove(unit string, sub *unitSub) {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.subs[unit]
	i := slices.Index(subs, sub)
	if i < 0 {
		return
	}
	close(sub.states)
	if subs = slices.Delete(subs, i, i+1); len(subs) == 0 {
		delete(w.subs, unit)
	} else {
		w.subs[unit] = subs
	}
}

func (w *unitWatcher) run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *unitWatcher) poll(ctx context.Context) {
	w.mu.Lock()
	units := slices.Sorted(maps.Keys(w.subs))
	w.mu.Unlock()
	if len(units) == 0 {
		return
	}
	states, err := w.list(ctx, units)
	if err != nil {
		if ctx.Err() == nil {
			log.G(ctx).WithError(err).Warn("failed to read unit states")
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for unit, subs := range w.subs {
		state, ok := states[unit]
		if !ok {
			state = StateInactive
		}
		for _, s := range subs {
			if s.seen != state {
				s.seen = state
				s.send(state)
			}
		}
	}
}

// close stops the poller and ends every watch.
func (w *unitWatcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel, done := w.cancel, w.done
	for unit, subs := range w.subs {
		for _, s := range subs {
			s.stop()
			close(s.states)
		}
		delete(w.subs, unit)
	}
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

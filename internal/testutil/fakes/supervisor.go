package fakes

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/machined/machined/daemon/supervisor"
)

type unitState struct {
	active   string
	pid      int
	enabled  bool
	props    map[string]any
	watchers []chan string
}

// Supervisor is an in-memory supervisor.Supervisor.
type Supervisor struct {
	mu      sync.Mutex
	units   map[string]*unitState
	calls   []string
	reloads int
	nextPID int
	failOn  map[string]error
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

func NewSupervisor() *Supervisor {
	return &Supervisor{
		units:   make(map[string]*unitState),
		nextPID: 1000,
		failOn:  make(map[string]error),
	}
}

// FailOn makes calls to op fail with err; a nil err clears the failure.
func (s *Supervisor) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

// Calls returns the operations performed so far, as "op unit".
func (s *Supervisor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Reloads returns how many times Reload was called.
func (s *Supervisor) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// ActiveState returns the unit's active state.
func (s *Supervisor) ActiveState(unit string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit(unit).active
}

// Enabled reports whether the unit is enabled.
func (s *Supervisor) Enabled(unit string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit(unit).enabled
}

// RuntimeProperty returns a property set with SetProperties.
func (s *Supervisor) RuntimeProperty(unit, name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit(unit).props[name]
}

// SetActiveState changes a unit's state as if it happened outside the
// daemon, notifying watchers.
func (s *Supervisor) SetActiveState(unit, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition(s.unit(unit), state)
}

func (s *Supervisor) unit(name string) *unitState {
	u, ok := s.units[name]
	if !ok {
		u = &unitState{active: supervisor.StateInactive, props: map[string]any{}}
		s.units[name] = u
	}
	return u
}

func (s *Supervisor) record(op, unit string) error {
	s.calls = append(s.calls, op+" "+unit)
	return s.failOn[op]
}

func (s *Supervisor) transition(u *unitState, state string) {
	if u.active == state {
		return
	}
	u.active = state
	for _, w := range u.watchers {
		select {
		case w <- state:
		default:
		}
	}
}

func (s *Supervisor) Enable(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := filepath.Base(path)
	if err := s.record("enable", name); err != nil {
		return err
	}
	s.unit(name).enabled = true
	return nil
}

func (s *Supervisor) Disable(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("disable", unit); err != nil {
		return err
	}
	s.unit(unit).enabled = false
	return nil
}

func (s *Supervisor) Start(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("start", unit); err != nil {
		return err
	}
	u := s.unit(unit)
	if u.active != supervisor.StateActive {
		s.nextPID++
		u.pid = s.nextPID
	}
	s.transition(u, supervisor.StateActive)
	return nil
}

func (s *Supervisor) Stop(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("stop", unit); err != nil {
		return err
	}
	u := s.unit(unit)
	u.pid = 0
	s.transition(u, supervisor.StateInactive)
	return nil
}

func (s *Supervisor) Restart(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("restart", unit); err != nil {
		return err
	}
	u := s.unit(unit)
	s.nextPID++
	u.pid = s.nextPID
	s.transition(u, supervisor.StateActive)
	return nil
}

func (s *Supervisor) Kill(_ context.Context, unit string, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(fmt.Sprintf("kill(%d)", sig), unit); err != nil {
		return err
	}
	u := s.unit(unit)
	if u.active != supervisor.StateActive {
		return fmt.Errorf("unit %s is not running", unit)
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGTERM {
		u.pid = 0
		s.transition(u, supervisor.StateInactive)
	}
	return nil
}

func (s *Supervisor) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("reload", ""); err != nil {
		return err
	}
	s.reloads++
	return nil
}

func (s *Supervisor) Show(_ context.Context, unit, property string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.unit(unit)
	switch property {
	case "ActiveState":
		return u.active, nil
	case "MainPID":
		return uint32(u.pid), nil
	}
	if v, ok := u.props[property]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown property %s", property)
}

func (s *Supervisor) SetProperties(_ context.Context, unit string, props ...supervisor.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("set-property", unit); err != nil {
		return err
	}
	u := s.unit(unit)
	for _, p := range props {
		u.props[p.Name] = p.Value.Value()
	}
	return nil
}

func (s *Supervisor) Revert(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("revert", unit); err != nil {
		return err
	}
	clear(s.unit(unit).props)
	return nil
}

func (s *Supervisor) Watch(ctx context.Context, unit string) (<-chan string, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan string, 16)
	u := s.unit(unit)
	u.watchers = append(u.watchers, ch)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		u.watchers = slices.DeleteFunc(u.watchers, func(c chan string) bool { return c == ch })
		close(ch)
	}()
	return ch, make(chan error)
}

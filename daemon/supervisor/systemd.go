package supervisor

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

const watchInterval = time.Second

// Systemd drives systemd over its dbus API.
type Systemd struct {
	conn  *sddbus.Conn
	bus   *dbus.Conn
	units *unitWatcher
}

// NewSystemd connects to the system instance of systemd.
func NewSystemd(ctx context.Context) (*Systemd, error) {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	bus, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	s := &Systemd{conn: conn, bus: bus}
	s.units = newUnitWatcher(s.activeStates, watchInterval)
	return s, nil
}

func (s *Systemd) Close() error {
	s.units.close()
	s.conn.Close()
	return s.bus.Close()
}

func (s *Systemd) Enable(ctx context.Context, path string) error {
	_, _, err := s.conn.EnableUnitFilesContext(ctx, []string{path}, false, true)
	return err
}

func (s *Systemd) Disable(ctx context.Context, unit string) error {
	_, err := s.conn.DisableUnitFilesContext(ctx, []string{unit}, false)
	if err != nil && isNoSuchUnit(err) {
		return nil
	}
	return err
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (s *Systemd) job(ctx context.Context, verb string, fn jobFunc, unit string) error {
	ch := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("%s %s: %w", verb, unit, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", verb, unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Systemd) Start(ctx context.Context, unit string) error {
	return s.job(ctx, "start", s.conn.StartUnitContext, unit)
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	err := s.job(ctx, "stop", s.conn.StopUnitContext, unit)
	if err != nil && isNoSuchUnit(err) {
		return nil
	}
	return err
}

func (s *Systemd) Restart(ctx context.Context, unit string) error {
	return s.job(ctx, "restart", s.conn.RestartUnitContext, unit)
}

func (s *Systemd) Kill(ctx context.Context, unit string, sig syscall.Signal) error {
	return s.conn.KillUnitWithTarget(ctx, unit, sddbus.All, int32(sig))
}

func (s *Systemd) Reload(ctx context.Context) error {
	return s.conn.ReloadContext(ctx)
}

func (s *Systemd) Show(ctx context.Context, unit, property string) (any, error) {
	var (
		p   *sddbus.Property
		err error
	)
	if isServiceProperty(property) {
		p, err = s.conn.GetUnitTypePropertyContext(ctx, unit, "Service", property)
	} else {
		p, err = s.conn.GetUnitPropertyContext(ctx, unit, property)
	}
	if err != nil {
		return nil, err
	}
	return p.Value.Value(), nil
}

func isServiceProperty(name string) bool {
	switch name {
	case "MainPID", "ExecMainStartTimestamp", "ExecMainExitTimestamp", "ExecMainStatus", "Result":
		return true
	}
	return false
}

func (s *Systemd) SetProperties(ctx context.Context, unit string, props ...Property) error {
	if len(props) == 0 {
		return nil
	}
	return s.conn.SetUnitPropertiesContext(ctx, unit, true, props...)
}

type unitFileChange struct {
	Type        string
	Filename    string
	Destination string
}

func (s *Systemd) Revert(ctx context.Context, unit string) error {
	var changes []unitFileChange
	obj := s.bus.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1")
	call := obj.CallWithContext(ctx, "org.freedesktop.systemd1.Manager.RevertUnitFiles", 0, []string{unit})
	if call.Err != nil {
		if isNoSuchUnit(call.Err) {
			return nil
		}
		return fmt.Errorf("revert %s: %w", unit, call.Err)
	}
	if err := call.Store(&changes); err != nil {
		return err
	}
	for _, c := range changes {
		log.G(ctx).WithFields(log.Fields{
			"unit": unit,
			"type": c.Type,
			"file": c.Filename,
		}).Debug("reverted unit override")
	}
	return nil
}

// Watch shares one poll of every watched unit between all callers.
func (s *Systemd) Watch(ctx context.Context, unit string) (<-chan string, <-chan error) {
	return s.units.watch(ctx, unit)
}

func (s *Systemd) activeStates(ctx context.Context, units []string) (map[string]string, error) {
	list, err := s.conn.ListUnitsByNamesContext(ctx, units)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, u := range list {
		out[u.Name] = u.ActiveState
	}
	return out, nil
}

func isNoSuchUnit(err error) bool {
	return strings.Contains(err.Error(), "NoSuchUnit") || strings.Contains(err.Error(), "not loaded") || strings.Contains(err.Error(), "does not exist")
}

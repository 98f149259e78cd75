package daemon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/signal"
	"golang.org/x/sys/unix"

	"github.com/machined/machined/daemon/machine"
	"github.com/machined/machined/daemon/machine/property"
)

// stateVerb runs fn on machine uuid under its lock and publishes the
// resulting state when it changed.
func (daemon *Daemon) stateVerb(ctx context.Context, verb, uuid string, fn func(*machine.Machine, context.Context) error) (retErr error) {
	ctx, done := daemon.begin(ctx, verb, uuid)
	defer done(&retErr)

	daemon.locks.Lock(uuid)
	defer daemon.locks.Unlock(uuid)

	m, err := daemon.machine(ctx, uuid, true)
	if err != nil {
		return err
	}
	before := m.State()
	if err := fn(m, ctx); err != nil {
		daemon.cache.Evict(uuid)
		return err
	}
	if m.State() != before {
		daemon.modified(m, "state")
	}
	return nil
}

// Start boots machine uuid. Starting a running machine does nothing.
func (daemon *Daemon) Start(ctx context.Context, uuid string) error {
	return daemon.stateVerb(ctx, "start", uuid, (*machine.Machine).Start)
}

// Stop shuts machine uuid down. Stopping a stopped machine does nothing.
func (daemon *Daemon) Stop(ctx context.Context, uuid string) error {
	return daemon.stateVerb(ctx, "stop", uuid, (*machine.Machine).Stop)
}

func (daemon *Daemon) Reboot(ctx context.Context, uuid string) error {
	return daemon.stateVerb(ctx, "reboot", uuid, (*machine.Machine).Reboot)
}

// Kill sends signal to every process of machine uuid. The signal is a name
// such as "SIGTERM" or "TERM", or a number. An empty signal means SIGKILL.
func (daemon *Daemon) Kill(ctx context.Context, uuid, signal string) error {
	sig, err := ParseSignal(signal)
	if err != nil {
		return err
	}
	return daemon.stateVerb(ctx, "kill", uuid, func(m *machine.Machine, ctx context.Context) error {
		return m.Kill(ctx, sig)
	})
}

// ParseSignal converts a signal name or number.
func ParseSignal(s string) (syscall.Signal, error) {
	if s == "" {
		return syscall.SIGKILL, nil
	}
	if n, err := strconv.Atoi(s); err == nil && (n <= 0 || unix.SignalName(syscall.Signal(n)) == "") {
		return 0, property.Disallowed("signal", "invalid signal %d", n)
	}
	sig, err := signal.ParseSignal(strings.ToUpper(s))
	if err != nil {
		return 0, property.Disallowed("signal", "%v", err)
	}
	return sig, nil
}

// Info would report runtime details of a machine. The container backend
// has none to offer.
func (daemon *Daemon) Info(ctx context.Context, uuid string, types []string) (_ map[string]any, retErr error) {
	ctx, done := daemon.begin(ctx, "info", uuid)
	defer done(&retErr)
	return nil, notImplemented(fmt.Sprintf("info %s", strings.Join(types, ",")))
}

// Sysrq is not supported for containers.
func (daemon *Daemon) Sysrq(ctx context.Context, uuid, request string) (retErr error) {
	ctx, done := daemon.begin(ctx, "sysrq", uuid)
	defer done(&retErr)
	return notImplemented("sysrq " + request)
}

//go:build linux
// +build linux

// Package broker implements the control core of the bus daemon: the Manager
// that owns the readiness context, the scheduling queues, the per-user quota
// registry, and the single controller connection, and that runs the dispatch
// loop until a terminal outcome.
package broker

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/corebus/busd/core/connection"
	"github.com/corebus/busd/core/dispatch"
	"github.com/corebus/busd/core/pools"
	"github.com/corebus/busd/core/user"
)

// ControllerToken is the fixed identity token of the bootstrap control
// connection, distinct from any ordinary client connection id.
const ControllerToken = "0123456789abcdef"

// DefaultLimits are the registry capacity parameters the Manager forwards at
// construction: one memory budget and four count budgets.
var DefaultLimits = user.Limits{
	MaxBytes:   16 * 1024 * 1024,
	MaxFds:     128,
	MaxPeers:   128,
	MaxNames:   128,
	MaxMatches: 128,
}

// Loop outcomes of a dispatch pass and, ultimately, of Run. They are
// intentional terminations, not failures of the dispatch machinery; match
// them with errors.Is. Any other non-nil return from a pass is a propagated
// fatal error.
var (
	// ErrExit is the clean-shutdown outcome: a termination signal was
	// caught, or the controller connection finished draining.
	ErrExit = errors.New("broker: exit")
	// ErrFailed is the outcome of an unrecoverable I/O failure reported by
	// a dispatcher.
	ErrFailed = errors.New("broker: failed")
)

// Manager is the singleton aggregate root of the broker process. It is bound
// to one goroutine; nothing in it is safe for concurrent use.
type Manager struct {
	log  pslog.Logger
	bufs *pools.BytePool

	users      *user.Registry
	dispatcher *dispatch.Context
	ready      *dispatch.Queue
	hangups    *dispatch.Queue

	signals    *signalBridge
	signalFile dispatch.File

	controller *connection.Conn
}

// New wires a Manager around an already-accepted, credentialed control
// descriptor. On any failure every resource acquired so far is released
// through the same routine as normal teardown; no partially-constructed
// Manager is ever returned.
func New(log pslog.Logger, limits user.Limits, controllerFD int) (_ *Manager, err error) {
	ucred, err := unix.GetsockoptUcred(controllerFD, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("broker: read peer credentials: %w", err)
	}

	m := &Manager{
		log:     log.With("svc", "broker"),
		bufs:    pools.NewBytePool(),
		users:   user.NewRegistry(limits),
		ready:   dispatch.NewQueue(),
		hangups: dispatch.NewQueue(),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	m.dispatcher, err = dispatch.NewContext()
	if err != nil {
		return nil, fmt.Errorf("broker: init readiness context: %w", err)
	}

	m.signals, err = newSignalBridge()
	if err != nil {
		return nil, err
	}
	err = m.signalFile.Init(m.dispatcher, m.ready, m.dispatchSignals, m.signals.r, dispatch.EventIn)
	if err != nil {
		return nil, fmt.Errorf("broker: register signal descriptor: %w", err)
	}

	usr, err := m.users.Ref(ucred.Uid)
	if err != nil {
		return nil, fmt.Errorf("broker: ref controller user: %w", err)
	}
	defer usr.Unref()

	m.controller, err = connection.NewServer(m.dispatcher, m.ready, m.hangups,
		m.dispatchController, usr, m.bufs, ControllerToken, controllerFD)
	if err != nil {
		return nil, fmt.Errorf("broker: init controller: %w", err)
	}

	m.signalFile.Select(dispatch.EventIn)

	m.log.Debug("manager constructed", "uid", ucred.Uid, "controller_fd", controllerFD)
	return m, nil
}

// Close tears the Manager down in reverse acquisition order: controller,
// signal entry, signal descriptors, readiness context, user registry. Both
// scheduling queues must be empty by the time the queues' owner disappears;
// anything still linked would reference freed state, so a non-empty queue
// here is a lifecycle bug, not a runtime condition. Tolerates
// partially-constructed state and repeated calls.
func (m *Manager) Close() {
	if m.controller != nil {
		m.controller.Deinit()
		m.controller = nil
	}
	m.signalFile.Deinit()
	if m.signals != nil {
		m.signals.close()
	}

	if !m.hangups.Empty() {
		panic("broker: teardown with pending hangups")
	}
	if !m.ready.Empty() {
		panic("broker: teardown with scheduled dispatch entries")
	}

	if m.dispatcher != nil {
		_ = m.dispatcher.Close()
		m.dispatcher = nil
	}
	if m.users != nil {
		m.users.Close()
		m.users = nil
	}
}

// dispatchSignals runs when the signal descriptor becomes readable. Either
// monitored signal means the same thing: terminate the loop cleanly.
func (m *Manager) dispatchSignals(f *dispatch.File, events uint32) error {
	sig, err := m.signals.readOne()
	if err != nil {
		return err
	}
	f.Clear(dispatch.EventIn)

	m.log.Info("caught signal, exiting", "signal", signalName(sig))
	return dispatch.ErrExit
}

func signalName(sig unix.Signal) string {
	switch sig {
	case unix.SIGTERM:
		return "SIGTERM"
	case unix.SIGINT:
		return "SIGINT"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}

// dispatchController is the manager-level hook for controller I/O. The
// control protocol itself lives above this core; the hook only keeps the
// input from accumulating.
func (m *Manager) dispatchController(c *connection.Conn, events uint32) error {
	if n := len(c.Input()); n > 0 {
		c.ConsumeInput(n)
	}
	return nil
}

// hangup applies the disconnect policy to one connection popped from the
// hangup queue.
//
// A hangup on the controller shuts the broker down, but all pending output
// is flushed first: while the controller is still running the hangup is a
// no-op, the connection stays registered, and it retries on its next
// readiness notification. Once it has fully drained, the loop exits.
func (m *Manager) hangup(c *connection.Conn) error {
	if c == m.controller {
		if c.IsRunning() {
			return nil
		}
		return ErrExit
	}

	// Ordinary peers have no manager-level hangup policy yet; absorb the
	// event so a disconnect can never fail the loop.
	m.log.Debug("peer hangup absorbed", "id", c.ID())
	return nil
}

// Dispatch executes one pass of the loop: poll the readiness context once,
// then drain the queues until nothing is left or an outcome is produced.
//
// The hangup queue has absolute priority: no ready entry is dispatched while
// any hangup is pending. Every dispatched entry is first moved onto a
// pass-local processed list so a callback that requeues or drops entries
// (including itself) cannot corrupt the iteration; whatever remains on that
// list is spliced back onto the front of the ready queue when the pass ends.
func (m *Manager) Dispatch() error {
	processed := dispatch.NewQueue()

	timeout := 0
	if m.ready.Empty() {
		timeout = -1
	}
	if err := m.dispatcher.Poll(timeout); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	var err error
	for err == nil {
		for err == nil {
			it := m.hangups.Pop()
			if it == nil {
				break
			}
			err = m.hangup(it.(*connection.Conn))
		}
		if err != nil || !m.hangups.Empty() {
			continue
		}

		it := m.ready.Pop()
		if it == nil {
			break
		}
		f := it.(*dispatch.File)
		processed.Push(f)

		err = f.Call()
		switch {
		case errors.Is(err, dispatch.ErrExit):
			err = ErrExit
		case errors.Is(err, dispatch.ErrFailure):
			err = fmt.Errorf("%w: %w", ErrFailed, err)
		case err != nil:
			err = fmt.Errorf("broker: dispatch: %w", err)
		}
	}

	m.ready.SpliceFront(processed)
	return err
}

// Run drives dispatch passes until one returns a terminal outcome. For the
// duration of the loop the monitored termination signals are observed only
// through the signal descriptor; their prior disposition is restored on
// every exit path.
func (m *Manager) Run() error {
	restore := m.signals.arm()
	defer restore()

	var err error
	for err == nil {
		err = m.Dispatch()
	}
	return err
}

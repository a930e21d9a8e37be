//go:build linux
// +build linux

package connection

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/corebus/busd/core/dispatch"
	"github.com/corebus/busd/core/pools"
	"github.com/corebus/busd/core/user"
)

type harness struct {
	ctx     *dispatch.Context
	ready   *dispatch.Queue
	hangups *dispatch.Queue
	reg     *user.Registry
	usr     *user.Entry
	conn    *Conn
	peer    int
}

func newHarness(t *testing.T, hook Fn) *harness {
	t.Helper()

	ctx, err := dispatch.NewContext()
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	reg := user.NewRegistry(user.Limits{MaxBytes: 1 << 20, MaxFds: 8, MaxPeers: 8, MaxNames: 8, MaxMatches: 8})
	usr, err := reg.Ref(1000)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}

	h := &harness{
		ctx:     ctx,
		ready:   dispatch.NewQueue(),
		hangups: dispatch.NewQueue(),
		reg:     reg,
		usr:     usr,
		peer:    fds[1],
	}
	h.conn, err = NewServer(ctx, h.ready, h.hangups, hook, usr, pools.NewBytePool(), "test-conn", fds[0])
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	t.Cleanup(func() {
		h.conn.Deinit()
		unix.Close(h.peer)
	})
	return h
}

// pass runs one poll-and-drain cycle the way the dispatch loop would.
func (h *harness) pass(t *testing.T) error {
	t.Helper()
	if err := h.ctx.Poll(0); err != nil {
		t.Fatalf("poll: %v", err)
	}
	processed := dispatch.NewQueue()
	var err error
	for err == nil {
		it := h.ready.Pop()
		if it == nil {
			break
		}
		f := it.(*dispatch.File)
		processed.Push(f)
		err = f.Call()
	}
	h.ready.SpliceFront(processed)
	return err
}

func TestConn_QueueAndFlush(t *testing.T) {
	h := newHarness(t, nil)
	payload := []byte("hello controller")

	if err := h.conn.Queue(payload); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if h.conn.PendingOutput() != len(payload) {
		t.Fatalf("expected %d pending bytes, got %d", len(payload), h.conn.PendingOutput())
	}

	if err := h.pass(t); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if h.conn.PendingOutput() != 0 {
		t.Errorf("output should be flushed, %d bytes left", h.conn.PendingOutput())
	}

	buf := make([]byte, 64)
	n, err := unix.Read(h.peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("peer got %q, want %q", buf[:n], payload)
	}
}

func TestConn_ReadAccumulatesInput(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := unix.Write(h.peer, []byte("ping")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if err := h.pass(t); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if got := string(h.conn.Input()); got != "ping" {
		t.Errorf("input %q, want %q", got, "ping")
	}
	h.conn.ConsumeInput(4)
	if len(h.conn.Input()) != 0 {
		t.Errorf("input should be consumed")
	}
}

func TestConn_HookSeesEvents(t *testing.T) {
	var hooked uint32
	h := newHarness(t, func(c *Conn, events uint32) error {
		hooked |= events
		c.ConsumeInput(len(c.Input()))
		return nil
	})

	unix.Write(h.peer, []byte("x"))
	if err := h.pass(t); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if hooked&dispatch.EventIn == 0 {
		t.Errorf("hook should have seen EventIn, got %#x", hooked)
	}
}

func TestConn_EOFRequestsHangup(t *testing.T) {
	h := newHarness(t, nil)

	if err := unix.Shutdown(h.peer, unix.SHUT_WR); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.pass(t); err != nil {
		t.Fatalf("pass: %v", err)
	}

	it := h.hangups.Pop()
	if it == nil {
		t.Fatalf("connection should be on the hangup queue after EOF")
	}
	if it.(*Conn) != h.conn {
		t.Fatalf("wrong item on hangup queue")
	}
	if h.conn.IsRunning() {
		t.Errorf("drained connection with EOF should not be running")
	}
}

func TestConn_FlushesBeforeHangup(t *testing.T) {
	h := newHarness(t, nil)
	payload := []byte("final words")

	if err := h.conn.Queue(payload); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := unix.Shutdown(h.peer, unix.SHUT_WR); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !h.conn.IsRunning() {
		t.Fatalf("connection with pending output must report running")
	}

	if err := h.pass(t); err != nil {
		t.Fatalf("pass: %v", err)
	}

	// The buffered output reached the peer before the hangup fired.
	buf := make([]byte, 64)
	n, err := unix.Read(h.peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("peer got %q, want %q", buf[:n], payload)
	}

	if h.hangups.Pop() == nil {
		t.Errorf("connection should request hangup once drained after EOF")
	}
	if h.conn.IsRunning() {
		t.Errorf("connection should no longer be running")
	}
}

func TestConn_RequestHangupIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.conn.RequestHangup()
	h.conn.RequestHangup()
	if h.hangups.Len() != 1 {
		t.Fatalf("expected one hangup entry, got %d", h.hangups.Len())
	}
}

func TestConn_QueueChargesQuota(t *testing.T) {
	h := newHarness(t, nil)

	// The harness budget is 1 MiB; a second oversized queue must be
	// rejected while the first is still buffered.
	big := make([]byte, 600*1024)
	if err := h.conn.Queue(big); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := h.conn.Queue(big); err == nil {
		t.Fatalf("expected quota rejection")
	}
}

func TestConn_DeinitReleasesEverything(t *testing.T) {
	ctx, err := dispatch.NewContext()
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	defer ctx.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	reg := user.NewRegistry(user.Limits{MaxBytes: 1 << 20, MaxFds: 8, MaxPeers: 8, MaxNames: 8, MaxMatches: 8})
	usr, _ := reg.Ref(1000)

	conn, err := NewServer(ctx, dispatch.NewQueue(), dispatch.NewQueue(), nil, usr, pools.NewBytePool(), "test-conn", fds[0])
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := conn.Queue([]byte("unsent")); err != nil {
		t.Fatalf("queue: %v", err)
	}

	conn.Deinit()
	conn.Deinit() // idempotent

	// All quota and the connection's user reference are back; only the
	// harness reference remains, so the registry closes cleanly.
	usr.Unref()
	reg.Close()
}

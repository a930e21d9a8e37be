//go:build linux
// +build linux

// Package connection implements the broker-side view of one connected peer:
// a nonblocking stream descriptor pumped by the dispatch loop, with buffered
// output charged against the peer user's quota.
//
// Framing, authentication, and message routing happen above this package; a
// Conn only moves bytes and reports lifecycle transitions. Teardown is never
// performed from inside a readiness callback: a Conn that wants to go away
// puts itself on the hangup queue and the loop owner decides.
package connection

import (
	"fmt"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/corebus/busd/core/dispatch"
	"github.com/corebus/busd/core/pools"
	"github.com/corebus/busd/core/user"
)

// readChunk matches the middle pool tier; most control messages fit in one.
const readChunk = 2048

// Fn is the owner's hook, invoked after the I/O pump with the events that
// were dispatched.
type Fn func(c *Conn, events uint32) error

// Conn is one peer connection.
type Conn struct {
	file dispatch.File
	hup  dispatch.Link

	hupQueue *dispatch.Queue
	usr      *user.Entry
	hook     Fn
	bufs     *pools.BytePool

	id string
	fd int

	in       []byte
	out      *queue.Queue // of []byte, oldest first
	cur      []byte       // in-flight front buffer, partial-write remainder
	outBytes int

	eof    bool
	closed bool
}

// NewServer wires a server-side connection over an already-connected stream
// descriptor. The Conn takes its own reference on usr and charges one
// descriptor slot; both are released by Deinit. id is the opaque identity
// token of this connection on the bus.
func NewServer(ctx *dispatch.Context, readyQ, hupQ *dispatch.Queue, hook Fn, usr *user.Entry, bufs *pools.BytePool, id string, fd int) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("connection: set nonblock: %w", err)
	}
	if err := usr.ChargeFd(); err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}

	c := &Conn{
		hupQueue: hupQ,
		usr:      usr.Ref(),
		hook:     hook,
		bufs:     bufs,
		id:       id,
		fd:       fd,
		out:      queue.New(),
	}
	err := c.file.Init(ctx, readyQ, c.dispatchIO,
		fd, dispatch.EventIn|dispatch.EventOut|dispatch.EventHup|dispatch.EventErr)
	if err != nil {
		usr.RefundFd()
		c.usr.Unref()
		return nil, fmt.Errorf("connection: register %q: %w", id, err)
	}
	c.file.Select(dispatch.EventIn)

	return c, nil
}

// QueueLink returns the connection's hangup-queue link.
func (c *Conn) QueueLink() *dispatch.Link {
	return &c.hup
}

// ID returns the connection's identity token.
func (c *Conn) ID() string {
	return c.id
}

// User returns the quota entry this connection charges against.
func (c *Conn) User() *user.Entry {
	return c.usr
}

// IsRunning reports whether the connection still has work to do: protocol
// input may still arrive, or buffered output remains to be flushed.
func (c *Conn) IsRunning() bool {
	return !c.eof || c.outBytes > 0
}

// RequestHangup schedules the connection for disconnect handling. This is
// the only sanctioned teardown path; it is idempotent, and the decision what
// a hangup means is made by the loop owner when it drains the hangup queue.
func (c *Conn) RequestHangup() {
	if c.closed {
		return
	}
	c.hupQueue.Push(c)
}

// Queue buffers p for transmission, charging the user's memory budget, and
// arms write interest. The flush happens from the dispatch loop.
func (c *Conn) Queue(p []byte) error {
	if c.closed {
		return fmt.Errorf("connection: queue on closed connection %q", c.id)
	}
	if err := c.usr.ChargeBytes(len(p)); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	b := make([]byte, len(p))
	copy(b, p)
	c.out.Add(b)
	c.outBytes += len(p)
	c.file.Select(dispatch.EventOut)
	return nil
}

// PendingOutput returns the number of buffered outbound bytes.
func (c *Conn) PendingOutput() int {
	return c.outBytes
}

// Input returns the bytes read so far and not yet consumed by the protocol
// layer.
func (c *Conn) Input() []byte {
	return c.in
}

// ConsumeInput discards n consumed bytes from the front of the input.
func (c *Conn) ConsumeInput(n int) {
	c.in = c.in[n:]
}

// Deinit releases everything the connection holds: outstanding quota, the
// user reference, the dispatch registration, any queue membership, and the
// descriptor itself. Idempotent.
func (c *Conn) Deinit() {
	if c.closed {
		return
	}
	c.closed = true

	c.usr.RefundBytes(c.outBytes)
	c.outBytes = 0
	c.cur = nil
	for c.out.Length() > 0 {
		c.out.Remove()
	}

	c.file.Deinit()
	c.hup.Drop()

	c.usr.RefundFd()
	c.usr.Unref()

	_ = unix.Close(c.fd)
	c.fd = -1
}

// dispatchIO is the dispatch callback: pump reads and writes, track EOF, and
// hand the events to the owner's hook.
func (c *Conn) dispatchIO(f *dispatch.File, events uint32) error {
	if events&(dispatch.EventHup|dispatch.EventErr) != 0 {
		c.eof = true
		f.Clear(dispatch.EventHup | dispatch.EventErr)
		f.Deselect(dispatch.EventIn)
		if c.outBytes == 0 {
			c.RequestHangup()
		}
	}

	if events&dispatch.EventIn != 0 {
		if err := c.readSome(f); err != nil {
			return err
		}
	}

	if events&dispatch.EventOut != 0 {
		if err := c.flushSome(f); err != nil {
			return err
		}
	}

	if c.hook != nil {
		return c.hook(c, events)
	}
	return nil
}

// readSome performs one bounded read. The cached readable event keeps the
// connection scheduled until a read drains to EAGAIN, so one chunk per pass
// keeps fairness across connections.
func (c *Conn) readSome(f *dispatch.File) error {
	buf := c.bufs.Get(readChunk)
	defer c.bufs.Put(buf)

	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			f.Clear(dispatch.EventIn)
			return nil
		}
		return fmt.Errorf("connection: read %q: %w: %w", c.id, err, dispatch.ErrFailure)
	}
	if n == 0 {
		// Orderly shutdown from the peer. Output still flushes.
		c.eof = true
		f.Clear(dispatch.EventIn)
		f.Deselect(dispatch.EventIn)
		if c.outBytes == 0 {
			c.RequestHangup()
		}
		return nil
	}

	c.in = append(c.in, buf[:n]...)
	return nil
}

// flushSome writes buffered output until the kernel pushes back or the
// backlog is gone. A partial write leaves its remainder in cur, ahead of the
// queued buffers.
func (c *Conn) flushSome(f *dispatch.File) error {
	for {
		if len(c.cur) == 0 {
			if c.out.Length() == 0 {
				break
			}
			c.cur = c.out.Remove().([]byte)
		}
		n, err := unix.Write(c.fd, c.cur)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				f.Clear(dispatch.EventOut)
				return nil
			}
			return fmt.Errorf("connection: write %q: %w: %w", c.id, err, dispatch.ErrFailure)
		}
		c.usr.RefundBytes(n)
		c.outBytes -= n
		c.cur = c.cur[n:]
	}

	// Writability stays cached: clearing it is reserved for EAGAIN, since a
	// drained backlog does not make the socket unwritable and the next Queue
	// must be able to schedule its flush without a fresh readiness transition.
	f.Deselect(dispatch.EventOut)
	if c.eof {
		// Fully drained after peer shutdown: nothing keeps us running.
		c.RequestHangup()
	}
	return nil
}

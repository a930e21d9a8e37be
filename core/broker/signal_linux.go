//go:build linux
// +build linux

package broker

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// signalRecordSize is the fixed size of one signal record on the bridge
// pipe: the raw signal number.
const signalRecordSize = 4

// signalBridge converts SIGTERM and SIGINT into a pollable descriptor. The
// Go runtime owns signal delivery across its threads, so instead of a raw
// signalfd the bridge forwards notified signals through a nonblocking pipe
// whose read end is registered with the readiness context like any other
// descriptor.
type signalBridge struct {
	r, w int
	ch   chan os.Signal
}

func newSignalBridge() (*signalBridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("broker: signal pipe: %w", err)
	}
	return &signalBridge{
		r:  fds[0],
		w:  fds[1],
		ch: make(chan os.Signal, 1),
	}, nil
}

// arm takes SIGTERM and SIGINT away from their default disposition and
// starts forwarding them onto the pipe. The returned function is the scope
// guard: it restores the prior disposition and joins the forwarder, and must
// run on every exit path of the loop.
func (b *signalBridge) arm() func() {
	signal.Notify(b.ch, unix.SIGTERM, unix.SIGINT)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case sig := <-b.ch:
				var rec [signalRecordSize]byte
				binary.NativeEndian.PutUint32(rec[:], uint32(sig.(unix.Signal)))
				// A full pipe means records are already pending; the
				// signals coalesce, which is all the loop needs.
				_, _ = unix.Write(b.w, rec[:])
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(b.ch)
		close(done)
		wg.Wait()
	}
}

// readOne consumes exactly one signal record and returns the signal number.
func (b *signalBridge) readOne() (unix.Signal, error) {
	var rec [signalRecordSize]byte
	n, err := unix.Read(b.r, rec[:])
	if err != nil {
		return 0, fmt.Errorf("broker: read signal record: %w", err)
	}
	if n != signalRecordSize {
		panic(fmt.Sprintf("broker: short signal record read: %d bytes", n))
	}
	return unix.Signal(binary.NativeEndian.Uint32(rec[:])), nil
}

func (b *signalBridge) close() {
	if b.r >= 0 {
		_ = unix.Close(b.r)
		b.r = -1
	}
	if b.w >= 0 {
		_ = unix.Close(b.w)
		b.w = -1
	}
}

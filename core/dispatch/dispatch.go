// Package dispatch implements the readiness-notification core of the broker:
// an epoll-backed Context, per-descriptor Files, and the FIFO scheduling
// queues the dispatch loop drains.
//
// The Context never invokes callbacks itself. Polling only records which
// descriptors became ready and appends their Files to a ready queue; the
// owner of the queue decides when each callback runs. This separation is what
// lets the broker arbitrate between normal readiness and high-priority hangup
// handling in one place.
package dispatch

import "errors"

// Event bits reported to callbacks. They mirror the epoll event bits so the
// Linux context can pass them through without translation tables.
const (
	EventIn  uint32 = 0x001 // readable
	EventOut uint32 = 0x004 // writable
	EventErr uint32 = 0x008 // error condition
	EventHup uint32 = 0x010 // peer hung up
)

// Loop outcomes. A callback returns one of these sentinels to request
// termination of the dispatch loop; they are intentional control flow, not
// failures of the dispatch machinery, and callers must match them with
// errors.Is before treating a non-nil return as fatal.
var (
	// ErrExit requests a clean shutdown of the dispatch loop.
	ErrExit = errors.New("dispatch: exit requested")
	// ErrFailure reports an unrecoverable I/O failure in a callback.
	ErrFailure = errors.New("dispatch: dispatcher failed")
)

// Fn is a dispatch callback. It receives the File and the subset of its
// pending events covered by the current interest mask.
type Fn func(f *File, events uint32) error

//go:build linux
// +build linux

package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Context wraps an epoll instance and the set of Files registered with it.
// It is owned by a single goroutine.
type Context struct {
	epfd   int
	files  map[int]*File
	events []unix.EpollEvent
}

// NewContext creates a readiness context.
func NewContext() (*Context, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll create: %w", err)
	}

	return &Context{
		epfd:   epfd,
		files:  make(map[int]*File),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Poll waits for readiness on the registered descriptors and appends each
// reported File to its ready queue. timeoutMs < 0 blocks indefinitely,
// timeoutMs == 0 returns immediately. No callback is invoked here.
func (c *Context) Poll(timeoutMs int) error {
	n, err := unix.EpollWait(c.epfd, c.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("dispatch: epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := c.events[i]
		f, ok := c.files[int(ev.Fd)]
		if !ok {
			continue
		}
		f.events |= ev.Events & (f.mask | EventHup | EventErr)
		if f.pending() != 0 {
			f.queue.Push(f)
		}
	}

	return nil
}

// Close releases the epoll descriptor. Registered Files must be deinitialized
// first; any survivor would reference a dead context.
func (c *Context) Close() error {
	if c.epfd < 0 {
		return nil
	}
	err := unix.Close(c.epfd)
	c.epfd = -1
	return err
}

func (c *Context) register(f *File) error {
	ev := unix.EpollEvent{
		// Edge-triggered: the kernel reports each readiness transition once
		// and the File's event cache carries the condition from there. A
		// persistent condition, like a writable stream socket, must not wake
		// every blocking poll.
		Events: f.mask | unix.EPOLLET,
		Fd:     int32(f.fd),
	}
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_ADD, f.fd, &ev); err != nil {
		return fmt.Errorf("dispatch: epoll ctl add: %w", err)
	}
	c.files[f.fd] = f
	return nil
}

func (c *Context) unregister(f *File) {
	// DEL can only fail for a fd already gone; nothing to do about it here.
	_ = unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, f.fd, nil)
	delete(c.files, f.fd)
}

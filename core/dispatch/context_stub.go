//go:build !linux
// +build !linux

package dispatch

import "errors"

// ErrUnsupported is returned on platforms without an epoll-style readiness
// facility. The broker itself is Linux-only; the stub keeps this package,
// and with it the scheduling-queue logic and its tests, building on other
// development platforms.
var ErrUnsupported = errors.New("dispatch: readiness context unsupported on this platform")

// Context is a placeholder on non-Linux platforms.
type Context struct{}

// NewContext always fails on this platform.
func NewContext() (*Context, error) {
	return nil, ErrUnsupported
}

// Poll always fails on this platform.
func (c *Context) Poll(timeoutMs int) error { return ErrUnsupported }

// Close is a no-op on this platform.
func (c *Context) Close() error { return nil }

func (c *Context) register(f *File) error { return ErrUnsupported }

func (c *Context) unregister(f *File) {}

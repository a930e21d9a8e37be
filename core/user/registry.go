// Package user tracks per-user resource budgets for the broker. Every
// connection holds a reference to the entry of its peer's uid; budgets are
// charged against the entry and refunded when the resources are released.
package user

import (
	"errors"
	"fmt"
)

// ErrQuota is returned when a charge would exceed the user's budget.
var ErrQuota = errors.New("user: quota exceeded")

// Limits are the fixed capacity parameters of a registry: one memory budget
// and four count budgets. Their values are forwarded verbatim from the
// broker's construction constants.
type Limits struct {
	MaxBytes   int
	MaxFds     int
	MaxPeers   int
	MaxNames   int
	MaxMatches int
}

// Registry issues reference-counted quota entries keyed by OS uid. It is
// owned by the dispatch goroutine and performs no locking.
type Registry struct {
	limits  Limits
	entries map[uint32]*Entry
}

// Entry is one user's budget state. Entries are shared: every Ref for the
// same uid returns the same Entry with its reference count bumped.
type Entry struct {
	registry *Registry
	uid      uint32
	refs     int

	usedBytes   int
	usedFds     int
	usedPeers   int
	usedNames   int
	usedMatches int
}

// NewRegistry creates a registry with the given limits.
func NewRegistry(limits Limits) *Registry {
	return &Registry{
		limits:  limits,
		entries: make(map[uint32]*Entry),
	}
}

// Ref returns the entry for uid, creating it on first reference.
func (r *Registry) Ref(uid uint32) (*Entry, error) {
	if r.entries == nil {
		return nil, fmt.Errorf("user: registry closed")
	}
	e, ok := r.entries[uid]
	if !ok {
		e = &Entry{registry: r, uid: uid}
		r.entries[uid] = e
	}
	e.refs++
	return e, nil
}

// Close tears the registry down. Calling it with entries still referenced is
// a lifecycle bug: some connection outlived the registry that funds it.
func (r *Registry) Close() {
	for uid, e := range r.entries {
		if e.refs != 0 {
			panic(fmt.Sprintf("user: registry closed with %d live refs for uid %d", e.refs, uid))
		}
	}
	r.entries = nil
}

// Uid returns the entry's owner uid.
func (e *Entry) Uid() uint32 {
	return e.uid
}

// Ref takes an additional reference on the entry and returns it, so a new
// owner can hold the handle independently.
func (e *Entry) Ref() *Entry {
	e.refs++
	return e
}

// Unref releases one reference. The entry is reclaimed once the last
// reference is gone.
func (e *Entry) Unref() {
	if e.refs <= 0 {
		panic("user: unref of unreferenced entry")
	}
	e.refs--
	if e.refs == 0 {
		delete(e.registry.entries, e.uid)
	}
}

// ChargeBytes reserves n bytes of the user's memory budget.
func (e *Entry) ChargeBytes(n int) error {
	if e.usedBytes+n > e.registry.limits.MaxBytes {
		return fmt.Errorf("%w: uid %d: %d+%d bytes over %d",
			ErrQuota, e.uid, e.usedBytes, n, e.registry.limits.MaxBytes)
	}
	e.usedBytes += n
	return nil
}

// RefundBytes returns n bytes to the budget.
func (e *Entry) RefundBytes(n int) {
	if n > e.usedBytes {
		panic("user: byte refund exceeds charge")
	}
	e.usedBytes -= n
}

// ChargeFd reserves one descriptor slot.
func (e *Entry) ChargeFd() error {
	if e.usedFds+1 > e.registry.limits.MaxFds {
		return fmt.Errorf("%w: uid %d: fd count over %d", ErrQuota, e.uid, e.registry.limits.MaxFds)
	}
	e.usedFds++
	return nil
}

// RefundFd returns one descriptor slot.
func (e *Entry) RefundFd() {
	if e.usedFds <= 0 {
		panic("user: fd refund exceeds charge")
	}
	e.usedFds--
}

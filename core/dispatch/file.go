package dispatch

// File is one descriptor of interest: the descriptor itself, the event mask
// it was registered with, the currently selected interest, any events the
// context has observed but the owner has not yet cleared, and the callback to
// run when it is dispatched.
//
// A File sits on its ready queue exactly while it has pending events covered
// by the selected interest (hangup and error conditions are always covered;
// the kernel reports them regardless of interest).
type File struct {
	ready Link

	ctx   *Context
	queue *Queue
	fn    Fn

	fd       int
	mask     uint32 // events registered with the context, fixed at Init
	selected uint32 // currently enabled subset of mask
	events   uint32 // observed, not yet cleared
}

// QueueLink returns the File's scheduling link.
func (f *File) QueueLink() *Link {
	return &f.ready
}

// Init registers the File with the context. Interest starts empty; call
// Select to arm it. mask is the full set of events the File may ever select.
func (f *File) Init(ctx *Context, q *Queue, fn Fn, fd int, mask uint32) error {
	f.ready = Link{}
	f.ctx = ctx
	f.queue = q
	f.fn = fn
	f.fd = fd
	f.mask = mask
	f.selected = 0
	f.events = 0
	return ctx.register(f)
}

// Deinit unregisters the File and drops it from its queue. The descriptor
// itself stays open; it belongs to the caller. Safe to call on a File that
// was never initialized.
func (f *File) Deinit() {
	if f.ctx == nil {
		return
	}
	f.ready.Drop()
	f.ctx.unregister(f)
	f.ctx = nil
	f.queue = nil
	f.fn = nil
	f.events = 0
	f.selected = 0
}

// Fd returns the registered descriptor.
func (f *File) Fd() int {
	return f.fd
}

// Select enables interest in the given events. If matching events are
// already pending, the File is queued for dispatch right away.
func (f *File) Select(mask uint32) {
	f.selected |= mask & f.mask
	if f.pending() != 0 {
		f.queue.Push(f)
	}
}

// Deselect disables interest in the given events. Pending events outside the
// remaining interest stay recorded but no longer keep the File queued.
func (f *File) Deselect(mask uint32) {
	f.selected &^= mask
	if f.pending() == 0 {
		f.ready.Drop()
	}
}

// Clear marks the given events as handled. Once nothing selected remains
// pending the File leaves its queue. A cleared condition is re-reported only
// on a new readiness transition, so owners clear a bit once the condition is
// observed gone, not merely serviced.
func (f *File) Clear(mask uint32) {
	f.events &^= mask
	if f.pending() == 0 {
		f.ready.Drop()
	}
}

// Call invokes the callback with the pending selected events.
func (f *File) Call() error {
	return f.fn(f, f.pending())
}

// pending returns the observed events the owner currently cares about.
// Hangup and error are always of interest.
func (f *File) pending() uint32 {
	return f.events & (f.selected | EventHup | EventErr)
}

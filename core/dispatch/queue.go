package dispatch

import (
	"github.com/eapache/queue"
)

// Item is anything schedulable on a Queue. An item embeds one Link and hands
// it out through QueueLink; since there is a single link, an item can sit on
// at most one queue at a time.
type Item interface {
	QueueLink() *Link
}

// Link records an item's queue membership. The zero value is unlinked.
//
// Membership is tracked by the owner pointer rather than by list pointers: a
// nil owner means unlinked, and a ring slot whose item no longer points at
// the ring's queue is skipped on Pop. This keeps removal O(1) without any
// relinking.
type Link struct {
	owner *Queue
}

// Linked reports whether the link is currently on a queue.
func (l *Link) Linked() bool {
	return l.owner != nil
}

// Drop unlinks the item from whatever queue it is on. No-op when unlinked.
func (l *Link) Drop() {
	if l.owner != nil {
		l.owner.n--
		l.owner = nil
	}
}

// Queue is a FIFO of schedulable items. It is not safe for concurrent use;
// the dispatch loop is single-threaded by contract.
type Queue struct {
	ring *queue.Queue
	n    int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ring: queue.New()}
}

// Push appends the item to the tail of the queue. An item that is already
// scheduled somewhere stays where it is: membership is exclusive, and a
// callback re-arming itself while it sits on the pass-local processed list
// must not re-enter the ready queue within the same pass.
func (q *Queue) Push(it Item) {
	l := it.QueueLink()
	if l.owner != nil {
		return
	}
	l.owner = q
	q.ring.Add(it)
	q.n++
}

// Pop removes and returns the front item, or nil if the queue is empty.
func (q *Queue) Pop() Item {
	for q.ring.Length() > 0 {
		it := q.ring.Remove().(Item)
		l := it.QueueLink()
		if l.owner != q {
			// Dropped while queued; the ring slot is stale.
			continue
		}
		l.owner = nil
		q.n--
		return it
	}
	return nil
}

// Len returns the number of linked items on the queue.
func (q *Queue) Len() int {
	return q.n
}

// Empty reports whether no linked items remain.
func (q *Queue) Empty() bool {
	return q.n == 0
}

// SpliceFront moves every item of src onto the front of q, preserving src's
// order, and leaves src empty. Used to return a pass-local processed list to
// the head of the ready queue.
func (q *Queue) SpliceFront(src *Queue) {
	if src == q || src.n == 0 {
		return
	}
	items := make([]Item, 0, src.n+q.n)
	for src.ring.Length() > 0 {
		it := src.ring.Remove().(Item)
		if it.QueueLink().owner == src {
			items = append(items, it)
		}
	}
	for q.ring.Length() > 0 {
		it := q.ring.Remove().(Item)
		if it.QueueLink().owner == q {
			items = append(items, it)
		}
	}
	src.n = 0
	q.n = len(items)
	for _, it := range items {
		it.QueueLink().owner = q
		q.ring.Add(it)
	}
}

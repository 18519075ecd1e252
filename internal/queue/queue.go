package queue

import (
	"sync"

	"github.com/riftlabs/pgpool/internal/constants"
)

// Queue is the mutex-guarded submission FIFO shared between producer
// goroutines and the pool's I/O goroutine, paired with a capacity-1
// wakeup channel standing in for spec.md's selectable wakeup pipe.
//
// A channel is the idiomatic Go analog of "a byte pipe whose read end is
// selectable": producers never block on Push. The pool forwards each
// wakeup byte onto an OS pipe so its I/O goroutine can wait on it
// alongside raw socket fds in one unix.Select call.
type Queue struct {
	mu       sync.Mutex
	items    []*Query
	wake     chan byte
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an empty Queue with its wakeup channel ready to use.
func New() *Queue {
	return &Queue{
		wake: make(chan byte, 1),
		stop: make(chan struct{}),
	}
}

// Wake returns the channel the I/O goroutine selects on alongside Stopped.
// A value sent here is always constants.WakeNewWork; shutdown is signaled
// separately through Stopped so a pending wakeup byte can never swallow
// the stop request.
func (q *Queue) Wake() <-chan byte {
	return q.wake
}

// Stopped returns a channel that closes exactly once, when Stop is
// called. Unlike Wake's capacity-1 byte, a closed channel stays
// permanently selectable, so the I/O goroutine can never miss it behind
// an unread wakeup byte.
func (q *Queue) Stopped() <-chan struct{} {
	return q.stop
}

// Stop closes the Stopped channel. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Push appends q to the queue. If the queue was empty before the
// append, it writes one WakeNewWork byte to the wakeup channel via a
// non-blocking send; the send's default branch makes a redundant wakeup
// byte a no-op, exactly as spec.md's "multiple NEW_WORK bytes are
// collapsed to has-work", and keeps Push non-blocking even if the I/O
// goroutine hasn't drained a previous signal yet.
func (q *Queue) Push(item *Query) {
	q.mu.Lock()
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, item)
	q.mu.Unlock()

	if wasEmpty {
		select {
		case q.wake <- constants.WakeNewWork:
		default:
		}
	}
}

// DrainInto moves every currently queued item onto pending, leaving the
// queue empty. Used by the I/O goroutine after observing a wakeup.
func (q *Queue) DrainInto(pending *[]*Query) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	*pending = append(*pending, q.items...)
	q.items = nil
}

// Clear delivers nil to every still-queued item and empties the queue.
// Called during pool shutdown to honor the one-shot callback invariant
// for work that was never dispatched.
func (q *Queue) Clear() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range items {
		item.Deliver(nil)
	}
}

// Len reports the current queue depth. Used for metrics sampling only;
// callers must not rely on it for synchronization.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Package lockqueue implements the FIFO fair reader/writer lock queue
// (C7 LockingQueue) that orders access to a single table between
// concurrent transactions. It does not gate MVCC visibility — snapshot
// reads never block on it — it exists to serialize the narrow window in
// which a writer publishes a commit against other writers, and to let a
// caller request exclusive access to a table (e.g. for DROP TABLE)
// without starving readers already queued ahead of it.
package lockqueue

import (
	"container/list"
	"context"
	"sync"

	"github.com/kvtab/congl/pkg/resource/domain"
)

// Mode is the kind of access a queued request wants.
type Mode int

const (
	Read Mode = iota
	Write
)

type waiter struct {
	mode    Mode
	granted chan struct{}
	done    bool
}

// Queue is a single table's lock queue. Multiple readers may hold the
// lock concurrently; a writer requires exclusive access. Requests are
// granted strictly in arrival order: a writer queued behind readers
// waits for them, but a writer at the head of the queue blocks readers
// arriving after it, preventing writer starvation.
type Queue struct {
	mu      sync.Mutex
	waiters *list.List // of *waiter
	active  int        // count of currently granted holders
	writer  bool       // true if the active holder(s) are a single writer
}

// New creates an empty lock queue for one table.
func New() *Queue {
	return &Queue{waiters: list.New()}
}

// Acquire blocks until mode access is granted or ctx is cancelled. The
// returned release function must be called exactly once to release the
// lock.
func (q *Queue) Acquire(ctx context.Context, mode Mode) (release func(), err error) {
	q.mu.Lock()
	w := &waiter{mode: mode, granted: make(chan struct{})}
	elem := q.waiters.PushBack(w)
	q.tryGrantLocked()
	q.mu.Unlock()

	select {
	case <-w.granted:
		return func() { q.release(w) }, nil
	case <-ctx.Done():
		q.mu.Lock()
		if !w.done {
			q.waiters.Remove(elem)
		}
		q.tryGrantLocked()
		q.mu.Unlock()
		return nil, domain.WrapEngineError(domain.CodeCancelled, "lock queue: acquire cancelled", ctx.Err())
	}
}

// tryGrantLocked grants access to as many waiters at the front of the
// queue as the FIFO-fair rule allows. Must be called with q.mu held.
func (q *Queue) tryGrantLocked() {
	for {
		front := q.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if w.mode == Write {
			if q.active > 0 {
				return
			}
			q.active = 1
			q.writer = true
			w.done = true
			q.waiters.Remove(front)
			close(w.granted)
			return
		}
		// Read request: grantable as long as no writer currently holds
		// or is waiting ahead of it (the element we're looking at IS
		// the front, so there's nothing ahead by definition here — a
		// writer further back in the queue correctly waits its turn).
		if q.writer {
			return
		}
		q.active++
		w.done = true
		q.waiters.Remove(front)
		close(w.granted)
	}
}

func (q *Queue) release(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.active == 0 {
		q.writer = false
	}
	q.tryGrantLocked()
}

// Stats reports how many requests are currently queued, for diagnostics.
func (q *Queue) Stats() (waiting int, active int, writerHeld bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len(), q.active, q.writer
}

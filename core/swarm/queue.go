package swarm

import "sync"

// submissionQueue is the unbounded, multi-producer single-consumer queue
// that bridges a Controller (producer side, possibly shared across many
// clones) to the Engine (the sole consumer). A Go channel is inherently
// bounded, so push never blocks and drain atomically removes everything
// currently queued in one call — matching "every ready listener goes into
// listeners" for a single intake pass.
type submissionQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

// push enqueues item. It returns false if the queue has already been
// closed, in which case the item is silently discarded — a closed receiver
// is benign, per the controller's submission contract.
func (q *submissionQueue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// drain removes and returns everything currently queued, plus whether the
// queue has been closed. Calling drain on an empty, closed queue is benign
// and simply returns (nil, true) forever after.
func (q *submissionQueue[T]) drain() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, q.closed
	}
	items := q.items
	q.items = nil
	return items, q.closed
}

// close marks the queue closed. Idempotent.
func (q *submissionQueue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

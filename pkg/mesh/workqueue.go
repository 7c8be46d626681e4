package mesh

import (
	"sync"
	"time"
)

// WorkItem is one outbound frame with optional hooks run around the send
type WorkItem struct {
	Payload []byte
	// PreHook runs right before the frame is written
	PreHook func()
	// PostHook receives the send result; ErrMalformedPayload or ErrQueueClosed when the frame never left
	PostHook func(error)
}

// WorkQueue is a FIFO of outbound frames drained by a single send loop.
// Many producers may Enqueue concurrently; only the owner dequeues.
type WorkQueue struct {
	mu     sync.Mutex
	items  []*WorkItem
	notify chan struct{} // has-work signal, 1-buffered so Enqueue never blocks
	done   chan struct{}
	once   sync.Once
}

// NewWorkQueue creates an empty queue
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends item at the tail and signals the consumer
func (q *WorkQueue) Enqueue(item *WorkItem) error {
	q.mu.Lock()
	if q.Exited() {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
		// a signal is already pending
	}
	return nil
}

// Dequeue pops the head item, or returns nil when the queue is empty
func (q *WorkQueue) Dequeue() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item
}

// Wait blocks until there is work, the timeout expires or the queue exits.
// It returns true only when work may be available.
func (q *WorkQueue) Wait(timeout time.Duration) bool {
	if q.Exited() {
		return false
	}
	if q.Len() > 0 {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.notify:
		return !q.Exited()
	case <-q.done:
		return false
	case <-timer.C:
		return false
	}
}

// Len returns the number of queued items
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close sets the exit flag and returns the items that will never be sent
func (q *WorkQueue) Close() []*WorkItem {
	var rest []*WorkItem
	q.once.Do(func() {
		q.mu.Lock()
		close(q.done)
		rest = q.items
		q.items = nil
		q.mu.Unlock()
	})
	return rest
}

// Exited reports whether Close was called
func (q *WorkQueue) Exited() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

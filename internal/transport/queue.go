package transport

import (
	"sync"

	"github.com/dreamware/wakeonlan/internal/wire"
)

// Queue is an unbounded FIFO of decoded messages with a single producer (the
// receive loop) and a single consumer (one protocol). Push never blocks.
//
// Ready delivers a token whenever the queue goes from empty to non-empty, so
// a consumer can select on it alongside its timers and then drain with
// TryPop until it reports false.
type Queue struct {
	items []wire.Message
	ready chan struct{}
	mu    sync.Mutex
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends m and signals Ready.
func (q *Queue) Push(m wire.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest message. It reports false without
// blocking when the queue is empty.
func (q *Queue) TryPop() (wire.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return wire.Message{}, false
	}
	m := q.items[0]
	q.items[0] = wire.Message{}
	q.items = q.items[1:]
	return m, true
}

// Ready is signalled after a Push. A token may be stale: always drain with
// TryPop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reset discards every queued message.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()

	select {
	case <-q.ready:
	default:
	}
}

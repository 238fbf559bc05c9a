package memo

import "sync"

// queue is an unbounded FIFO with a single consumer. Producers never block.
// signal has capacity one and is poked on every push, so a consumer that
// drains after each wake-up never misses an item.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

// push appends v. It reports false once the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.poke()
	return true
}

// drain removes and returns everything queued. closed reports whether the
// queue has been closed; items pushed before close are still returned.
func (q *queue[T]) drain() (items []T, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, q.items = q.items, nil
	return items, q.closed
}

// close rejects further pushes and wakes the consumer.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.poke()
}

func (q *queue[T]) poke() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

package store

import (
	"sync"
	"sync/atomic"
)

// queue is an unbounded FIFO. Producers never block, so a slow subscriber cannot
// stall commits or the dispatcher.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed.
func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	var zero T
	if q.closed {
		q.items = nil
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// deliverer runs fn for every pushed value on its own goroutine, in push order.
type deliverer[T any] struct {
	q       *queue[T]
	stopped atomic.Bool
}

func startDeliverer[T any](fn func(T)) *deliverer[T] {
	d := &deliverer[T]{q: newQueue[T]()}
	go func() {
		for {
			v, ok := d.q.pop()
			if !ok {
				return
			}
			if d.stopped.Load() {
				return
			}
			fn(v)
		}
	}()
	return d
}

func (d *deliverer[T]) push(v T) {
	if d.stopped.Load() {
		return
	}
	d.q.push(v)
}

func (d *deliverer[T]) stop() {
	d.stopped.Store(true)
	d.q.close()
}

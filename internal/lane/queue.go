// ABOUTME: Lock-free FIFO queue backing each lane's pending work
// ABOUTME: Michael-Scott linked queue built on sync/atomic pointers

package lane

import "sync/atomic"

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// queue is an unbounded multi-producer FIFO. Producers never block each other;
// pop is only ever called by the goroutine holding a lane's draining flag.
type queue[T any] struct {
	head atomic.Pointer[node[T]] // sentinel; head.next is the oldest item
	tail atomic.Pointer[node[T]]
	size atomic.Int64
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	sentinel := &node[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// push appends v at the tail.
func (q *queue[T]) push(v T) {
	n := &node[T]{value: v}
	q.size.Add(1)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help it forward and retry.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

// pop removes and returns the oldest item, or false when the queue is empty.
func (q *queue[T]) pop() (T, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			var zero T
			return zero, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		v := next.value
		if q.head.CompareAndSwap(head, next) {
			// next is the new sentinel; drop its reference to the popped item.
			var zero T
			next.value = zero
			q.size.Add(-1)
			return v, true
		}
	}
}

// empty reports whether no item is currently linked behind the sentinel.
func (q *queue[T]) empty() bool {
	return q.head.Load().next.Load() == nil
}

// len is approximate under concurrent pushes and is only used for reporting.
func (q *queue[T]) len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

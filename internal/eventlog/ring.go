package eventlog

import "container/ring"

// ringBuffer is a fixed-capacity buffer that overwrites its oldest entry.
// It is not safe for concurrent use; Log guards it with its mutex.
type ringBuffer[T any] struct {
	next *ring.Ring
	size int
	cap  int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer[T]{next: ring.New(capacity), cap: capacity}
}

// push stores v and returns the evicted value, if any.
func (b *ringBuffer[T]) push(v T) (evicted T, ok bool) {
	if old, had := b.next.Value.(T); had && b.size == b.cap {
		evicted, ok = old, true
	}
	b.next.Value = v
	b.next = b.next.Next()
	if b.size < b.cap {
		b.size++
	}
	return evicted, ok
}

// each visits entries newest-first until fn returns false.
func (b *ringBuffer[T]) each(fn func(T) bool) {
	p := b.next.Prev()
	for i := 0; i < b.size; i++ {
		if !fn(p.Value.(T)) {
			return
		}
		p = p.Prev()
	}
}

func (b *ringBuffer[T]) len() int {
	return b.size
}

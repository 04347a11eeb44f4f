// Package audio moves PCM and RTP between real-time callbacks and
// ordinary goroutines without locks on the real-time side.
package audio

import (
	"sync/atomic"
)

// Ring is a lock-free single-producer single-consumer queue.
// Exactly one goroutine may push and exactly one may pop.
// Neither side ever blocks or allocates.
type Ring[T any] struct {
	buf  []T
	mask uint64

	// head is the next index to pop, tail the next index to push.
	// Both grow monotonically; the index into buf is value&mask.
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
}

// NewRing rounds capacity up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len is exact when called from the producer or the consumer and a
// snapshot otherwise.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// TryPush returns false when the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// TryPop returns false when the ring is empty.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	i := head & r.mask
	v := r.buf[i]
	r.buf[i] = zero
	r.head.Store(head + 1)
	return v, true
}

// PushSlice pushes as many leading elements of src as fit and returns
// how many were pushed.
func (r *Ring[T]) PushSlice(src []T) int {
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.head.Load())
	n := uint64(len(src))
	if n > free {
		n = free
	}
	for k := uint64(0); k < n; k++ {
		r.buf[(tail+k)&r.mask] = src[k]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// PopInto fills dst from the ring and returns how many elements were copied.
func (r *Ring[T]) PopInto(dst []T) int {
	head := r.head.Load()
	avail := r.tail.Load() - head
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	for k := uint64(0); k < n; k++ {
		dst[k] = r.buf[(head+k)&r.mask]
	}
	r.head.Store(head + n)
	return int(n)
}

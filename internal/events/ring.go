package events

import "sync"

// DefaultRingSize is used when a non-positive size is requested.
const DefaultRingSize = 1024

// Ring is a fixed-size circular buffer. Goroutine-safe.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // next write position
	count int
}

// NewRing creates a ring holding up to size items.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Push adds v, overwriting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns every item, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Last(r.Cap())
}

// Last returns the n most recent items, oldest first. n larger than Len
// returns everything; n <= 0 returns nil.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return nil
	}

	size := len(r.buf)
	out := make([]T, n)
	start := (r.head - n + size) % size
	for i := range out {
		out[i] = r.buf[(start+i)%size]
	}
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

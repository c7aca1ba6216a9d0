package core

// RingBuffer is a fixed-capacity FIFO. Push evicts the oldest element when
// full. Not safe for concurrent use; owners guard it with their own lock.
type RingBuffer[T any] struct {
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a buffer holding at most capacity elements.
// Capacity must be positive.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ringbuffer: capacity must be positive")
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = v
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }

// At returns the i-th element in insertion order (0 = oldest).
func (r *RingBuffer[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("ringbuffer: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns the most recently pushed element and whether one exists.
func (r *RingBuffer[T]) Last() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[(r.head+r.count-1)%len(r.buf)], true
}

// ReplaceLast overwrites the most recently pushed element. No-op when empty.
func (r *RingBuffer[T]) ReplaceLast(v T) {
	if r.count == 0 {
		return
	}
	r.buf[(r.head+r.count-1)%len(r.buf)] = v
}

// Items returns the elements in insertion order as a fresh slice.
func (r *RingBuffer[T]) Items() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.At(i))
	}
	return out
}

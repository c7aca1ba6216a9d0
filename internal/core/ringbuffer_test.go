package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer_PushAndEvict(t *testing.T) {
	rb := NewRingBuffer[int](3)
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 3, rb.Cap())

	rb.Push(1)
	rb.Push(2)
	rb.Push(3)
	assert.Equal(t, []int{1, 2, 3}, rb.Items())

	// Fourth push evicts the oldest.
	rb.Push(4)
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []int{2, 3, 4}, rb.Items())
	assert.Equal(t, 2, rb.At(0))

	last, ok := rb.Last()
	assert.True(t, ok)
	assert.Equal(t, 4, last)
}

func TestRingBuffer_ReplaceLast(t *testing.T) {
	rb := NewRingBuffer[string](2)

	// No-op when empty.
	rb.ReplaceLast("x")
	assert.Equal(t, 0, rb.Len())

	rb.Push("a")
	rb.Push("b")
	rb.ReplaceLast("c")
	assert.Equal(t, []string{"a", "c"}, rb.Items())
}

func TestRingBuffer_AtPanicsOutOfRange(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	assert.Panics(t, func() { rb.At(1) })
	assert.Panics(t, func() { rb.At(-1) })
}

func TestRingBuffer_ZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { NewRingBuffer[int](0) })
}

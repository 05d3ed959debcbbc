package session

import "sync"

// RingBuffer is a fixed-capacity circular byte buffer holding the most
// recent terminal output. It lets a late subscriber catch up on what the
// shell printed before it attached.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes once full.
func (rb *RingBuffer) Write(data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(data) >= rb.capacity {
		copy(rb.buf, data[len(data)-rb.capacity:])
		rb.pos = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.pos:], data)
	if n < len(data) {
		copy(rb.buf, data[n:])
	}
	next := rb.pos + len(data)
	if next >= rb.capacity {
		rb.full = true
	}
	rb.pos = next % rb.capacity
}

// Bytes returns the buffered output in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]byte, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]byte, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

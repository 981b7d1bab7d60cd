package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring buffer. The bridge uses one per
// call to frame the live model's variable-sized output into fixed 20ms
// telephony frames.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size-1 bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data to the buffer. Returns the number of bytes
// written, which is less than len(data) when the buffer fills up;
// the bridge drops the remainder rather than blocking.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for i := 0; i < len(data); i++ {
		if (rb.write+1)%rb.size == rb.read {
			break // full
		}
		rb.buffer[rb.write] = data[i]
		rb.write = (rb.write + 1) % rb.size
		written++
	}
	return written
}

// Read copies up to len(data) bytes out of the buffer and returns the
// number of bytes read.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

func (rb *RingBuffer) readLocked(data []byte) int {
	read := 0
	for i := 0; i < len(data); i++ {
		if rb.read == rb.write {
			break // empty
		}
		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}
	return read
}

// ReadFrame returns one full frame of frameSize bytes, or nil when
// fewer than frameSize bytes are buffered. Partial frames stay in the
// buffer until more audio arrives or Drain is called.
func (rb *RingBuffer) ReadFrame(frameSize int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.availableLocked() < frameSize {
		return nil
	}
	frame := make([]byte, frameSize)
	rb.readLocked(frame)
	return frame
}

// Drain returns and removes everything currently buffered. Used at
// call teardown to flush a trailing partial frame.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.availableLocked()
	if n == 0 {
		return nil
	}
	data := make([]byte, n)
	rb.readLocked(data)
	return data
}

// Available returns the number of bytes ready to read.
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.availableLocked()
}

func (rb *RingBuffer) availableLocked() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

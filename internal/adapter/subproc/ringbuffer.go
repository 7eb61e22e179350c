package subproc

import (
	"strings"
	"sync"
)

// ringBuffer is a thread-safe, bounded byte buffer that drops old data
// when the capacity is exceeded. Used for capturing child process output.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written (including dropped)
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Thread-safe.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
	return len(p), nil
}

// String returns the buffered content, trimmed of surrounding whitespace.
func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return strings.TrimSpace(string(rb.data))
}

// Truncated reports whether output was dropped.
func (rb *ringBuffer) Truncated() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written > int64(len(rb.data))
}

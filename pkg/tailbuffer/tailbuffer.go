// Package tailbuffer provides a fixed-capacity buffer that retains only the
// most recently written bytes. The orchestrator attaches one to each spawned
// worker process so that init failures can report the tail of the worker's
// output without unbounded memory growth.
package tailbuffer

import (
	"io"
	"sync"
)

// TailBuffer is a bounded io.ReadWriter. Writes never fail; once the buffer
// is full the oldest bytes are discarded. Safe for concurrent use.
type TailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

// New returns a TailBuffer retaining up to capacity bytes.
func New(capacity int) *TailBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &TailBuffer{cap: capacity}
}

// Write appends p, discarding the oldest bytes if the buffer would exceed its
// capacity. It always reports len(p) written.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.cap {
		t.buf = append(t.buf[:0], p[len(p)-t.cap:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if excess := len(t.buf) - t.cap; excess > 0 {
		t.buf = append(t.buf[:0], t.buf[excess:]...)
	}
	return len(p), nil
}

// Read drains retained bytes into p, oldest first. It returns io.EOF when the
// buffer is empty.
func (t *TailBuffer) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, t.buf)
	t.buf = append(t.buf[:0], t.buf[n:]...)
	return n, nil
}

// Tail returns the retained bytes as a string without consuming them.
func (t *TailBuffer) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

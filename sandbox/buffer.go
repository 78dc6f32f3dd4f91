package sandbox

import (
	"bytes"
	"sync"
)

// truncationMarker is appended to a stream that hit its byte cap. Overflow
// is never silent: the caller always sees that content was dropped.
const truncationMarker = "\n[output truncated]"

// boundedBuffer is a request-scoped output buffer with a hard byte cap.
// Writes past the cap are dropped from the tail and the marker is appended
// when the contents are read. Safe for concurrent use; the interpreter
// thread and the watchdog may both touch it.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

// Write implements io.Writer. It always reports the full length as written
// so upstream writers never error on overflow.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) WriteString(s string) {
	_, _ = b.Write([]byte(s))
}

// String returns the captured content, with the truncation marker appended
// if the cap was hit.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// Truncated reports whether the cap was hit.
func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

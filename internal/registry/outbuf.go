package registry

import "unicode/utf8"

// DefaultOutputBufferCap is the default number of bytes of terminal output
// retained per terminal for history replay.
const DefaultOutputBufferCap = 200_000

// OutputBuffer is a bounded circular buffer of terminal output. Once full,
// each write overwrites the oldest bytes so the buffer always holds the
// most recently appended output. Storage grows on demand up to the cap.
//
// OutputBuffer is not safe for concurrent use; the terminal registry
// serializes access to it.
type OutputBuffer struct {
	data          []byte
	capacity      int
	writePosition int
	totalWritten  uint64
}

// NewOutputBuffer creates a buffer that retains at most capacity bytes.
// A non-positive capacity falls back to DefaultOutputBufferCap.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = DefaultOutputBufferCap
	}
	return &OutputBuffer{capacity: capacity}
}

// Write appends p, discarding the oldest bytes beyond capacity.
func (b *OutputBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.totalWritten += uint64(len(p))
	if len(p) >= b.capacity {
		p = p[len(p)-b.capacity:]
		if cap(b.data) < b.capacity {
			b.data = make([]byte, b.capacity)
		}
		b.data = b.data[:b.capacity]
		copy(b.data, p)
		b.writePosition = 0
		return
	}

	if len(b.data) < b.capacity {
		room := b.capacity - len(b.data)
		if len(p) <= room {
			b.data = append(b.data, p...)
			b.writePosition = len(b.data) % b.capacity
			return
		}
		b.data = append(b.data, p[:room]...)
		p = p[room:]
		b.writePosition = 0
	}

	for offset := 0; offset < len(p); {
		n := copy(b.data[b.writePosition:], p[offset:])
		b.writePosition = (b.writePosition + n) % b.capacity
		offset += n
	}
}

// WriteString appends s.
func (b *OutputBuffer) WriteString(s string) {
	b.Write([]byte(s))
}

// Len returns the number of bytes currently retained.
func (b *OutputBuffer) Len() int {
	return len(b.data)
}

// Cap returns the retention limit in bytes.
func (b *OutputBuffer) Cap() int {
	return b.capacity
}

// TotalWritten returns the number of bytes ever written.
func (b *OutputBuffer) TotalWritten() uint64 {
	return b.totalWritten
}

// Bytes returns a copy of the retained output, oldest first.
func (b *OutputBuffer) Bytes() []byte {
	out := make([]byte, 0, len(b.data))
	if len(b.data) < b.capacity {
		return append(out, b.data...)
	}
	out = append(out, b.data[b.writePosition:]...)
	return append(out, b.data[:b.writePosition]...)
}

// String returns the retained output as text. When trimming has cut a
// multi-byte character in half, the orphaned leading bytes are skipped.
func (b *OutputBuffer) String() string {
	out := b.Bytes()
	if b.totalWritten > uint64(len(out)) {
		for i := 0; i < len(out) && i < utf8.UTFMax; i++ {
			if utf8.RuneStart(out[i]) {
				out = out[i:]
				break
			}
		}
	}
	return string(out)
}

package executor

import (
	"bufio"
	"io"
	"sync"
)

// maxLineBytes bounds a single scanned output line.
const maxLineBytes = 1024 * 1024

// captureBuffer accumulates output lines up to a byte cap. Writes past the
// cap are dropped and the buffer marked truncated; streaming to the
// progress callback is unaffected by the cap.
type captureBuffer struct {
	mu        sync.Mutex
	enabled   bool
	max       int64
	data      []byte
	truncated bool
}

func newCaptureBuffer(max int64, enabled bool) *captureBuffer {
	return &captureBuffer{enabled: enabled, max: max}
}

func (b *captureBuffer) writeLine(line string) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - int64(len(b.data))
	if remaining <= 0 {
		b.truncated = true
		return
	}
	chunk := line + "\n"
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
		b.truncated = true
	}
	b.data = append(b.data, chunk...)
}

func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *captureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *captureBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// scanLines reads r line by line and feeds each line to fn. Read errors end
// the scan silently; the process exit status carries the failure.
func scanLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

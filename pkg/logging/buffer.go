package logging

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Entry is one captured log line
type Entry struct {
	Time    time.Time
	Message string
}

// Buffer is a bounded, thread-safe ring of recent log lines.
// It implements io.Writer so it can be passed to SetOutput.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	max     int

	partial bytes.Buffer
}

// NewBuffer creates a buffer keeping the last max lines
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 1000
	}
	return &Buffer{entries: make([]Entry, 0, max), max: max}
}

// Write implements io.Writer. Input is split on newlines; a trailing
// partial line is kept until its newline arrives.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err == io.EOF {
			// put back the incomplete tail
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		line = line[:len(line)-1]
		if line == "" {
			continue
		}
		b.entries = append(b.entries, Entry{Time: time.Now(), Message: line})
		if len(b.entries) > b.max {
			b.entries = b.entries[len(b.entries)-b.max:]
		}
	}
	return len(p), nil
}

// Recent returns up to n of the newest entries, oldest first
func (b *Buffer) Recent(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]Entry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// Len returns the number of buffered entries
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

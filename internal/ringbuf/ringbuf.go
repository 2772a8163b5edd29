// Package ringbuf holds the fixed-capacity line history kept per active
// session. The buffer is volatile; durable output storage is a non-goal.
package ringbuf

import (
	"sync"

	"pilothouse/server/internal/fault"
)

// Buffer is a mutex-guarded circular line buffer. Push past capacity
// evicts the oldest line.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
}

func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fault.Errorf(fault.Validation, "ring capacity must be >= 1, got %d", capacity)
	}
	return &Buffer{lines: make([]string, capacity)}, nil
}

// MustNew is for callers with compile-time-constant capacities.
func MustNew(capacity int) *Buffer {
	b, err := New(capacity)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Buffer) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(line)
}

func (b *Buffer) PushMany(lines []string) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range lines {
		b.push(line)
	}
}

func (b *Buffer) push(line string) {
	if b.size < len(b.lines) {
		b.lines[(b.start+b.size)%len(b.lines)] = line
		b.size++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % len(b.lines)
}

// Last returns the most recent min(k, size) lines in emission order.
func (b *Buffer) Last(k int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k <= 0 || b.size == 0 {
		return nil
	}
	if k > b.size {
		k = b.size
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = b.lines[(b.start+b.size-k+i)%len(b.lines)]
	}
	return out
}

// Lines returns the full contents in emission order.
func (b *Buffer) Lines() []string {
	return b.Last(b.Len())
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.size = 0
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.lines)
}

func (b *Buffer) Empty() bool { return b.Len() == 0 }

func (b *Buffer) Full() bool { return b.Len() == len(b.lines) }

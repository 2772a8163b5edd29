package ringbuf

import (
	"fmt"
	"sync"
	"testing"

	"pilothouse/server/internal/fault"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		if _, err := New(c); !fault.IsKind(err, fault.Validation) {
			t.Fatalf("New(%d) error = %v, want Validation", c, err)
		}
	}
}

func TestPushEvictsOldest(t *testing.T) {
	b := MustNew(3)
	b.PushMany([]string{"a", "b", "c", "d"})

	if got := b.Lines(); len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Fatalf("Lines() = %v, want [b c d]", got)
	}
	if !b.Full() {
		t.Fatal("buffer should be full")
	}
	for _, line := range b.Lines() {
		if line == "a" {
			t.Fatal("evicted line still retrievable")
		}
	}
}

func TestLastReturnsEmissionOrder(t *testing.T) {
	b := MustNew(5)
	for i := 1; i <= 8; i++ {
		b.Push(fmt.Sprintf("line-%d", i))
	}

	got := b.Last(3)
	want := []string{"line-6", "line-7", "line-8"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Last(3) = %v, want %v", got, want)
		}
	}

	if got := b.Last(100); len(got) != 5 {
		t.Fatalf("Last over size returned %d lines, want 5", len(got))
	}
	if got := b.Last(0); got != nil {
		t.Fatalf("Last(0) = %v, want nil", got)
	}
}

func TestCapacityOne(t *testing.T) {
	b := MustNew(1)
	for i := 0; i < 10; i++ {
		b.Push(fmt.Sprintf("v%d", i))
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	if got := b.Last(1); len(got) != 1 || got[0] != "v9" {
		t.Fatalf("Last(1) = %v, want [v9]", got)
	}
}

func TestClear(t *testing.T) {
	b := MustNew(4)
	b.PushMany([]string{"x", "y"})
	b.Clear()
	if !b.Empty() || b.Len() != 0 {
		t.Fatal("buffer should be empty after Clear")
	}
	b.Push("z")
	if got := b.Lines(); len(got) != 1 || got[0] != "z" {
		t.Fatalf("Lines after Clear+Push = %v", got)
	}
}

func TestConcurrentPushAndRead(t *testing.T) {
	b := MustNew(64)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Push(fmt.Sprintf("w%d-%d", w, i))
				_ = b.Last(10)
			}
		}(w)
	}
	wg.Wait()

	if b.Len() != 64 {
		t.Fatalf("Len = %d, want full buffer of 64", b.Len())
	}
	for _, line := range b.Lines() {
		if line == "" {
			t.Fatal("torn read: empty line in buffer")
		}
	}
}

package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := New(NotFound, "session missing")
	wrapped := fmt.Errorf("lookup: %w", base)
	if got := KindOf(wrapped); got != NotFound {
		t.Fatalf("KindOf = %v, want NotFound", got)
	}
	if !IsKind(wrapped, NotFound) {
		t.Fatalf("IsKind(NotFound) = false")
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != Cancelled {
		t.Fatalf("KindOf(context.Canceled) = %v, want Cancelled", got)
	}
	if got := KindOf(fmt.Errorf("op: %w", context.DeadlineExceeded)); got != Timeout {
		t.Fatalf("KindOf(DeadlineExceeded) = %v, want Timeout", got)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(External, "tmux", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestErrorMessageComposition(t *testing.T) {
	err := Wrap(External, "capture failed", errors.New("exit status 1"))
	if err.Error() != "capture failed: exit status 1" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if KindOf(err) != External {
		t.Fatalf("kind = %v, want External", KindOf(err))
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := Errorf(Conflict, "session %s already running", "abc")
	if !errors.Is(err, &Error{Kind: Conflict}) {
		t.Fatalf("errors.Is by kind failed")
	}
	if errors.Is(err, &Error{Kind: NotFound}) {
		t.Fatalf("errors.Is matched wrong kind")
	}
}

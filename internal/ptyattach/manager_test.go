package ptyattach

import (
	"context"
	"testing"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/logging"
	"pilothouse/server/internal/tmux"
)

type fakeTmux struct {
	alive map[string]bool
	dims  tmux.Dimensions
}

func (f *fakeTmux) IsPaneAlive(_ context.Context, paneID string) (bool, error) {
	return f.alive[paneID], nil
}

func (f *fakeTmux) PaneDimensions(_ context.Context, _ string) (tmux.Dimensions, error) {
	return f.dims, nil
}

func (f *fakeTmux) FocusPane(_ context.Context, _ string) error { return nil }

func (f *fakeTmux) CommandArgs(args ...string) []string { return args }

func newTestManager(t *testing.T) (*Manager, *fakeTmux, *events.Bus) {
	t.Helper()
	tm := &fakeTmux{alive: map[string]bool{}, dims: tmux.Dimensions{Cols: 120, Rows: 40}}
	bus := events.NewBus(logging.Nop())
	t.Cleanup(bus.Close)
	return NewManager(tm, bus, logging.Nop()), tm, bus
}

func TestAttachRejectsNonPaneToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Attach(context.Background(), "conn-1", SessionRef{ID: "s1", PaneID: "window:3.1"}, 80, 24)
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("attach to %q = %v, want Validation", "window:3.1", err)
	}
}

func TestAttachRejectsDeadPane(t *testing.T) {
	m, tm, _ := newTestManager(t)
	tm.alive["%5"] = false
	_, err := m.Attach(context.Background(), "conn-1", SessionRef{ID: "s1", PaneID: "%5"}, 80, 24)
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("attach to dead pane = %v, want NotFound", err)
	}
}

func TestAttachRejectsDoubleAttach(t *testing.T) {
	m, tm, _ := newTestManager(t)
	tm.alive["%5"] = true

	// Simulate a connection that already holds its slot.
	m.mu.Lock()
	m.attachments["conn-1"] = &Attachment{ConnID: "conn-1", SessionID: "other", PaneID: "%9"}
	m.mu.Unlock()

	_, err := m.Attach(context.Background(), "conn-1", SessionRef{ID: "s1", PaneID: "%5"}, 80, 24)
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("double attach = %v, want Conflict", err)
	}
}

func TestWriteAndResizeRequireAttachment(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Write("ghost", []byte("ls\n")); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("write unattached = %v, want NotFound", err)
	}
	if err := m.Resize("ghost", 80, 24); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("resize unattached = %v, want NotFound", err)
	}
	if err := m.Detach("ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("detach unattached = %v, want NotFound", err)
	}
}

func TestResizeRejectsNonPositiveGeometry(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Resize("conn-1", 0, 24); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("resize 0x24 = %v, want Validation", err)
	}
	if err := m.Resize("conn-1", 80, -1); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("resize 80x-1 = %v, want Validation", err)
	}
}

func TestDetachEvictsSlot(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.mu.Lock()
	m.attachments["conn-1"] = &Attachment{ConnID: "conn-1", SessionID: "s1", PaneID: "%5"}
	m.mu.Unlock()

	if !m.Attached("conn-1") {
		t.Fatal("conn-1 not reported attached")
	}
	if err := m.Detach("conn-1"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if m.Attached("conn-1") {
		t.Fatal("conn-1 still attached after detach")
	}
}

func TestFailedAttachReleasesSlot(t *testing.T) {
	m, tm, _ := newTestManager(t)
	tm.alive["%5"] = false
	if _, err := m.Attach(context.Background(), "conn-1", SessionRef{ID: "s1", PaneID: "%5"}, 80, 24); err == nil {
		t.Fatal("attach to dead pane succeeded")
	}
	if m.Attached("conn-1") {
		t.Fatal("failed attach left its slot behind")
	}
}

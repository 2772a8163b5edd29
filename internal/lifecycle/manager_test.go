package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pilothouse/server/internal/logging"
)

func TestManager_ContextCancelRunsShutdown(t *testing.T) {
	mgr := NewManager(logging.Nop())
	steps := make([]string, 0, 4)
	var mu sync.Mutex
	appendStep := func(v string) {
		mu.Lock()
		steps = append(steps, v)
		mu.Unlock()
	}

	mgr.AddRun("http", func(ctx context.Context) error {
		<-ctx.Done()
		appendStep("run-http-stopped")
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		appendStep("shutdown-db")
		return nil
	})

	parent, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mgr.StartAndWait(parent)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("StartAndWait should not fail: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(steps, "run-http-stopped") {
		t.Fatalf("missing run stop marker: %#v", steps)
	}
	if !slices.Contains(steps, "shutdown-db") {
		t.Fatalf("missing shutdown marker: %#v", steps)
	}
}

func TestManager_ShutdownUnwindsInReverseAddOrder(t *testing.T) {
	mgr := NewManager(logging.Nop())
	var mu sync.Mutex
	order := make([]string, 0, 3)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	mgr.AddShutdown("store", record("store"))
	mgr.AddShutdown("supervisor", record("supervisor"))
	mgr.AddShutdown("hub", record("hub"))

	if err := mgr.StartAndWait(context.Background()); err != nil {
		t.Fatalf("StartAndWait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"hub", "supervisor", "store"}
	if !slices.Equal(order, want) {
		t.Fatalf("shutdown order = %v, want %v", order, want)
	}
}

func TestManager_RunErrorTriggersShutdown(t *testing.T) {
	mgr := NewManager(logging.Nop())
	runErr := errors.New("boom")
	shutdownCalled := 0

	mgr.AddRun("http", func(context.Context) error {
		return runErr
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		shutdownCalled++
		return nil
	})

	err := mgr.StartAndWait(context.Background())
	if !errors.Is(err, runErr) {
		t.Fatalf("expected run error, got %v", err)
	}
	if shutdownCalled != 1 {
		t.Fatalf("expected shutdown called once, got %d", shutdownCalled)
	}
}

func TestManager_FailedJobsAreLoggedByName(t *testing.T) {
	var buf bytes.Buffer
	mgr := NewManager(logging.NewLogger(logging.Options{Level: "debug", Writer: &buf}))

	mgr.AddRun("poller", func(context.Context) error {
		return errors.New("pane vanished")
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		return errors.New("database locked")
	})

	if err := mgr.StartAndWait(context.Background()); err == nil {
		t.Fatal("expected joined errors")
	}
	out := buf.String()
	if !strings.Contains(out, `"job":"poller"`) || !strings.Contains(out, "pane vanished") {
		t.Fatalf("run job failure not logged with name: %s", out)
	}
	if !strings.Contains(out, `"job":"close-db"`) || !strings.Contains(out, "database locked") {
		t.Fatalf("shutdown job failure not logged with name: %s", out)
	}
}

package main

import (
	"context"
	"sync"
	"testing"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/logging"
)

type fakeWaitWatcher struct {
	mu      sync.Mutex
	watched []string
	removed []string
}

func (f *fakeWaitWatcher) WatchSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, id)
}

func (f *fakeWaitWatcher) UnwatchSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

type fakeTeleWatcher struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeTeleWatcher) Unwatch(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func TestWatchPumpFollowsSessionLifecycle(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	defer bus.Close()
	waits := &fakeWaitWatcher{}
	tele := &fakeTeleWatcher{}
	pump := newWatchPump(waits, tele, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pump.run(ctx)
	}()

	bus.Publish(events.SessionStatus{SessionID: "s1", Previous: "starting", New: "running"})
	waitUntil(t, func() bool {
		waits.mu.Lock()
		defer waits.mu.Unlock()
		return len(waits.watched) == 1 && waits.watched[0] == "s1"
	})

	bus.Publish(events.SessionExit{SessionID: "s1"})
	waitUntil(t, func() bool {
		waits.mu.Lock()
		tele.mu.Lock()
		defer waits.mu.Unlock()
		defer tele.mu.Unlock()
		return len(waits.removed) == 1 && len(tele.removed) == 1
	})

	cancel()
	<-done
}

func TestWatchPumpIgnoresNonRunningTransitions(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	defer bus.Close()
	waits := &fakeWaitWatcher{}
	tele := &fakeTeleWatcher{}
	pump := newWatchPump(waits, tele, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pump.run(ctx) }()

	bus.Publish(events.SessionStatus{SessionID: "s1", Previous: "running", New: "paused"})
	bus.Publish(events.SessionStatus{SessionID: "s2", Previous: "starting", New: "running"})

	waitUntil(t, func() bool {
		waits.mu.Lock()
		defer waits.mu.Unlock()
		return len(waits.watched) == 1 && waits.watched[0] == "s2"
	})
}

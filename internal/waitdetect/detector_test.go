package waitdetect

import (
	"context"
	"testing"
	"time"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/logging"
)

func TestMatchOutput(t *testing.T) {
	cases := []struct {
		name  string
		lines []string
		want  bool
	}{
		{"proceed prompt", []string{"some work", "Do you want to proceed?"}, true},
		{"approval menu", []string{"❯ 1. Yes", "  2. No"}, true},
		{"numbered yes", []string{"1. Yes, continue"}, true},
		{"heuristic question", []string{"What would you like to do next"}, true},
		{"trailing question mark", []string{"working...", "Is this the right file?"}, true},
		{"plain output", []string{"compiling", "done."}, false},
		{"question not last", []string{"was it ok?", "continuing with build"}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		if got := MatchOutput(tc.lines); got != tc.want {
			t.Errorf("%s: MatchOutput = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestShouldEmit(t *testing.T) {
	if !ShouldEmit(Candidate{Waiting: true}, nil) {
		t.Fatal("first waiting candidate must emit")
	}
	if ShouldEmit(Candidate{Waiting: false}, nil) {
		t.Fatal("first not-waiting candidate must not emit")
	}
	emitted := &Candidate{Waiting: true}
	if ShouldEmit(Candidate{Waiting: true, Reason: "other"}, emitted) {
		t.Fatal("same waiting flag must not re-emit")
	}
	if !ShouldEmit(Candidate{Waiting: false}, emitted) {
		t.Fatal("flag change must emit")
	}
}

func TestConfigValidate(t *testing.T) {
	ok := Config{Debounce: 500 * time.Millisecond, ClearDelay: 2 * time.Second, OutputWindow: 30}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := Config{Debounce: 10 * time.Millisecond, ClearDelay: 2 * time.Second, OutputWindow: 30}
	if err := bad.Validate(); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("tiny debounce = %v, want Validation", err)
	}
	inverted := Config{Debounce: time.Second, ClearDelay: 100 * time.Millisecond, OutputWindow: 30}
	if err := inverted.Validate(); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("clear < debounce = %v, want Validation", err)
	}
}

func newTestDetector(t *testing.T) (*Detector, *events.Bus) {
	t.Helper()
	bus := events.NewBus(logging.Nop())
	t.Cleanup(bus.Close)
	d := NewDetector(Config{
		Debounce:     20 * time.Millisecond,
		ClearDelay:   120 * time.Millisecond,
		OutputWindow: 10,
	}, bus, logging.Nop())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, bus
}

func recvWaiting(t *testing.T, c <-chan events.Event) events.SessionWaiting {
	t.Helper()
	select {
	case ev := <-c:
		return ev.(events.SessionWaiting)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for waiting:stateChange")
		return events.SessionWaiting{}
	}
}

func TestOutputPromptProducesWaitingEvent(t *testing.T) {
	d, bus := newTestDetector(t)
	sub := bus.Subscribe("test", 8, events.TopicSessionWaiting)
	d.WatchSession("s1")

	bus.Publish(events.SessionOutput{SessionID: "s1", Lines: []string{"Do you want to proceed?"}})

	ev := recvWaiting(t, sub.C())
	if !ev.Waiting || ev.Reason != ReasonOutputPrompt || ev.DetectedBy != SourceOutput {
		t.Fatalf("event = %+v", ev)
	}

	state, err := d.WaitingState("s1")
	if err != nil {
		t.Fatalf("WaitingState: %v", err)
	}
	if !state.Waiting {
		t.Fatal("WaitingState not updated")
	}
}

func TestDebounceCollapsesFlapping(t *testing.T) {
	d, bus := newTestDetector(t)
	sub := bus.Subscribe("test", 8, events.TopicSessionWaiting)
	d.WatchSession("s1")

	// Several candidates inside one debounce window; only the final slot
	// value may emit, once.
	d.submit("s1", Candidate{Waiting: true, Reason: ReasonOutputPrompt, Source: SourceOutput})
	d.submit("s1", Candidate{Waiting: false, Source: SourceOutput})
	d.submit("s1", Candidate{Waiting: true, Reason: ReasonIdlePrompt, Source: SourceTelemetry})

	ev := recvWaiting(t, sub.C())
	if !ev.Waiting || ev.Reason != ReasonIdlePrompt {
		t.Fatalf("debounced event = %+v", ev)
	}
	select {
	case extra := <-sub.C():
		if extra.(events.SessionWaiting).Waiting {
			t.Fatalf("second waiting=true emission in the same window: %+v", extra)
		}
	case <-time.After(60 * time.Millisecond):
	}
}

func TestClearDelayDemotesStaleWaiting(t *testing.T) {
	d, bus := newTestDetector(t)
	sub := bus.Subscribe("test", 8, events.TopicSessionWaiting)
	d.WatchSession("s1")

	d.submit("s1", Candidate{Waiting: true, Reason: ReasonStopped, Source: SourceHook})
	first := recvWaiting(t, sub.C())
	if !first.Waiting {
		t.Fatalf("first event = %+v", first)
	}

	second := recvWaiting(t, sub.C())
	if second.Waiting || second.DetectedBy != SourceClear {
		t.Fatalf("stale demotion event = %+v", second)
	}
}

func TestHookEvents(t *testing.T) {
	d, bus := newTestDetector(t)
	sub := bus.Subscribe("test", 8, events.TopicSessionWaiting)

	if err := d.HandleHookEvent(HookEvent{}); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("hook without session id = %v, want Validation", err)
	}
	if err := d.HandleHookEvent(HookEvent{SessionID: "s1", Event: "SomethingUnknown"}); err != nil {
		t.Fatalf("unknown hook event = %v, want nil (ignored)", err)
	}

	if err := d.HandleHookEvent(HookEvent{SessionID: "s1", Event: "Notification", Reason: ReasonIdlePrompt}); err != nil {
		t.Fatalf("HandleHookEvent: %v", err)
	}
	ev := recvWaiting(t, sub.C())
	if !ev.Waiting || ev.Reason != ReasonIdlePrompt || ev.DetectedBy != SourceHook {
		t.Fatalf("hook-driven event = %+v", ev)
	}
}

func TestTelemetryCandidates(t *testing.T) {
	d, bus := newTestDetector(t)
	sub := bus.Subscribe("test", 8, events.TopicSessionWaiting)
	d.WatchSession("s1")

	bus.Publish(events.TelemetryState{SessionID: "s1", State: "permission_prompt"})
	ev := recvWaiting(t, sub.C())
	if !ev.Waiting || ev.Reason != ReasonPermissionPrompt || ev.DetectedBy != SourceTelemetry {
		t.Fatalf("telemetry event = %+v", ev)
	}

	bus.Publish(events.TelemetryState{SessionID: "s1", State: "working"})
	cleared := recvWaiting(t, sub.C())
	if cleared.Waiting {
		t.Fatalf("working state should clear waiting: %+v", cleared)
	}
}

func TestUnwatchedSessionIsIgnored(t *testing.T) {
	d, bus := newTestDetector(t)
	sub := bus.Subscribe("test", 8, events.TopicSessionWaiting)

	bus.Publish(events.SessionOutput{SessionID: "ghost", Lines: []string{"Do you want to proceed?"}})
	select {
	case ev := <-sub.C():
		t.Fatalf("event for unwatched session: %+v", ev)
	case <-time.After(80 * time.Millisecond):
	}

	if _, err := d.WaitingState("ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("WaitingState(ghost) = %v, want NotFound", err)
	}
}

// Package waitdetect fuses three signal sources into one debounced
// waiting/not-waiting state per session: pane output patterns, telemetry
// waiting-state transitions, and explicit assistant lifecycle hooks.
// Sources write candidates; a per-session debounce timer decides what to
// emit, and a clear timer demotes stale waiting states.
package waitdetect

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
)

type Config struct {
	Debounce     time.Duration
	ClearDelay   time.Duration
	OutputWindow int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.ClearDelay <= 0 {
		c.ClearDelay = 2 * time.Second
	}
	if c.OutputWindow <= 0 {
		c.OutputWindow = 30
	}
	return c
}

// Validate bounds operator-supplied tunables.
func (c Config) Validate() error {
	if c.Debounce < 50*time.Millisecond || c.Debounce > 10*time.Second {
		return fault.New(fault.Validation, "debounce must be between 50ms and 10s")
	}
	if c.ClearDelay < c.Debounce {
		return fault.New(fault.Validation, "clear delay must be >= debounce")
	}
	if c.OutputWindow < 1 {
		return fault.New(fault.Validation, "output window must be >= 1")
	}
	return nil
}

// Candidate is one source's latest opinion about a session.
type Candidate struct {
	Waiting bool
	Reason  string
	Source  string
	At      time.Time
}

// WaitingState is the externally visible fused state.
type WaitingState struct {
	SessionID string
	Waiting   bool
	Reason    string
	Since     time.Time
}

// HookEvent is the payload pushed by the assistant's lifecycle hook.
type HookEvent struct {
	SessionID      string
	Event          string
	Reason         string
	TranscriptPath string
	At             time.Time
}

// ShouldEmit is the fusion decision: emit when the debounced candidate's
// waiting flag differs from what was last emitted (or nothing has been
// emitted and the candidate says waiting).
func ShouldEmit(slot Candidate, emitted *Candidate) bool {
	if emitted == nil {
		return slot.Waiting
	}
	return slot.Waiting != emitted.Waiting
}

type session struct {
	slot     *Candidate
	emitted  *Candidate
	lines    []string
	lastHash uint64
	debounce *time.Timer
	clear    *time.Timer
}

type Detector struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewDetector(cfg Config, bus *events.Bus, logger *slog.Logger) *Detector {
	return &Detector{
		bus:      bus,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
	}
}

func (d *Detector) WatchSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; !ok {
		d.sessions[sessionID] = &session{}
	}
}

func (d *Detector) UnwatchSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	stopTimer(s.debounce)
	stopTimer(s.clear)
	delete(d.sessions, sessionID)
}

// WaitingState returns the last emitted state for a watched session.
func (d *Detector) WaitingState(sessionID string) (WaitingState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return WaitingState{}, fault.Errorf(fault.NotFound, "session %s is not watched", sessionID)
	}
	state := WaitingState{SessionID: sessionID}
	if s.emitted != nil {
		state.Waiting = s.emitted.Waiting
		state.Reason = s.emitted.Reason
		state.Since = s.emitted.At
	}
	return state, nil
}

func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Detector) UpdateConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// HandleHookEvent ingests an out-of-band lifecycle notification. Unknown
// events are ignored; the session is watched implicitly.
func (d *Detector) HandleHookEvent(ev HookEvent) error {
	if strings.TrimSpace(ev.SessionID) == "" {
		return fault.New(fault.Validation, "hook event requires session id")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var cand Candidate
	switch strings.ToLower(strings.TrimSpace(ev.Event)) {
	case "notification":
		reason := ev.Reason
		if reason != ReasonPermissionPrompt && reason != ReasonIdlePrompt {
			reason = ReasonPermissionPrompt
		}
		cand = Candidate{Waiting: true, Reason: reason, Source: SourceHook, At: at}
	case "stop", "stopped":
		cand = Candidate{Waiting: true, Reason: ReasonStopped, Source: SourceHook, At: at}
	case "sessionstart", "session_start", "userpromptsubmit", "user_prompt_submit":
		cand = Candidate{Waiting: false, Source: SourceHook, At: at}
	default:
		return nil
	}

	d.WatchSession(ev.SessionID)
	d.submit(ev.SessionID, cand)
	return nil
}

// Start subscribes to the output and telemetry topics and pumps them into
// the fusion. Idempotent.
func (d *Detector) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopped = make(chan struct{})

	sub := d.bus.Subscribe("waitdetect", 0, events.TopicSessionOutput, events.TopicTelemetryState)
	go func() {
		defer close(d.stopped)
		defer d.bus.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.SessionOutput:
					d.onOutput(e)
				case events.TelemetryState:
					d.onTelemetry(e)
				}
			}
		}
	}()
	return nil
}

func (d *Detector) Stop() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.stopped
	d.cancel = nil
	d.stopped = nil

	d.mu.Lock()
	for _, s := range d.sessions {
		stopTimer(s.debounce)
		stopTimer(s.clear)
	}
	d.mu.Unlock()
}

// onOutput folds new captured lines into the session's window and matches
// prompt patterns. A window change without a match is a not-waiting
// candidate; an unchanged window is no signal at all.
func (d *Detector) onOutput(ev events.SessionOutput) {
	d.mu.Lock()
	s, ok := d.sessions[ev.SessionID]
	if !ok {
		d.mu.Unlock()
		return
	}
	window := d.cfg.OutputWindow
	s.lines = append(s.lines, ev.Lines...)
	if len(s.lines) > window {
		s.lines = s.lines[len(s.lines)-window:]
	}
	hash := xxhash.Sum64String(strings.Join(s.lines, "\n"))
	changed := hash != s.lastHash
	s.lastHash = hash
	lines := make([]string, len(s.lines))
	copy(lines, s.lines)
	d.mu.Unlock()

	if !changed {
		return
	}
	now := time.Now().UTC()
	if MatchOutput(lines) {
		d.submit(ev.SessionID, Candidate{Waiting: true, Reason: ReasonOutputPrompt, Source: SourceOutput, At: now})
		return
	}
	d.submit(ev.SessionID, Candidate{Waiting: false, Source: SourceOutput, At: now})
}

// onTelemetry maps telemetry waiting states onto candidates.
func (d *Detector) onTelemetry(ev events.TelemetryState) {
	d.mu.Lock()
	_, ok := d.sessions[ev.SessionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch strings.ToLower(ev.State) {
	case "permission_prompt", "awaiting_permission":
		d.submit(ev.SessionID, Candidate{Waiting: true, Reason: ReasonPermissionPrompt, Source: SourceTelemetry, At: at})
	case "idle_prompt", "idle", "awaiting_input":
		d.submit(ev.SessionID, Candidate{Waiting: true, Reason: ReasonIdlePrompt, Source: SourceTelemetry, At: at})
	case "working", "busy", "streaming":
		d.submit(ev.SessionID, Candidate{Waiting: false, Source: SourceTelemetry, At: at})
	}
}

// submit writes the candidate into the session's slot and (re)arms the
// debounce timer. Rapid flapping collapses into whatever the slot holds
// when the timer finally fires.
func (d *Detector) submit(sessionID string, cand Candidate) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return
	}
	s.slot = &cand
	if cand.Waiting && s.clear != nil {
		s.clear.Reset(d.cfg.ClearDelay)
	}
	if s.debounce == nil {
		s.debounce = time.AfterFunc(d.cfg.Debounce, func() { d.fire(sessionID) })
	} else {
		s.debounce.Reset(d.cfg.Debounce)
	}
	d.mu.Unlock()
}

// fire runs when a debounce window closes with no newer candidate.
func (d *Detector) fire(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok || s.slot == nil {
		d.mu.Unlock()
		return
	}
	slot := *s.slot
	if !ShouldEmit(slot, s.emitted) {
		d.mu.Unlock()
		return
	}
	s.emitted = &slot
	if slot.Waiting {
		if s.clear == nil {
			s.clear = time.AfterFunc(d.cfg.ClearDelay, func() { d.clearStale(sessionID) })
		} else {
			s.clear.Reset(d.cfg.ClearDelay)
		}
	} else {
		stopTimer(s.clear)
	}
	d.mu.Unlock()

	d.logger.Debug("waiting state changed",
		"session_id", sessionID, "waiting", slot.Waiting, "reason", slot.Reason, "source", slot.Source)
	d.bus.Publish(events.SessionWaiting{
		SessionID:  sessionID,
		Waiting:    slot.Waiting,
		Reason:     slot.Reason,
		DetectedBy: slot.Source,
	})
}

// clearStale demotes a waiting=true that no source corroborated within
// the clear delay.
func (d *Detector) clearStale(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok || s.emitted == nil || !s.emitted.Waiting {
		d.mu.Unlock()
		return
	}
	cleared := Candidate{Waiting: false, Source: SourceClear, At: time.Now().UTC()}
	s.emitted = &cleared
	s.slot = &cleared
	d.mu.Unlock()

	d.bus.Publish(events.SessionWaiting{
		SessionID:  sessionID,
		Waiting:    false,
		DetectedBy: SourceClear,
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

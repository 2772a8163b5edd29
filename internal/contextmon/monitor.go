// Package contextmon tails the append-only telemetry file the assistant
// writes per session, tracks the remaining-context percentage, and fires
// a threshold event when it crosses the configured bound.
package contextmon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
)

type Sample struct {
	SessionID      string
	ContextPercent float64
	At             time.Time
}

type Options struct {
	ThresholdPercent  float64
	HysteresisPercent float64
	PollInterval      time.Duration
	Debounce          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ThresholdPercent <= 0 {
		o.ThresholdPercent = 20
	}
	if o.HysteresisPercent <= 0 {
		o.HysteresisPercent = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	return o
}

// tracked is the tailer state for one watched session file.
type tracked struct {
	sessionID string
	path      string
	offset    int64
	partial   string

	level        Level
	sample       *Sample
	waitingState string

	dirty  bool
	readAt time.Time
}

type Monitor struct {
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*tracked
	watcher  *fsnotify.Watcher
	dirRefs  map[string]int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewMonitor(opts Options, bus *events.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		opts:     opts.withDefaults(),
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*tracked),
		dirRefs:  make(map[string]int),
	}
}

// Watch registers the session's telemetry file. The file does not need to
// exist yet; reading starts lazily when data appears.
func (m *Monitor) Watch(sessionID, path string) error {
	if strings.TrimSpace(path) == "" {
		return fault.New(fault.Validation, "telemetry path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fault.Wrap(fault.Validation, "bad telemetry path", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		if existing.path == abs {
			return nil
		}
		m.releaseDirLocked(filepath.Dir(existing.path))
	}
	m.sessions[sessionID] = &tracked{sessionID: sessionID, path: abs}
	m.acquireDirLocked(filepath.Dir(abs))
	return nil
}

func (m *Monitor) Unwatch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	m.releaseDirLocked(filepath.Dir(tr.path))
}

func (m *Monitor) IsMonitoring(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Sample returns the latest context reading for the session.
func (m *Monitor) Sample(sessionID string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.sessions[sessionID]
	if !ok || tr.sample == nil {
		return Sample{}, false
	}
	return *tr.sample, true
}

// Start launches the watcher loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degraded mode: the poll ticker still reads every file.
		m.logger.Warn("fsnotify unavailable, falling back to polling", "err", err)
	} else {
		m.mu.Lock()
		m.watcher = watcher
		for dir := range m.dirRefs {
			if addErr := watcher.Add(dir); addErr != nil {
				m.logger.Warn("telemetry dir watch failed", "dir", dir, "err", addErr)
			}
		}
		m.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.loop(runCtx, watcher)
	return nil
}

// Stop terminates the loop and waits for it to quiesce. Idempotent.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.stopped
	m.cancel = nil
	m.stopped = nil
}

func (m *Monitor) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(m.stopped)
	if watcher != nil {
		defer watcher.Close()
	}

	debounce := time.NewTicker(m.opts.Debounce)
	defer debounce.Stop()
	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if watcher != nil {
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.markDirty(ev.Name)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			m.logger.Warn("telemetry watcher error", "err", err)
		case now := <-debounce.C:
			m.readDue(now, false)
		case now := <-poll.C:
			m.readDue(now, true)
		}
	}
}

// markDirty flags sessions whose file changed; the next debounce tick
// reads them. Bursts of writes collapse into one read.
func (m *Monitor) markDirty(changedPath string) {
	abs, err := filepath.Abs(changedPath)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.sessions {
		if tr.path == abs {
			tr.dirty = true
			tr.readAt = time.Now().Add(m.opts.Debounce)
		}
	}
}

// readDue tails every session that is due: dirty ones whose debounce
// window elapsed, or all of them on the poll fallback.
func (m *Monitor) readDue(now time.Time, force bool) {
	m.mu.Lock()
	due := make([]*tracked, 0, len(m.sessions))
	for _, tr := range m.sessions {
		if force || (tr.dirty && !now.Before(tr.readAt)) {
			tr.dirty = false
			due = append(due, tr)
		}
	}
	m.mu.Unlock()

	for _, tr := range due {
		m.readSession(tr, now)
	}
}

// readSession reads bytes past the recorded offset, feeding complete
// lines to the record handler. Truncation resets the tail to the start.
func (m *Monitor) readSession(tr *tracked, now time.Time) {
	info, err := os.Stat(tr.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	if info.Size() < tr.offset {
		tr.offset = 0
		tr.partial = ""
	}
	offset := tr.offset
	m.mu.Unlock()
	if info.Size() == offset {
		return
	}

	f, err := os.Open(tr.path)
	if err != nil {
		m.logger.Warn("telemetry open failed", "session_id", tr.sessionID, "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		m.logger.Warn("telemetry read failed", "session_id", tr.sessionID, "err", err)
		return
	}

	m.mu.Lock()
	tr.offset = offset + int64(len(data))
	text := tr.partial + string(data)
	lines := strings.Split(text, "\n")
	tr.partial = lines[len(lines)-1]
	complete := lines[:len(lines)-1]
	m.mu.Unlock()

	for _, line := range complete {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, ok := ParseRecord(line)
		if !ok {
			m.logger.Debug("skipping unparseable telemetry record", "session_id", tr.sessionID)
			continue
		}
		m.apply(tr, rec, now)
	}
}

// apply folds one record into the session state, publishing threshold and
// waiting-state events as warranted.
func (m *Monitor) apply(tr *tracked, rec Record, now time.Time) {
	at := rec.Timestamp
	if at.IsZero() {
		at = now.UTC()
	}

	var fire *events.ContextThreshold
	var stateChange *events.TelemetryState

	m.mu.Lock()
	if rec.ContextPercent != nil {
		pct := *rec.ContextPercent
		tr.sample = &Sample{SessionID: tr.sessionID, ContextPercent: pct, At: at}
		next, fired := AdvanceLevel(tr.level, pct, m.opts.ThresholdPercent, m.opts.HysteresisPercent)
		tr.level = next
		if fired {
			fire = &events.ContextThreshold{
				SessionID:      tr.sessionID,
				ContextPercent: pct,
				Threshold:      m.opts.ThresholdPercent,
				At:             at,
			}
		}
	} else if tr.level == LevelUnknown {
		tr.level = LevelMeasuring
	}
	if rec.WaitingState != "" && rec.WaitingState != tr.waitingState {
		tr.waitingState = rec.WaitingState
		stateChange = &events.TelemetryState{SessionID: tr.sessionID, State: rec.WaitingState, At: at}
	}
	m.mu.Unlock()

	if stateChange != nil {
		m.bus.Publish(*stateChange)
	}
	if fire != nil {
		m.logger.Info("context threshold crossed",
			"session_id", tr.sessionID, "context_percent", fire.ContextPercent, "threshold", fire.Threshold)
		m.bus.Publish(*fire)
	}
}

func (m *Monitor) acquireDirLocked(dir string) {
	m.dirRefs[dir]++
	if m.dirRefs[dir] == 1 && m.watcher != nil {
		if err := m.watcher.Add(dir); err != nil {
			m.logger.Warn("telemetry dir watch failed", "dir", dir, "err", err)
		}
	}
}

func (m *Monitor) releaseDirLocked(dir string) {
	if m.dirRefs[dir] <= 1 {
		delete(m.dirRefs, dir)
		if m.watcher != nil {
			_ = m.watcher.Remove(dir)
		}
		return
	}
	m.dirRefs[dir]--
}

// Package ptyattach binds websocket connections to real tmux client
// processes running inside a pty. It is the interactive terminal path;
// the polling capture path in the supervisor works without it, so a
// platform without pty support degrades instead of failing.
package ptyattach

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/tmux"
)

const (
	defaultAttachTimeout = 10 * time.Second
	readBufSize          = 4096
)

// Tmux is the adapter slice the manager needs: liveness and geometry
// checks plus the argv prefix addressing the right tmux server.
type Tmux interface {
	IsPaneAlive(ctx context.Context, paneID string) (bool, error)
	PaneDimensions(ctx context.Context, paneID string) (tmux.Dimensions, error)
	FocusPane(ctx context.Context, paneID string) error
	CommandArgs(args ...string) []string
}

// SessionRef identifies the session being attached to.
type SessionRef struct {
	ID     string
	PaneID string
}

// Attachment is one live conn<->pty binding. All mutation goes through
// the manager; the struct itself only guards its own file handle.
type Attachment struct {
	ConnID    string
	SessionID string
	PaneID    string

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	cols   int
	rows   int
	closed bool
}

func (a *Attachment) Dimensions() (cols, rows int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cols, a.rows
}

type Manager struct {
	tmux   Tmux
	bus    *events.Bus
	logger *slog.Logger

	probeOnce sync.Once
	probeErr  error

	mu          sync.Mutex
	attachments map[string]*Attachment

	attachTimeout time.Duration
	wg            sync.WaitGroup
}

func NewManager(tm Tmux, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		tmux:          tm,
		bus:           bus,
		logger:        logger,
		attachments:   make(map[string]*Attachment),
		attachTimeout: defaultAttachTimeout,
	}
}

// probe opens and closes a pty pair once to establish whether the
// platform supports it at all.
func (m *Manager) probe() error {
	m.probeOnce.Do(func() {
		ptmx, tty, err := pty.Open()
		if err != nil {
			m.probeErr = fault.Wrap(fault.External, "pty support unavailable on this platform", err)
			m.logger.Warn("pty probe failed, attach disabled", "err", err)
			return
		}
		_ = tty.Close()
		_ = ptmx.Close()
	})
	return m.probeErr
}

// Attach binds connID to the session's pane through a fresh tmux client
// in a pty. Real pane dimensions win over the client's requested size
// when tmux can report them.
func (m *Manager) Attach(ctx context.Context, connID string, sess SessionRef, cols, rows int) (*Attachment, error) {
	if err := m.probe(); err != nil {
		return nil, err
	}
	if !tmux.ValidPaneID(sess.PaneID) {
		return nil, fault.Errorf(fault.Validation, "pane id %q is not a tmux pane token", sess.PaneID)
	}

	ctx, cancel := context.WithTimeout(ctx, m.attachTimeout)
	defer cancel()

	alive, err := m.tmux.IsPaneAlive(ctx, sess.PaneID)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fault.Errorf(fault.NotFound, "pane %s for session %s is gone", sess.PaneID, sess.ID)
	}

	m.mu.Lock()
	if existing, ok := m.attachments[connID]; ok {
		m.mu.Unlock()
		return nil, fault.Errorf(fault.Conflict, "connection already attached to session %s", existing.SessionID)
	}
	// Reserve the slot before the slow pty work so a concurrent Attach
	// on the same conn fails fast.
	placeholder := &Attachment{ConnID: connID, SessionID: sess.ID, PaneID: sess.PaneID}
	m.attachments[connID] = placeholder
	m.mu.Unlock()

	att, err := m.attach(ctx, placeholder, cols, rows)
	if err != nil {
		m.mu.Lock()
		delete(m.attachments, connID)
		m.mu.Unlock()
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Timeout, "pty attach timed out", err)
		}
		return nil, err
	}
	return att, nil
}

func (m *Manager) attach(ctx context.Context, att *Attachment, cols, rows int) (*Attachment, error) {
	if dims, err := m.tmux.PaneDimensions(ctx, att.PaneID); err == nil && dims.Cols > 0 && dims.Rows > 0 {
		cols, rows = dims.Cols, dims.Rows
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	// Make the pane the active one so the attaching client lands on it.
	if err := m.tmux.FocusPane(ctx, att.PaneID); err != nil {
		m.logger.Warn("pane focus before attach failed", "pane", att.PaneID, "err", err)
	}

	argv := m.tmux.CommandArgs("attach-session", "-t", att.PaneID)
	cmd := exec.Command("tmux", argv...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fault.Wrap(fault.External, "tmux attach client failed to start", err)
	}

	att.mu.Lock()
	att.ptmx = ptmx
	att.cmd = cmd
	att.cols = cols
	att.rows = rows
	att.mu.Unlock()

	m.wg.Add(2)
	go m.readPump(att)
	go m.waitExit(att)

	m.bus.Publish(events.PtyAttached{
		ConnID:    att.ConnID,
		SessionID: att.SessionID,
		Cols:      cols,
		Rows:      rows,
	})
	m.logger.Info("pty attached",
		"conn_id", att.ConnID, "session_id", att.SessionID, "pane", att.PaneID, "cols", cols, "rows", rows)
	return att, nil
}

// readPump streams pty output onto the bus until the client process
// closes its side.
func (m *Manager) readPump(att *Attachment) {
	defer m.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := att.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.bus.Publish(events.PtyData{ConnID: att.ConnID, SessionID: att.SessionID, Data: data})
		}
		if err != nil {
			return
		}
	}
}

// waitExit reaps the attach process and reports how it ended.
func (m *Manager) waitExit(att *Attachment) {
	defer m.wg.Done()
	err := att.cmd.Wait()

	ev := events.PtyExit{ConnID: att.ConnID, SessionID: att.SessionID}
	if state := att.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ev.Signal = ws.Signal().String()
		} else {
			code := state.ExitCode()
			ev.ExitCode = &code
		}
	} else if err != nil {
		m.logger.Warn("attach process wait failed", "conn_id", att.ConnID, "err", err)
	}

	m.evict(att.ConnID)
	m.bus.Publish(ev)
	m.logger.Info("pty detached", "conn_id", att.ConnID, "session_id", att.SessionID)
}

// Write forwards raw client bytes into the pty.
func (m *Manager) Write(connID string, data []byte) error {
	att, err := m.lookup(connID)
	if err != nil {
		return err
	}
	att.mu.Lock()
	defer att.mu.Unlock()
	if att.closed || att.ptmx == nil {
		return fault.Errorf(fault.NotFound, "connection %s is not attached", connID)
	}
	if _, err := att.ptmx.Write(data); err != nil {
		return fault.Wrap(fault.TransientIO, "pty write failed", err)
	}
	return nil
}

// Resize applies the client's new geometry to the pty.
func (m *Manager) Resize(connID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fault.Errorf(fault.Validation, "resize to %dx%d rejected", cols, rows)
	}
	att, err := m.lookup(connID)
	if err != nil {
		return err
	}
	att.mu.Lock()
	defer att.mu.Unlock()
	if att.closed || att.ptmx == nil {
		return fault.Errorf(fault.NotFound, "connection %s is not attached", connID)
	}
	if err := pty.Setsize(att.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fault.Wrap(fault.TransientIO, "pty resize failed", err)
	}
	att.cols = cols
	att.rows = rows
	return nil
}

// Detach tears the binding down from the server side. The exit event
// still flows through the waiter.
func (m *Manager) Detach(connID string) error {
	att, err := m.lookup(connID)
	if err != nil {
		return err
	}
	m.close(att)
	m.evict(connID)
	return nil
}

// DetachAll kills every live attachment. Used on shutdown.
func (m *Manager) DetachAll() {
	m.mu.Lock()
	atts := make([]*Attachment, 0, len(m.attachments))
	for _, att := range m.attachments {
		atts = append(atts, att)
	}
	m.attachments = make(map[string]*Attachment)
	m.mu.Unlock()

	for _, att := range atts {
		m.close(att)
	}
	m.wg.Wait()
}

// Attached reports whether connID currently holds a pty.
func (m *Manager) Attached(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attachments[connID]
	return ok
}

func (m *Manager) lookup(connID string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attachments[connID]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "connection %s is not attached", connID)
	}
	return att, nil
}

func (m *Manager) evict(connID string) {
	m.mu.Lock()
	delete(m.attachments, connID)
	m.mu.Unlock()
}

func (m *Manager) close(att *Attachment) {
	att.mu.Lock()
	defer att.mu.Unlock()
	if att.closed {
		return
	}
	att.closed = true
	if att.cmd != nil && att.cmd.Process != nil {
		_ = att.cmd.Process.Kill()
	}
	if att.ptmx != nil {
		_ = att.ptmx.Close()
	}
}

// Package handoff rolls a ticket session onto a fresh successor when its
// context window runs low: export state to the handoff file, stop the
// source, spawn a replacement, import, continue.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pilothouse/server/internal/config"
	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/store"
)

const defaultHandoffFile = "HANDOFF.md"

// Phases in execution order. Progress events carry these verbatim.
const (
	PhaseExporting   = "exporting"
	PhaseWaitingFile = "waiting_file"
	PhaseSpawning    = "spawning"
	PhaseImporting   = "importing"
)

// Sessions is the supervisor slice the orchestrator drives.
type Sessions interface {
	StopSession(ctx context.Context, sessionID string, force bool) error
	StartSuccessor(ctx context.Context, fromSession store.Session) (store.Session, error)
}

// Typist delivers slash commands straight to a pane, bypassing the
// supervisor's running-state gate: the source session is mid-shutdown
// and the successor may still be booting when we type at them.
type Typist interface {
	SendText(ctx context.Context, paneID, text string) error
}

// Store is the persistence slice the orchestrator needs.
type Store interface {
	SessionByID(ctx context.Context, id string) (store.Session, error)
	ProjectByID(ctx context.Context, id string) (store.Project, error)
	TicketByID(ctx context.Context, id string) (store.Ticket, error)
	MarkSessionExited(ctx context.Context, id string, status store.SessionStatus, endedAt time.Time) error
	RecordHandoff(ctx context.Context, ev *store.HandoffEvent, note *store.Notification) error
}

// run is one in-flight handoff, advanced by a single goroutine.
type run struct {
	fromID    string
	ticketID  string
	percent   float64
	startedAt time.Time
	cancel    context.CancelFunc
}

type Orchestrator struct {
	cfg    config.HandoffConfig
	repo   Store
	sess   Sessions
	typist Typist
	bus    *events.Bus
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
	sub  *events.Subscription
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(cfg config.HandoffConfig, repo Store, sess Sessions, typist Typist, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    withDefaults(cfg),
		repo:   repo,
		sess:   sess,
		typist: typist,
		bus:    bus,
		logger: logger,
		runs:   make(map[string]*run),
	}
}

func withDefaults(c config.HandoffConfig) config.HandoffConfig {
	if c.TotalTimeoutS <= 0 {
		c.TotalTimeoutS = 60
	}
	if c.ExportTimeoutS <= 0 {
		c.ExportTimeoutS = 5
	}
	if c.ExportDelayMS <= 0 {
		c.ExportDelayMS = 2000
	}
	if c.MtimeTimeoutS <= 0 {
		c.MtimeTimeoutS = 30
	}
	if c.MtimePollMS <= 0 {
		c.MtimePollMS = 1000
	}
	if c.ImportTimeoutS <= 0 {
		c.ImportTimeoutS = 15
	}
	if c.ImportDelayMS <= 0 {
		c.ImportDelayMS = 3000
	}
	if strings.TrimSpace(c.ExportCommand) == "" {
		c.ExportCommand = "/exportHandoff"
	}
	if strings.TrimSpace(c.ImportCommand) == "" {
		c.ImportCommand = "/importHandoff"
	}
	return c
}

// Start subscribes to context threshold events. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.sub != nil {
		o.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.stop = cancel
	o.sub = o.bus.Subscribe("handoff", 16, events.TopicContextThreshold)
	sub := o.sub
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				threshold, isThreshold := ev.(events.ContextThreshold)
				if !isThreshold {
					continue
				}
				if err := o.Trigger(runCtx, threshold.SessionID, threshold.ContextPercent); err != nil {
					o.logger.Warn("handoff not started",
						"session_id", threshold.SessionID, "err", err)
				}
			}
		}
	}()
}

// Stop unsubscribes and waits for in-flight runs to wind down.
// Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	sub := o.sub
	cancel := o.stop
	o.sub = nil
	o.stop = nil
	for _, r := range o.runs {
		r.cancel()
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		o.bus.Unsubscribe(sub)
	}
	o.wg.Wait()
}

// Trigger begins a handoff for the session. Ad-hoc sessions are skipped
// silently; a session already handing off reports Conflict.
func (o *Orchestrator) Trigger(ctx context.Context, sessionID string, contextPercent float64) error {
	sess, err := o.repo.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Type != store.SessionTicket || sess.TicketID == nil {
		o.logger.Debug("handoff skipped for ad-hoc session", "session_id", sessionID)
		return nil
	}

	o.mu.Lock()
	if _, inFlight := o.runs[sessionID]; inFlight {
		o.mu.Unlock()
		return fault.Errorf(fault.Conflict, "handoff already in progress for session %s", sessionID)
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TotalTimeout())
	r := &run{
		fromID:    sessionID,
		ticketID:  *sess.TicketID,
		percent:   contextPercent,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	o.runs[sessionID] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.runs, sessionID)
			o.mu.Unlock()
		}()
		o.execute(runCtx, r, sess)
	}()
	return nil
}

// Cancel aborts the in-flight run for the session, if any. Completed
// steps are not rolled back.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return fault.Errorf(fault.NotFound, "no handoff in progress for session %s", sessionID)
	}
	r.cancel()
	return nil
}

// InFlight reports whether the session currently has a handoff running.
func (o *Orchestrator) InFlight(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[sessionID]
	return ok
}

func (o *Orchestrator) execute(ctx context.Context, r *run, source store.Session) {
	project, err := o.repo.ProjectByID(ctx, source.ProjectID)
	if err != nil {
		o.fail(r, nil, err)
		return
	}
	ticket, err := o.repo.TicketByID(ctx, r.ticketID)
	if err != nil {
		o.fail(r, nil, err)
		return
	}

	handoffPath := project.HandoffPath
	if strings.TrimSpace(handoffPath) == "" {
		handoffPath = defaultHandoffFile
	}
	handoffFile := filepath.Join(project.RepoPath, handoffPath)
	baseline, baselineExists := statMtime(handoffFile)

	o.bus.Publish(events.HandoffStarted{
		FromSessionID:    r.fromID,
		TicketID:         ticket.ID,
		ContextAtHandoff: r.percent,
	})
	o.logger.Info("handoff started",
		"session_id", r.fromID, "ticket_id", ticket.ID, "context_percent", r.percent)

	// Export: ask the source session to write its handoff file.
	o.progress(r, PhaseExporting)
	exportCtx, cancelExport := context.WithTimeout(ctx, o.cfg.ExportTimeout())
	err = o.typist.SendText(exportCtx, source.PaneID, o.cfg.ExportCommand)
	cancelExport()
	if err != nil {
		o.fail(r, nil, fault.Wrap(fault.External, "export command delivery failed", err))
		return
	}
	if err := sleep(ctx, o.cfg.ExportDelay()); err != nil {
		o.fail(r, nil, err)
		return
	}

	// Wait for the file's mtime to strictly advance (or appear).
	o.progress(r, PhaseWaitingFile)
	if err := o.awaitFile(ctx, handoffFile, baseline, baselineExists); err != nil {
		o.fail(r, nil, err)
		return
	}

	// Retire the source before the successor imports.
	if err := o.sess.StopSession(ctx, r.fromID, false); err != nil && !fault.IsKind(err, fault.NotFound) {
		o.fail(r, nil, fault.Wrap(fault.External, "source session stop failed", err))
		return
	}

	o.progress(r, PhaseSpawning)
	successor, err := o.sess.StartSuccessor(ctx, source)
	if err != nil {
		o.fail(r, nil, fault.Wrap(fault.External, "successor spawn failed", err))
		return
	}

	o.progress(r, PhaseImporting)
	if err := sleep(ctx, o.cfg.ImportDelay()); err != nil {
		o.fail(r, &successor, err)
		return
	}
	importCtx, cancelImport := context.WithTimeout(ctx, o.cfg.ImportTimeout())
	err = o.typist.SendText(importCtx, successor.PaneID, o.cfg.ImportCommand)
	if err == nil {
		err = o.typist.SendText(importCtx, successor.PaneID, continuationPrompt(ticket))
	}
	cancelImport()
	if err != nil {
		o.fail(r, &successor, fault.Wrap(fault.External, "import command delivery failed", err))
		return
	}

	record := store.HandoffEvent{
		FromSessionID:    r.fromID,
		ToSessionID:      successor.ID,
		ContextAtHandoff: r.percent,
	}
	note := store.Notification{
		Kind:      store.NoteHandoffComplete,
		Title:     "Session handed off",
		Body:      fmt.Sprintf("Ticket %s continued in a fresh session.", ticketLabel(ticket)),
		SessionID: &record.ToSessionID,
		TicketID:  &ticket.ID,
	}
	if err := o.repo.RecordHandoff(context.WithoutCancel(ctx), &record, &note); err != nil {
		o.fail(r, &successor, err)
		return
	}

	o.bus.Publish(events.HandoffCompleted{
		FromSessionID: r.fromID,
		ToSessionID:   successor.ID,
		TicketID:      ticket.ID,
	})
	o.logger.Info("handoff completed",
		"from_session", r.fromID, "to_session", successor.ID, "ticket_id", ticket.ID,
		"elapsed_ms", time.Since(r.startedAt).Milliseconds())
}

// awaitFile polls until the handoff file's mtime strictly advances past
// the baseline, or the file appears where none existed.
func (o *Orchestrator) awaitFile(ctx context.Context, path string, baseline time.Time, existed bool) error {
	deadline := time.Now().Add(o.cfg.MtimeTimeout())
	ticker := time.NewTicker(o.cfg.MtimePoll())
	defer ticker.Stop()
	for {
		mtime, exists := statMtime(path)
		if exists && (!existed || mtime.After(baseline)) {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.Errorf(fault.Timeout, "handoff file %s was not refreshed in time", path)
		}
		select {
		case <-ctx.Done():
			return ctxFault(ctx)
		case <-ticker.C:
		}
	}
}

// fail reports the run's demise and marks an already-created successor
// as errored so it does not linger as a phantom alive session.
func (o *Orchestrator) fail(r *run, successor *store.Session, err error) {
	kind := fault.KindOf(err)
	reason := err.Error()
	if kind == fault.Cancelled {
		reason = "cancelled"
	}
	o.logger.Warn("handoff failed", "session_id", r.fromID, "reason", reason, "kind", kind.String())

	if successor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if markErr := o.repo.MarkSessionExited(ctx, successor.ID, store.StatusError, time.Now().UTC()); markErr != nil {
			o.logger.Warn("successor error-mark failed", "session_id", successor.ID, "err", markErr)
		}
		cancel()
	}
	o.bus.Publish(events.HandoffFailed{SessionID: r.fromID, Reason: reason, Kind: kind.String()})
}

func (o *Orchestrator) progress(r *run, phase string) {
	o.bus.Publish(events.HandoffProgress{
		SessionID: r.fromID,
		Phase:     phase,
		ElapsedMS: time.Since(r.startedAt).Milliseconds(),
	})
}

func continuationPrompt(t store.Ticket) string {
	return fmt.Sprintf("Continue working on ticket %s using the imported handoff context.", ticketLabel(t))
}

func ticketLabel(t store.Ticket) string {
	if t.ExternalID != nil && strings.TrimSpace(*t.ExternalID) != "" {
		return *t.ExternalID
	}
	if t.DisplayID != "" {
		return t.DisplayID
	}
	return t.ID
}

func statMtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctxFault(ctx)
	case <-timer.C:
		return nil
	}
}

// ctxFault classifies a done context: a deadline hit is a Timeout, an
// explicit cancel is Cancelled. The distinction surfaces in the
// handoff:failed reason.
func ctxFault(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, "handoff timed out", ctx.Err())
	}
	return fault.Wrap(fault.Cancelled, "handoff cancelled", ctx.Err())
}

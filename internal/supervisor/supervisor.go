// Package supervisor owns the lifecycle of assistant sessions: it spawns
// their tmux panes, keeps the volatile registry of active sessions, polls
// pane output into per-session ring buffers, and publishes session events
// on the bus.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pilothouse/server/internal/contextmon"
	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/ringbuf"
	"pilothouse/server/internal/store"
	"pilothouse/server/internal/ticketflow"
	"pilothouse/server/internal/tmux"
)

// Adapter is the tmux slice the supervisor drives.
type Adapter interface {
	CreatePane(ctx context.Context, session string, spec tmux.PaneSpec) (string, error)
	KillPane(ctx context.Context, paneID string) error
	IsPaneAlive(ctx context.Context, paneID string) (bool, error)
	CapturePane(ctx context.Context, paneID string, opts tmux.CaptureOpts) (string, error)
	SendText(ctx context.Context, paneID, text string) error
	SendInterrupt(ctx context.Context, paneID string) error
	SendEOF(ctx context.Context, paneID string) error
}

// Store is the persistence slice the supervisor needs.
type Store interface {
	ProjectByID(ctx context.Context, id string) (store.Project, error)
	TicketByID(ctx context.Context, id string) (store.Ticket, error)
	CreateSession(ctx context.Context, s *store.Session) error
	SessionByID(ctx context.Context, id string) (store.Session, error)
	UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (store.Session, error)
	MarkSessionExited(ctx context.Context, id string, status store.SessionStatus, endedAt time.Time) error
	ListAliveSessions(ctx context.Context) ([]store.Session, error)
}

// TicketStarter drives the backlog -> in_progress transition when a
// ticket session starts. The concrete implementation is the ticketflow
// machine; the indirection breaks the machine<->supervisor cycle.
type TicketStarter interface {
	Transition(ctx context.Context, req ticketflow.Request) (store.Ticket, error)
}

// ContextSource supplies the latest context reading so status events can
// carry it. Optional.
type ContextSource interface {
	Sample(sessionID string) (contextmon.Sample, bool)
}

type Config struct {
	PollInterval     time.Duration
	RingCapacity     int
	ResetWindow      int
	StopGrace        time.Duration
	AssistantCommand string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 1000
	}
	if c.ResetWindow <= 0 {
		c.ResetWindow = 100
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if strings.TrimSpace(c.AssistantCommand) == "" {
		c.AssistantCommand = "claude"
	}
	return c
}

type StartSpec struct {
	ProjectID     string
	InitialPrompt string
	Cwd           string
}

type TicketSpec struct {
	ProjectID     string
	TicketID      string
	InitialPrompt string
	Cwd           string
}

// active is one registered session: its latest persisted snapshot plus
// the volatile poll state. Only the session's poll goroutine mutates the
// capture fields.
type active struct {
	mu            sync.Mutex
	session       store.Session
	ring          *ringbuf.Buffer
	cancel        context.CancelFunc
	prevLines     []string
	pendingPrompt string
	lastInputAt   time.Time
}

type Supervisor struct {
	cfg     Config
	adapter Adapter
	store   Store
	bus     *events.Bus
	logger  *slog.Logger

	tickets TicketStarter
	ctxSrc  ContextSource

	mu     sync.RWMutex
	reg    map[string]*active
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, adapter Adapter, st Store, bus *events.Bus, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		adapter: adapter,
		store:   st,
		bus:     bus,
		logger:  logger,
		reg:     make(map[string]*active),
	}
}

// AttachTicketFlow wires the ticket machine in after construction; the
// machine itself is built with this supervisor as its session stopper.
func (s *Supervisor) AttachTicketFlow(tf TicketStarter) { s.tickets = tf }

// AttachContextSource wires the context monitor's sample lookup.
func (s *Supervisor) AttachContextSource(src ContextSource) { s.ctxSrc = src }

// Start reconciles persisted sessions against reality and begins polling
// the live ones. Idempotent; a second call is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	s.stop = cancel
	s.mu.Unlock()

	persisted, err := s.store.ListAliveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range persisted {
		alive, aliveErr := s.adapter.IsPaneAlive(ctx, sess.PaneID)
		if aliveErr != nil {
			s.logger.Warn("reconciliation liveness check failed",
				"session_id", sess.ID, "pane", sess.PaneID, "err", aliveErr)
			continue
		}
		if alive {
			s.logger.Info("re-registered surviving session", "session_id", sess.ID, "pane", sess.PaneID)
			s.register(sess, "")
			continue
		}
		status := store.StatusCompleted
		if sess.Status == store.StatusStarting {
			// Never reached running; the pane died before the assistant
			// came up.
			status = store.StatusError
		}
		if markErr := s.store.MarkSessionExited(ctx, sess.ID, status, time.Now().UTC()); markErr != nil {
			s.logger.Warn("reconciliation mark-exited failed", "session_id", sess.ID, "err", markErr)
		} else {
			s.logger.Info("reconciled dead session", "session_id", sess.ID, "status", string(status))
		}
	}
	return nil
}

// Stop cancels every poll loop and waits for them to quiesce.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return nil
	}
	s.stop()
	s.runCtx = nil
	s.stop = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, "supervisor children did not quiesce", ctx.Err())
	}
}

// StartSession spawns an ad-hoc session in the project's tmux session.
func (s *Supervisor) StartSession(ctx context.Context, spec StartSpec) (store.Session, error) {
	project, err := s.store.ProjectByID(ctx, spec.ProjectID)
	if err != nil {
		return store.Session{}, err
	}
	return s.launch(ctx, project, nil, store.SessionAdhoc, spec.InitialPrompt, spec.Cwd, nil)
}

// StartTicketSession spawns the session bound to a ticket, enforcing the
// one-active invariant and driving backlog -> in_progress on success.
func (s *Supervisor) StartTicketSession(ctx context.Context, spec TicketSpec) (store.Session, error) {
	project, err := s.store.ProjectByID(ctx, spec.ProjectID)
	if err != nil {
		return store.Session{}, err
	}
	ticket, err := s.store.TicketByID(ctx, spec.TicketID)
	if err != nil {
		return store.Session{}, err
	}
	if ticket.ProjectID != project.ID {
		return store.Session{}, fault.Errorf(fault.Validation, "ticket %s does not belong to project %s", ticket.ID, project.ID)
	}

	sess, err := s.launch(ctx, project, &ticket, store.SessionTicket, spec.InitialPrompt, spec.Cwd, nil)
	if err != nil {
		return store.Session{}, err
	}

	if s.tickets != nil && ticket.State == store.TicketBacklog {
		if _, tErr := s.tickets.Transition(ctx, ticketflow.Request{
			TicketID: ticket.ID,
			To:       store.TicketInProgress,
			Trigger:  store.TriggerAuto,
			Reason:   store.ReasonSessionStarted,
		}); tErr != nil {
			s.logger.Warn("ticket start transition failed", "ticket_id", ticket.ID, "err", tErr)
		}
	}
	return sess, nil
}

// launch creates the pane, persists the session record, and registers the
// poll loop. parentID is set by handoff-created successors.
func (s *Supervisor) launch(ctx context.Context, project store.Project, ticket *store.Ticket, kind store.SessionType, prompt, cwd string, parentID *string) (store.Session, error) {
	s.mu.RLock()
	running := s.runCtx != nil
	s.mu.RUnlock()
	if !running {
		return store.Session{}, fault.New(fault.Invariant, "supervisor is not started")
	}

	if strings.TrimSpace(cwd) == "" {
		cwd = project.RepoPath
	}
	paneID, err := s.adapter.CreatePane(ctx, project.TmuxSession, tmux.PaneSpec{
		Window:         project.TmuxWindow,
		Cwd:            cwd,
		InitialCommand: s.cfg.AssistantCommand,
	})
	if err != nil {
		return store.Session{}, fault.Wrap(fault.External, "session pane creation failed", err)
	}

	sess := store.Session{
		ProjectID: project.ID,
		Type:      kind,
		Status:    store.StatusStarting,
		PaneID:    paneID,
		ParentID:  parentID,
	}
	if ticket != nil {
		sess.TicketID = &ticket.ID
	}
	if err := s.store.CreateSession(ctx, &sess); err != nil {
		if killErr := s.adapter.KillPane(ctx, paneID); killErr != nil {
			s.logger.Warn("orphan pane cleanup failed", "pane", paneID, "err", killErr)
		}
		return store.Session{}, err
	}

	s.register(sess, prompt)
	s.logger.Info("session started",
		"session_id", sess.ID, "project_id", project.ID, "pane", paneID, "type", string(kind))
	return sess, nil
}

// StartSuccessor creates the replacement session for a handoff: same
// project steered by the same ticket, parented to the source session.
func (s *Supervisor) StartSuccessor(ctx context.Context, fromSession store.Session) (store.Session, error) {
	project, err := s.store.ProjectByID(ctx, fromSession.ProjectID)
	if err != nil {
		return store.Session{}, err
	}
	var ticket *store.Ticket
	if fromSession.TicketID != nil {
		t, tErr := s.store.TicketByID(ctx, *fromSession.TicketID)
		if tErr != nil {
			return store.Session{}, tErr
		}
		ticket = &t
	}
	parent := fromSession.ID
	return s.launch(ctx, project, ticket, store.SessionTicket, "", "", &parent)
}

// StopSession shuts a session down. Graceful: interrupt, a grace period,
// EOF, then kill if the pane is still alive. force skips straight to the
// kill. Either way the session ends as completed.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string, force bool) error {
	a, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.session.Status
	paneID := a.session.PaneID
	a.mu.Unlock()

	if force {
		if err := s.adapter.KillPane(ctx, paneID); err != nil && !fault.IsKind(err, fault.NotFound) {
			s.logger.Warn("force kill failed", "session_id", sessionID, "err", err)
		}
	} else {
		if err := s.adapter.SendInterrupt(ctx, paneID); err != nil {
			s.logger.Warn("interrupt failed", "session_id", sessionID, "err", err)
		}
		select {
		case <-time.After(s.cfg.StopGrace):
		case <-ctx.Done():
			return fault.Wrap(fault.Cancelled, "stop cancelled", ctx.Err())
		}
		if err := s.adapter.SendEOF(ctx, paneID); err != nil {
			s.logger.Warn("eof failed", "session_id", sessionID, "err", err)
		}
		if alive, _ := s.adapter.IsPaneAlive(ctx, paneID); alive {
			if err := s.adapter.KillPane(ctx, paneID); err != nil {
				s.logger.Warn("kill after grace failed", "session_id", sessionID, "err", err)
			}
		}
	}

	s.finish(ctx, a, prev, store.StatusCompleted)
	return nil
}

// SendInput types text into the session's pane followed by a submit key.
// Calls are forwarded one-to-one, never coalesced.
func (s *Supervisor) SendInput(ctx context.Context, sessionID, text string) error {
	a, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	status := a.session.Status
	paneID := a.session.PaneID
	a.mu.Unlock()

	if status != store.StatusRunning && status != store.StatusPaused {
		return fault.Errorf(fault.Invariant, "session %s is %s, not accepting input", sessionID, status)
	}
	if err := s.adapter.SendText(ctx, paneID, text); err != nil {
		return fault.Wrap(fault.External, "input delivery failed", err)
	}
	a.mu.Lock()
	a.lastInputAt = time.Now()
	a.mu.Unlock()
	return nil
}

// Output returns the last n buffered lines for the session.
func (s *Supervisor) Output(sessionID string, n int) ([]string, error) {
	a, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return a.ring.Last(n), nil
}

// ActiveSession returns the registry snapshot for the session.
func (s *Supervisor) ActiveSession(sessionID string) (store.Session, error) {
	a, err := s.lookup(sessionID)
	if err != nil {
		return store.Session{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, nil
}

// ListActive returns every registered session, optionally filtered by
// project.
func (s *Supervisor) ListActive(projectID string) []store.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Session, 0, len(s.reg))
	for _, a := range s.reg {
		a.mu.Lock()
		sess := a.session
		a.mu.Unlock()
		if projectID == "" || sess.ProjectID == projectID {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Supervisor) lookup(sessionID string) (*active, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.reg[sessionID]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "session %s is not active", sessionID)
	}
	return a, nil
}

func (s *Supervisor) register(sess store.Session, prompt string) {
	pollCtx, cancel := context.WithCancel(s.runCtx)
	a := &active{
		session:       sess,
		ring:          ringbuf.MustNew(s.cfg.RingCapacity),
		cancel:        cancel,
		pendingPrompt: prompt,
	}
	s.mu.Lock()
	s.reg[sess.ID] = a
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(pollCtx, a)
	}()
}

// finish marks the session exited, publishes the status change, and
// evicts it from the registry.
func (s *Supervisor) finish(ctx context.Context, a *active, prev, status store.SessionStatus) {
	a.mu.Lock()
	id := a.session.ID
	a.session.Status = status
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	s.mu.Lock()
	delete(s.reg, id)
	s.mu.Unlock()

	if err := s.store.MarkSessionExited(ctx, id, status, time.Now().UTC()); err != nil && !fault.IsKind(err, fault.NotFound) {
		s.logger.Warn("mark-exited failed", "session_id", id, "err", err)
	}
	s.publishStatus(id, prev, status)
	s.logger.Info("session finished", "session_id", id, "status", string(status))
}

func (s *Supervisor) publishStatus(sessionID string, prev, next store.SessionStatus) {
	ev := events.SessionStatus{
		SessionID: sessionID,
		Previous:  string(prev),
		New:       string(next),
	}
	if s.ctxSrc != nil {
		if sample, ok := s.ctxSrc.Sample(sessionID); ok {
			pct := sample.ContextPercent
			ev.ContextPercent = &pct
		}
	}
	s.bus.Publish(ev)
}

// Package ticketflow drives the per-ticket workflow state machine. Every
// transition is validated against a fixed table, serialized per ticket,
// and committed atomically with its history row.
package ticketflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/store"
)

// Store is the persistence slice the machine needs.
type Store interface {
	TicketByID(ctx context.Context, id string) (store.Ticket, error)
	TransitionTicketState(ctx context.Context, ticketID string, from, to store.TicketState, entry store.TicketStateHistory, patch store.TicketPatch) error
	HistoryByTicket(ctx context.Context, ticketID string) ([]store.TicketStateHistory, error)
	FindActiveSession(ctx context.Context, projectID, ticketID string) (store.Session, error)
}

// SessionStopper lets approval shut down the ticket's running session
// without the machine holding a supervisor reference.
type SessionStopper interface {
	StopSession(ctx context.Context, sessionID string, force bool) error
}

type Request struct {
	TicketID    string
	To          store.TicketState
	Trigger     store.Trigger
	Reason      string
	Feedback    string
	TriggeredBy string
}

type Machine struct {
	store   Store
	stopper SessionStopper
	bus     *events.Bus
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine(st Store, stopper SessionStopper, bus *events.Bus, logger *slog.Logger) *Machine {
	return &Machine{
		store:   st,
		stopper: stopper,
		bus:     bus,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// FormatRejectionFeedback is the exact prompt text written back onto the
// ticket when a review is rejected. The raw feedback goes to history
// untouched.
func FormatRejectionFeedback(raw string) string {
	return "[REVIEW FEEDBACK]\n\"" + raw + "\"\nPlease address this."
}

// validate checks the (from, to, trigger, reason) tuple against the
// transition table. Feedback presence is part of the rejection guard.
func validate(from, to store.TicketState, trigger store.Trigger, reason, feedback string) error {
	switch {
	case from == store.TicketBacklog && to == store.TicketInProgress:
		if trigger == store.TriggerAuto && reason == store.ReasonSessionStarted {
			return nil
		}
	case from == store.TicketInProgress && to == store.TicketReview:
		if trigger == store.TriggerAuto && reason == store.ReasonCompletionDetected {
			return nil
		}
		if trigger == store.TriggerReviewer && reason == store.ReasonCompletion {
			return nil
		}
	case from == store.TicketReview && to == store.TicketDone:
		if trigger == store.TriggerManual && reason == store.ReasonUserApproved {
			return nil
		}
		if trigger == store.TriggerReviewer && reason == store.ReasonReviewerApproved {
			return nil
		}
	case from == store.TicketReview && to == store.TicketInProgress:
		ok := (trigger == store.TriggerManual && reason == store.ReasonUserRejected) ||
			(trigger == store.TriggerReviewer && reason == store.ReasonReviewerRejected)
		if ok {
			if strings.TrimSpace(feedback) == "" {
				return fault.New(fault.Invariant, "rejection requires feedback")
			}
			return nil
		}
	}
	return fault.Errorf(fault.Invariant, "invalid transition %s -> %s (%s/%s)", from, to, trigger, reason)
}

// Transition applies one guarded state change. The ticket row and its
// history entry commit in the same transaction; either both land or
// neither.
func (m *Machine) Transition(ctx context.Context, req Request) (store.Ticket, error) {
	lock := m.ticketLock(req.TicketID)
	lock.Lock()
	defer lock.Unlock()

	ticket, err := m.store.TicketByID(ctx, req.TicketID)
	if err != nil {
		return store.Ticket{}, err
	}
	from := ticket.State
	if err := validate(from, req.To, req.Trigger, req.Reason, req.Feedback); err != nil {
		return store.Ticket{}, err
	}

	now := time.Now().UTC()
	patch := store.TicketPatch{}
	if req.To == store.TicketInProgress && ticket.StartedAt == nil {
		patch.StartedAt = &now
	}
	if req.To == store.TicketDone {
		patch.CompletedAt = &now
	}
	if from == store.TicketReview && req.To == store.TicketInProgress {
		formatted := FormatRejectionFeedback(req.Feedback)
		patch.RejectionFeedback = &formatted
	}

	entry := store.TicketStateHistory{
		Trigger:     req.Trigger,
		Reason:      req.Reason,
		Feedback:    req.Feedback,
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   now,
	}
	if err := m.store.TransitionTicketState(ctx, req.TicketID, from, req.To, entry, patch); err != nil {
		return store.Ticket{}, err
	}

	m.bus.Publish(events.TicketState{
		TicketID:    req.TicketID,
		From:        string(from),
		To:          string(req.To),
		Trigger:     string(req.Trigger),
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		Feedback:    req.Feedback,
	})

	if req.Trigger == store.TriggerReviewer {
		m.bus.Publish(events.ReviewResult{
			TicketID:  req.TicketID,
			Trigger:   string(req.Trigger),
			Decision:  reviewDecision(req.To),
			Reasoning: req.Feedback,
		})
	}

	updated, err := m.store.TicketByID(ctx, req.TicketID)
	if err != nil {
		return store.Ticket{}, err
	}
	return updated, nil
}

func reviewDecision(to store.TicketState) string {
	switch to {
	case store.TicketDone:
		return "approved"
	case store.TicketInProgress:
		return "rejected"
	default:
		return "completion"
	}
}

// MarkReview moves in_progress -> review, from completion detection
// (auto) or an explicit reviewer call.
func (m *Machine) MarkReview(ctx context.Context, ticketID string, trigger store.Trigger, by string) (store.Ticket, error) {
	reason := store.ReasonCompletionDetected
	if trigger == store.TriggerReviewer {
		reason = store.ReasonCompletion
	}
	return m.Transition(ctx, Request{
		TicketID:    ticketID,
		To:          store.TicketReview,
		Trigger:     trigger,
		Reason:      reason,
		TriggeredBy: by,
	})
}

// Approve moves review -> done and best-effort stops the ticket's running
// session. A stop failure is logged and never fails the transition.
func (m *Machine) Approve(ctx context.Context, ticketID string, trigger store.Trigger, by string) (store.Ticket, error) {
	reason := store.ReasonUserApproved
	if trigger == store.TriggerReviewer {
		reason = store.ReasonReviewerApproved
	}
	ticket, err := m.Transition(ctx, Request{
		TicketID:    ticketID,
		To:          store.TicketDone,
		Trigger:     trigger,
		Reason:      reason,
		TriggeredBy: by,
	})
	if err != nil {
		return store.Ticket{}, err
	}

	if m.stopper != nil {
		active, findErr := m.store.FindActiveSession(ctx, ticket.ProjectID, ticket.ID)
		switch {
		case findErr == nil:
			if stopErr := m.stopper.StopSession(ctx, active.ID, false); stopErr != nil {
				m.logger.Warn("failed to stop session after approval",
					"ticket_id", ticket.ID, "session_id", active.ID, "err", stopErr)
			}
		case !fault.IsKind(findErr, fault.NotFound):
			m.logger.Warn("active session lookup failed after approval",
				"ticket_id", ticket.ID, "err", findErr)
		}
	}
	return ticket, nil
}

// Reject moves review -> in_progress with mandatory feedback.
func (m *Machine) Reject(ctx context.Context, ticketID, feedback string, trigger store.Trigger, by string) (store.Ticket, error) {
	reason := store.ReasonUserRejected
	if trigger == store.TriggerReviewer {
		reason = store.ReasonReviewerRejected
	}
	return m.Transition(ctx, Request{
		TicketID:    ticketID,
		To:          store.TicketInProgress,
		Trigger:     trigger,
		Reason:      reason,
		Feedback:    feedback,
		TriggeredBy: by,
	})
}

func (m *Machine) History(ctx context.Context, ticketID string) ([]store.TicketStateHistory, error) {
	return m.store.HistoryByTicket(ctx, ticketID)
}

func (m *Machine) ticketLock(ticketID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[ticketID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[ticketID] = lock
	}
	return lock
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/store"
)

type noteStore interface {
	InsertNotification(ctx context.Context, n *store.Notification) error
}

// notifier turns user-impacting bus events into persisted notifications
// and relays each inserted row back onto the bus for hub broadcast.
// Handoff completions are recorded by the orchestrator transactionally
// and are not handled here.
type notifier struct {
	repo   noteStore
	bus    *events.Bus
	logger *slog.Logger
}

func newNotifier(repo noteStore, bus *events.Bus, logger *slog.Logger) *notifier {
	return &notifier{repo: repo, bus: bus, logger: logger}
}

func (n *notifier) run(ctx context.Context) error {
	sub := n.bus.Subscribe("notifier", 0,
		events.TopicSessionWaiting, events.TopicTicketState,
		events.TopicSessionError, events.TopicContextThreshold)
	defer n.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *notifier) handle(ctx context.Context, ev events.Event) {
	note := noteFor(ev)
	if note == nil {
		return
	}
	if err := n.repo.InsertNotification(context.WithoutCancel(ctx), note); err != nil {
		n.logger.Warn("notification insert failed", "kind", string(note.Kind), "err", err)
		return
	}
	out := events.Notification{
		ID:    note.ID,
		Kind:  string(note.Kind),
		Title: note.Title,
		Body:  note.Body,
	}
	if note.SessionID != nil {
		out.SessionID = *note.SessionID
	}
	if note.TicketID != nil {
		out.TicketID = *note.TicketID
	}
	n.bus.Publish(out)
}

// noteFor maps an event to the notification it warrants, or nil.
func noteFor(ev events.Event) *store.Notification {
	switch e := ev.(type) {
	case events.SessionWaiting:
		if !e.Waiting {
			return nil
		}
		sid := e.SessionID
		return &store.Notification{
			Kind:      store.NoteWaitingInput,
			Title:     "Session waiting for input",
			Body:      e.Reason,
			SessionID: &sid,
		}
	case events.TicketState:
		if e.To != string(store.TicketReview) {
			return nil
		}
		tid := e.TicketID
		return &store.Notification{
			Kind:     store.NoteReviewReady,
			Title:    "Ticket ready for review",
			Body:     e.Reason,
			TicketID: &tid,
		}
	case events.SessionError:
		sid := e.SessionID
		return &store.Notification{
			Kind:      store.NoteError,
			Title:     "Session error",
			Body:      e.Message,
			SessionID: &sid,
		}
	case events.ContextThreshold:
		sid := e.SessionID
		return &store.Notification{
			Kind:      store.NoteContextLow,
			Title:     "Context running low",
			Body:      fmt.Sprintf("context at %.1f%%", e.ContextPercent),
			SessionID: &sid,
		}
	default:
		return nil
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pilothouse/server/internal/fault"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	gdb, err := OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(gdb)
}

func seedProject(t *testing.T, r *Repo) Project {
	t.Helper()
	p := Project{
		Name:        "demo",
		RepoPath:    "/tmp/demo",
		TmuxSession: "demo",
		TicketsPath: "tickets",
		HandoffPath: "HANDOFF.md",
	}
	if err := r.CreateProject(context.Background(), &p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func seedTicket(t *testing.T, r *Repo, projectID, filePath string) Ticket {
	t.Helper()
	tk := Ticket{ProjectID: projectID, Title: "t", FilePath: filePath}
	if err := r.CreateTicket(context.Background(), &tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	return tk
}

func TestProjectCRUD(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r)

	got, err := r.ProjectByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("ProjectByID: %v", err)
	}
	if got.Name != "demo" || got.HandoffPath != "HANDOFF.md" {
		t.Fatalf("unexpected project %+v", got)
	}

	name := "renamed"
	updated, err := r.UpdateProject(ctx, p.ID, ProjectPatch{Name: &name})
	if err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if updated.Name != "renamed" || updated.RepoPath != "/tmp/demo" {
		t.Fatalf("patch touched the wrong fields: %+v", updated)
	}

	if err := r.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := r.ProjectByID(ctx, p.ID); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("deleted project lookup = %v, want NotFound", err)
	}
}

func TestTicketUniquePerFilePath(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	seedTicket(t, r, p.ID, "tickets/a.md")

	dup := Ticket{ProjectID: p.ID, Title: "dup", FilePath: "tickets/a.md"}
	if err := r.CreateTicket(context.Background(), &dup); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("duplicate file path insert = %v, want Conflict", err)
	}
}

func TestAdhocDisplayIDAllocation(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	ctx := context.Background()

	for i, want := range []string{"ADHOC-1", "ADHOC-2"} {
		tk := Ticket{ProjectID: p.ID, Title: "adhoc", FilePath: "tickets/adhoc" + want + ".md", IsAdhoc: true}
		if err := r.CreateTicket(ctx, &tk); err != nil {
			t.Fatalf("CreateTicket #%d: %v", i, err)
		}
		if tk.DisplayID != want {
			t.Fatalf("display id = %q, want %q", tk.DisplayID, want)
		}
	}
}

func TestTransitionTicketStateAtomic(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	tk := seedTicket(t, r, p.ID, "tickets/a.md")
	ctx := context.Background()

	started := time.Now().UTC()
	err := r.TransitionTicketState(ctx, tk.ID, TicketBacklog, TicketInProgress,
		TicketStateHistory{Trigger: TriggerAuto, Reason: ReasonSessionStarted},
		TicketPatch{StartedAt: &started})
	if err != nil {
		t.Fatalf("TransitionTicketState: %v", err)
	}

	got, err := r.TicketByID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if got.State != TicketInProgress || got.StartedAt == nil {
		t.Fatalf("ticket after transition = %+v", got)
	}

	history, err := r.HistoryByTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("HistoryByTicket: %v", err)
	}
	if len(history) != 1 || history[0].FromState != TicketBacklog || history[0].ToState != TicketInProgress {
		t.Fatalf("history = %+v", history)
	}
}

func TestTransitionStaleStateLeavesNoHistory(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	tk := seedTicket(t, r, p.ID, "tickets/a.md")
	ctx := context.Background()

	err := r.TransitionTicketState(ctx, tk.ID, TicketReview, TicketDone,
		TicketStateHistory{Trigger: TriggerManual, Reason: ReasonUserApproved}, TicketPatch{})
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("stale transition = %v, want Conflict", err)
	}

	history, err := r.HistoryByTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("HistoryByTicket: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("failed transition wrote history: %+v", history)
	}
	got, _ := r.TicketByID(ctx, tk.ID)
	if got.State != TicketBacklog {
		t.Fatalf("failed transition changed state to %s", got.State)
	}
}

func TestTransitionMissingTicketIsNotFound(t *testing.T) {
	r := openTestRepo(t)
	err := r.TransitionTicketState(context.Background(), "nope", TicketBacklog, TicketInProgress,
		TicketStateHistory{Trigger: TriggerAuto, Reason: ReasonSessionStarted}, TicketPatch{})
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("transition on missing ticket = %v, want NotFound", err)
	}
}

func TestCreateSessionEnforcesOneActive(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	tk := seedTicket(t, r, p.ID, "tickets/a.md")
	ctx := context.Background()

	first := Session{ProjectID: p.ID, TicketID: &tk.ID, Type: SessionTicket, Status: StatusRunning, PaneID: "%1"}
	if err := r.CreateSession(ctx, &first); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}

	second := Session{ProjectID: p.ID, TicketID: &tk.ID, Type: SessionTicket, Status: StatusStarting, PaneID: "%2"}
	err := r.CreateSession(ctx, &second)
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("second CreateSession = %v, want Conflict", err)
	}
	var already *AlreadyActive
	if !errors.As(err, &already) || already.ExistingID != first.ID {
		t.Fatalf("conflict does not carry existing id: %v", err)
	}

	if err := r.MarkSessionExited(ctx, first.ID, StatusCompleted, time.Now()); err != nil {
		t.Fatalf("MarkSessionExited: %v", err)
	}
	if err := r.CreateSession(ctx, &second); err != nil {
		t.Fatalf("CreateSession after exit: %v", err)
	}
}

func TestCreateSessionAdhocUnconstrained(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s := Session{ProjectID: p.ID, Type: SessionAdhoc, Status: StatusRunning, PaneID: "%1"}
		if err := r.CreateSession(ctx, &s); err != nil {
			t.Fatalf("adhoc CreateSession #%d: %v", i, err)
		}
	}
}

func TestFindActiveSessionAndAliveList(t *testing.T) {
	r := openTestRepo(t)
	p := seedProject(t, r)
	tk := seedTicket(t, r, p.ID, "tickets/a.md")
	ctx := context.Background()

	s := Session{ProjectID: p.ID, TicketID: &tk.ID, Type: SessionTicket, Status: StatusPaused, PaneID: "%3"}
	if err := r.CreateSession(ctx, &s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := r.FindActiveSession(ctx, p.ID, tk.ID)
	if err != nil {
		t.Fatalf("FindActiveSession: %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("FindActiveSession = %s, want %s", got.ID, s.ID)
	}

	alive, err := r.ListAliveSessions(ctx)
	if err != nil {
		t.Fatalf("ListAliveSessions: %v", err)
	}
	if len(alive) != 1 || alive[0].ID != s.ID {
		t.Fatalf("alive sessions = %+v", alive)
	}

	if err := r.MarkSessionExited(ctx, s.ID, StatusError, time.Now()); err != nil {
		t.Fatalf("MarkSessionExited: %v", err)
	}
	if _, err := r.FindActiveSession(ctx, p.ID, tk.ID); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("FindActiveSession after exit = %v, want NotFound", err)
	}
}

func TestRecordHandoffCommitsEventAndNotification(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	ev := HandoffEvent{FromSessionID: "a", ToSessionID: "b", ContextAtHandoff: 19}
	note := Notification{Kind: NoteHandoffComplete, Title: "Handoff complete", Body: "a -> b"}
	if err := r.RecordHandoff(ctx, &ev, &note); err != nil {
		t.Fatalf("RecordHandoff: %v", err)
	}

	events, err := r.HandoffEvents(ctx, "a")
	if err != nil {
		t.Fatalf("HandoffEvents: %v", err)
	}
	if len(events) != 1 || events[0].ContextAtHandoff != 19 {
		t.Fatalf("handoff events = %+v", events)
	}

	undismissed, err := r.CountUndismissed(ctx)
	if err != nil {
		t.Fatalf("CountUndismissed: %v", err)
	}
	if undismissed != 1 {
		t.Fatalf("undismissed = %d, want 1", undismissed)
	}
}

func TestNotificationDismissal(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n := Notification{Kind: NoteWaitingInput, Title: "waiting", Body: "x"}
		if err := r.InsertNotification(ctx, &n); err != nil {
			t.Fatalf("InsertNotification: %v", err)
		}
		if i == 0 {
			if err := r.DismissNotification(ctx, n.ID); err != nil {
				t.Fatalf("DismissNotification: %v", err)
			}
		}
	}

	undismissed := false
	pending, err := r.Notifications(ctx, &undismissed)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending notifications = %d, want 2", len(pending))
	}

	if err := r.DismissAllNotifications(ctx); err != nil {
		t.Fatalf("DismissAllNotifications: %v", err)
	}
	n, err := r.CountUndismissed(ctx)
	if err != nil {
		t.Fatalf("CountUndismissed: %v", err)
	}
	if n != 0 {
		t.Fatalf("undismissed after dismiss-all = %d", n)
	}

	if err := r.DismissNotification(ctx, "missing"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("dismiss missing = %v, want NotFound", err)
	}
}

func TestNormalizeLegacyStoppedStatus(t *testing.T) {
	if got := NormalizeSessionStatus("stopped"); got != StatusCompleted {
		t.Fatalf("stopped normalized to %s, want completed", got)
	}
	if got := NormalizeSessionStatus(StatusRunning); got != StatusRunning {
		t.Fatalf("running normalized to %s", got)
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/ident"
)

// Repository is the persistence surface the daemon depends on. Components
// take the narrow slice they need; this interface exists so tests can
// substitute map-backed fakes wholesale.
type Repository interface {
	CreateProject(ctx context.Context, p *Project) error
	ProjectByID(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context, page, limit int) ([]Project, error)
	UpdateProject(ctx context.Context, id string, patch ProjectPatch) (Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateTicket(ctx context.Context, t *Ticket) error
	TicketByID(ctx context.Context, id string) (Ticket, error)
	FindTicket(ctx context.Context, projectID, filePath string) (Ticket, error)
	TicketsByProject(ctx context.Context, projectID string, state *TicketState) ([]Ticket, error)
	CountTickets(ctx context.Context, projectID string, state *TicketState) (int64, error)
	UpdateTicket(ctx context.Context, id string, patch TicketPatch) (Ticket, error)
	TransitionTicketState(ctx context.Context, ticketID string, from, to TicketState, entry TicketStateHistory, patch TicketPatch) error

	CreateSession(ctx context.Context, s *Session) error
	SessionByID(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, projectID string) ([]Session, error)
	ListAliveSessions(ctx context.Context) ([]Session, error)
	FindActiveSession(ctx context.Context, projectID, ticketID string) (Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (Session, error)
	MarkSessionExited(ctx context.Context, id string, status SessionStatus, endedAt time.Time) error

	InsertHistory(ctx context.Context, entry *TicketStateHistory) error
	HistoryByTicket(ctx context.Context, ticketID string) ([]TicketStateHistory, error)

	InsertHandoffEvent(ctx context.Context, ev *HandoffEvent) error
	RecordHandoff(ctx context.Context, ev *HandoffEvent, note *Notification) error
	HandoffEvents(ctx context.Context, fromSessionID string) ([]HandoffEvent, error)

	InsertNotification(ctx context.Context, n *Notification) error
	Notifications(ctx context.Context, dismissed *bool) ([]Notification, error)
	DismissNotification(ctx context.Context, id string) error
	DismissAllNotifications(ctx context.Context) error
	CountUndismissed(ctx context.Context) (int64, error)
}

// AlreadyActive reports the conditional-insert conflict on the
// one-active-session invariant; errors.As recovers the blocking id.
type AlreadyActive struct {
	ExistingID string
}

func (e *AlreadyActive) Error() string {
	return "session " + e.ExistingID + " is already active for this ticket"
}

type ProjectPatch struct {
	Name        *string
	RepoPath    *string
	TmuxSession *string
	TmuxWindow  *string
	TicketsPath *string
	HandoffPath *string
}

type TicketPatch struct {
	Title             *string
	ExternalID        *string
	RejectionFeedback *string
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

type SessionPatch struct {
	Status         *SessionStatus
	ContextPercent *float64
	PaneID         *string
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// Repo is the gorm-backed Repository.
type Repo struct {
	gdb *gorm.DB
}

func New(gdb *gorm.DB) *Repo {
	return &Repo{gdb: gdb}
}

var _ Repository = (*Repo)(nil)

func (r *Repo) CreateProject(ctx context.Context, p *Project) error {
	stampNew(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapErr(r.gdb.WithContext(ctx).Create(p).Error, "project")
}

func (r *Repo) ProjectByID(ctx context.Context, id string) (Project, error) {
	var p Project
	err := r.gdb.WithContext(ctx).First(&p, "id = ?", id).Error
	return p, mapErr(err, "project "+id)
}

func (r *Repo) ListProjects(ctx context.Context, page, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	var out []Project
	err := r.gdb.WithContext(ctx).
		Order("created_at ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&out).Error
	return out, mapErr(err, "projects")
}

func (r *Repo) UpdateProject(ctx context.Context, id string, patch ProjectPatch) (Project, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	setStr(updates, "name", patch.Name)
	setStr(updates, "repo_path", patch.RepoPath)
	setStr(updates, "tmux_session", patch.TmuxSession)
	setStr(updates, "tmux_window", patch.TmuxWindow)
	setStr(updates, "tickets_path", patch.TicketsPath)
	setStr(updates, "handoff_path", patch.HandoffPath)

	res := r.gdb.WithContext(ctx).Model(&Project{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return Project{}, mapErr(res.Error, "project "+id)
	}
	if res.RowsAffected == 0 {
		return Project{}, fault.Errorf(fault.NotFound, "project %s not found", id)
	}
	return r.ProjectByID(ctx, id)
}

func (r *Repo) DeleteProject(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Delete(&Project{}, "id = ?", id)
	if res.Error != nil {
		return mapErr(res.Error, "project "+id)
	}
	if res.RowsAffected == 0 {
		return fault.Errorf(fault.NotFound, "project %s not found", id)
	}
	return nil
}

// CreateTicket inserts the ticket, allocating an ad-hoc display id inside
// the same transaction so the count cannot race another insert.
func (r *Repo) CreateTicket(ctx context.Context, t *Ticket) error {
	stampNew(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if t.State == "" {
		t.State = TicketBacklog
	}
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.IsAdhoc && t.DisplayID == "" {
			var n int64
			if err := tx.Model(&Ticket{}).
				Where("project_id = ? AND is_adhoc = ?", t.ProjectID, true).
				Count(&n).Error; err != nil {
				return err
			}
			t.DisplayID = fmt.Sprintf("ADHOC-%d", n+1)
		}
		return tx.Create(t).Error
	})
	return mapErr(err, "ticket")
}

func (r *Repo) TicketByID(ctx context.Context, id string) (Ticket, error) {
	var t Ticket
	err := r.gdb.WithContext(ctx).First(&t, "id = ?", id).Error
	return t, mapErr(err, "ticket "+id)
}

func (r *Repo) FindTicket(ctx context.Context, projectID, filePath string) (Ticket, error) {
	var t Ticket
	err := r.gdb.WithContext(ctx).
		First(&t, "project_id = ? AND file_path = ?", projectID, filePath).Error
	return t, mapErr(err, "ticket "+filePath)
}

func (r *Repo) TicketsByProject(ctx context.Context, projectID string, state *TicketState) ([]Ticket, error) {
	q := r.gdb.WithContext(ctx).Where("project_id = ?", projectID)
	if state != nil {
		q = q.Where("state = ?", *state)
	}
	var out []Ticket
	err := q.Order("created_at ASC").Find(&out).Error
	return out, mapErr(err, "tickets")
}

func (r *Repo) CountTickets(ctx context.Context, projectID string, state *TicketState) (int64, error) {
	q := r.gdb.WithContext(ctx).Model(&Ticket{}).Where("project_id = ?", projectID)
	if state != nil {
		q = q.Where("state = ?", *state)
	}
	var n int64
	err := q.Count(&n).Error
	return n, mapErr(err, "tickets")
}

func (r *Repo) UpdateTicket(ctx context.Context, id string, patch TicketPatch) (Ticket, error) {
	updates := ticketUpdates(patch)
	res := r.gdb.WithContext(ctx).Model(&Ticket{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return Ticket{}, mapErr(res.Error, "ticket "+id)
	}
	if res.RowsAffected == 0 {
		return Ticket{}, fault.Errorf(fault.NotFound, "ticket %s not found", id)
	}
	return r.TicketByID(ctx, id)
}

// TransitionTicketState performs the guarded compare-and-set: the ticket
// row moves from -> to and the history row lands in the same transaction,
// or neither does. A state mismatch returns Conflict; a missing ticket
// NotFound.
func (r *Repo) TransitionTicketState(ctx context.Context, ticketID string, from, to TicketState, entry TicketStateHistory, patch TicketPatch) error {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := ticketUpdates(patch)
		updates["state"] = to
		res := tx.Model(&Ticket{}).
			Where("id = ? AND state = ?", ticketID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&Ticket{}).Where("id = ?", ticketID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fault.Errorf(fault.NotFound, "ticket %s not found", ticketID)
			}
			return fault.Errorf(fault.Conflict, "ticket %s is no longer in state %s", ticketID, from)
		}

		entry.TicketID = ticketID
		entry.FromState = from
		entry.ToState = to
		stampID(&entry.ID)
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		return tx.Create(&entry).Error
	})
	return mapErr(err, "ticket transition")
}

// CreateSession inserts the session. For ticket sessions entering an
// alive status the insert is conditional on no other alive session for
// the same (project, ticket); the single-connection pool makes the
// check-then-insert atomic.
func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	stampNew(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if s.Status == "" {
		s.Status = StatusStarting
	}
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.TicketID != nil && s.Status.Alive() {
			var existing Session
			err := tx.
				Where("project_id = ? AND ticket_id = ? AND status IN ?",
					s.ProjectID, *s.TicketID, aliveStatuses()).
				First(&existing).Error
			switch {
			case err == nil:
				return &fault.Error{
					Kind: fault.Conflict,
					Msg:  "ticket already has an active session",
					Err:  &AlreadyActive{ExistingID: existing.ID},
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		return tx.Create(s).Error
	})
	return mapErr(err, "session")
}

func (r *Repo) SessionByID(ctx context.Context, id string) (Session, error) {
	var s Session
	err := r.gdb.WithContext(ctx).First(&s, "id = ?", id).Error
	s.Status = NormalizeSessionStatus(s.Status)
	return s, mapErr(err, "session "+id)
}

func (r *Repo) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	q := r.gdb.WithContext(ctx)
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var out []Session
	err := q.Order("created_at ASC").Find(&out).Error
	for i := range out {
		out[i].Status = NormalizeSessionStatus(out[i].Status)
	}
	return out, mapErr(err, "sessions")
}

func (r *Repo) ListAliveSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := r.gdb.WithContext(ctx).
		Where("status IN ?", aliveStatuses()).
		Order("created_at ASC").
		Find(&out).Error
	return out, mapErr(err, "sessions")
}

func (r *Repo) FindActiveSession(ctx context.Context, projectID, ticketID string) (Session, error) {
	var s Session
	err := r.gdb.WithContext(ctx).
		Where("project_id = ? AND ticket_id = ? AND status IN ?", projectID, ticketID, aliveStatuses()).
		First(&s).Error
	return s, mapErr(err, "active session for ticket "+ticketID)
}

func (r *Repo) UpdateSession(ctx context.Context, id string, patch SessionPatch) (Session, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.ContextPercent != nil {
		updates["context_percent"] = *patch.ContextPercent
	}
	setStr(updates, "pane_id", patch.PaneID)
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.EndedAt != nil {
		updates["ended_at"] = *patch.EndedAt
	}

	res := r.gdb.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return Session{}, mapErr(res.Error, "session "+id)
	}
	if res.RowsAffected == 0 {
		return Session{}, fault.Errorf(fault.NotFound, "session %s not found", id)
	}
	return r.SessionByID(ctx, id)
}

func (r *Repo) MarkSessionExited(ctx context.Context, id string, status SessionStatus, endedAt time.Time) error {
	res := r.gdb.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"ended_at":   endedAt.UTC(),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return mapErr(res.Error, "session "+id)
	}
	if res.RowsAffected == 0 {
		return fault.Errorf(fault.NotFound, "session %s not found", id)
	}
	return nil
}

func (r *Repo) InsertHistory(ctx context.Context, entry *TicketStateHistory) error {
	stampID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return mapErr(r.gdb.WithContext(ctx).Create(entry).Error, "history entry")
}

func (r *Repo) HistoryByTicket(ctx context.Context, ticketID string) ([]TicketStateHistory, error) {
	var out []TicketStateHistory
	err := r.gdb.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Find(&out).Error
	return out, mapErr(err, "history")
}

func (r *Repo) InsertHandoffEvent(ctx context.Context, ev *HandoffEvent) error {
	stampID(&ev.ID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return mapErr(r.gdb.WithContext(ctx).Create(ev).Error, "handoff event")
}

// RecordHandoff commits the handoff event and its notification together.
func (r *Repo) RecordHandoff(ctx context.Context, ev *HandoffEvent, note *Notification) error {
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stampID(&ev.ID)
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		if note == nil {
			return nil
		}
		stampID(&note.ID)
		if note.CreatedAt.IsZero() {
			note.CreatedAt = time.Now().UTC()
		}
		return tx.Create(note).Error
	})
	return mapErr(err, "handoff record")
}

func (r *Repo) HandoffEvents(ctx context.Context, fromSessionID string) ([]HandoffEvent, error) {
	q := r.gdb.WithContext(ctx)
	if fromSessionID != "" {
		q = q.Where("from_session_id = ?", fromSessionID)
	}
	var out []HandoffEvent
	err := q.Order("created_at ASC").Find(&out).Error
	return out, mapErr(err, "handoff events")
}

func (r *Repo) InsertNotification(ctx context.Context, n *Notification) error {
	stampID(&n.ID)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return mapErr(r.gdb.WithContext(ctx).Create(n).Error, "notification")
}

func (r *Repo) Notifications(ctx context.Context, dismissed *bool) ([]Notification, error) {
	q := r.gdb.WithContext(ctx)
	if dismissed != nil {
		q = q.Where("dismissed = ?", *dismissed)
	}
	var out []Notification
	err := q.Order("created_at DESC").Find(&out).Error
	return out, mapErr(err, "notifications")
}

func (r *Repo) DismissNotification(ctx context.Context, id string) error {
	res := r.gdb.WithContext(ctx).Model(&Notification{}).
		Where("id = ?", id).
		Update("dismissed", true)
	if res.Error != nil {
		return mapErr(res.Error, "notification "+id)
	}
	if res.RowsAffected == 0 {
		return fault.Errorf(fault.NotFound, "notification %s not found", id)
	}
	return nil
}

func (r *Repo) DismissAllNotifications(ctx context.Context) error {
	err := r.gdb.WithContext(ctx).Model(&Notification{}).
		Where("dismissed = ?", false).
		Update("dismissed", true).Error
	return mapErr(err, "notifications")
}

func (r *Repo) CountUndismissed(ctx context.Context) (int64, error) {
	var n int64
	err := r.gdb.WithContext(ctx).Model(&Notification{}).
		Where("dismissed = ?", false).
		Count(&n).Error
	return n, mapErr(err, "notifications")
}

func aliveStatuses() []SessionStatus {
	return []SessionStatus{StatusStarting, StatusRunning, StatusPaused}
}

func ticketUpdates(patch TicketPatch) map[string]any {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	setStr(updates, "title", patch.Title)
	setStr(updates, "external_id", patch.ExternalID)
	setStr(updates, "rejection_feedback", patch.RejectionFeedback)
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	return updates
}

func stampNew(id *string, createdAt, updatedAt *time.Time) {
	stampID(id)
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt.IsZero() {
		*updatedAt = now
	}
}

func stampID(id *string) {
	if *id == "" {
		*id = ident.NewID()
	}
}

func setStr(updates map[string]any, column string, v *string) {
	if v != nil {
		updates[column] = *v
	}
}

// mapErr converts driver errors to fault kinds; faults pass through
// untouched.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fault.Wrap(fault.NotFound, what+" not found", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed") {
		return fault.Wrap(fault.Conflict, what+" conflicts with an existing row", err)
	}
	return fault.Wrap(fault.External, "storage failure on "+what, err)
}

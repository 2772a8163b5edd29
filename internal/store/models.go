// Package store is the persistence layer: gorm models over sqlite and
// the Repository surface the rest of the daemon depends on. Volatile
// runtime state (ring buffers, registries) never lands here.
package store

import "time"

type TicketState string

const (
	TicketBacklog    TicketState = "backlog"
	TicketInProgress TicketState = "in_progress"
	TicketReview     TicketState = "review"
	TicketDone       TicketState = "done"
)

type Trigger string

const (
	TriggerAuto     Trigger = "auto"
	TriggerManual   Trigger = "manual"
	TriggerReviewer Trigger = "reviewer"
)

// Transition reasons recorded in ticket history rows.
const (
	ReasonSessionStarted     = "session_started"
	ReasonCompletionDetected = "completion_detected"
	ReasonCompletion         = "completion"
	ReasonUserApproved       = "user_approved"
	ReasonReviewerApproved   = "reviewer_approved"
	ReasonUserRejected       = "user_rejected"
	ReasonReviewerRejected   = "reviewer_rejected"
)

type SessionType string

const (
	SessionTicket SessionType = "ticket"
	SessionAdhoc  SessionType = "adhoc"
)

type SessionStatus string

const (
	StatusStarting  SessionStatus = "starting"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Alive reports whether the status counts against the one-active-session
// invariant.
func (s SessionStatus) Alive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusPaused
}

// NormalizeSessionStatus maps legacy persisted values onto the current
// vocabulary. Older builds wrote "stopped" for clean exits.
func NormalizeSessionStatus(s SessionStatus) SessionStatus {
	if s == "stopped" {
		return StatusCompleted
	}
	return s
}

type NotificationKind string

const (
	NoteWaitingInput    NotificationKind = "waiting_input"
	NoteReviewReady     NotificationKind = "review_ready"
	NoteHandoffComplete NotificationKind = "handoff_complete"
	NoteError           NotificationKind = "error"
	NoteContextLow      NotificationKind = "context_low"
)

type Project struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Name        string    `gorm:"column:name;not null;default:''"`
	RepoPath    string    `gorm:"column:repo_path;not null;default:''"`
	TmuxSession string    `gorm:"column:tmux_session;not null;default:''"`
	TmuxWindow  string    `gorm:"column:tmux_window;not null;default:''"`
	TicketsPath string    `gorm:"column:tickets_path;not null;default:''"`
	HandoffPath string    `gorm:"column:handoff_path;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (Project) TableName() string { return "projects" }

type Ticket struct {
	ID                string      `gorm:"column:id;primaryKey"`
	ProjectID         string      `gorm:"column:project_id;not null;index"`
	ExternalID        *string     `gorm:"column:external_id"`
	DisplayID         string      `gorm:"column:display_id;not null;default:''"`
	Title             string      `gorm:"column:title;not null;default:''"`
	State             TicketState `gorm:"column:state;not null;default:'backlog'"`
	FilePath          string      `gorm:"column:file_path;not null;default:''"`
	IsAdhoc           bool        `gorm:"column:is_adhoc;not null;default:false"`
	IsExplore         bool        `gorm:"column:is_explore;not null;default:false"`
	StartedAt         *time.Time  `gorm:"column:started_at"`
	CompletedAt       *time.Time  `gorm:"column:completed_at"`
	RejectionFeedback string      `gorm:"column:rejection_feedback;not null;default:''"`
	CreatedAt         time.Time   `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time   `gorm:"column:updated_at;not null"`
}

func (Ticket) TableName() string { return "tickets" }

type TicketStateHistory struct {
	ID          string      `gorm:"column:id;primaryKey"`
	TicketID    string      `gorm:"column:ticket_id;not null;index"`
	FromState   TicketState `gorm:"column:from_state;not null"`
	ToState     TicketState `gorm:"column:to_state;not null"`
	Trigger     Trigger     `gorm:"column:trigger;not null"`
	Reason      string      `gorm:"column:reason;not null;default:''"`
	Feedback    string      `gorm:"column:feedback;not null;default:''"`
	TriggeredBy string      `gorm:"column:triggered_by;not null;default:''"`
	CreatedAt   time.Time   `gorm:"column:created_at;not null"`
}

func (TicketStateHistory) TableName() string { return "ticket_state_history" }

type Session struct {
	ID             string        `gorm:"column:id;primaryKey"`
	ProjectID      string        `gorm:"column:project_id;not null;index"`
	TicketID       *string       `gorm:"column:ticket_id;index"`
	ParentID       *string       `gorm:"column:parent_id"`
	Type           SessionType   `gorm:"column:type;not null;default:'adhoc'"`
	Status         SessionStatus `gorm:"column:status;not null;default:'starting'"`
	ContextPercent *float64      `gorm:"column:context_percent"`
	PaneID         string        `gorm:"column:pane_id;not null;default:''"`
	StartedAt      *time.Time    `gorm:"column:started_at"`
	EndedAt        *time.Time    `gorm:"column:ended_at"`
	CreatedAt      time.Time     `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time     `gorm:"column:updated_at;not null"`
}

func (Session) TableName() string { return "sessions" }

type HandoffEvent struct {
	ID               string    `gorm:"column:id;primaryKey"`
	FromSessionID    string    `gorm:"column:from_session_id;not null;index"`
	ToSessionID      string    `gorm:"column:to_session_id;not null"`
	ContextAtHandoff float64   `gorm:"column:context_at_handoff;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
}

func (HandoffEvent) TableName() string { return "handoff_events" }

type Notification struct {
	ID        string           `gorm:"column:id;primaryKey"`
	Kind      NotificationKind `gorm:"column:kind;not null"`
	Title     string           `gorm:"column:title;not null;default:''"`
	Body      string           `gorm:"column:body;not null;default:''"`
	SessionID *string          `gorm:"column:session_id"`
	TicketID  *string          `gorm:"column:ticket_id"`
	Dismissed bool             `gorm:"column:dismissed;not null;default:false"`
	CreatedAt time.Time        `gorm:"column:created_at;not null"`
}

func (Notification) TableName() string { return "notifications" }

package events

import "time"

type Topic string

const (
	TopicSessionOutput    Topic = "session:output"
	TopicSessionStatus    Topic = "session:status"
	TopicSessionWaiting   Topic = "session:waiting"
	TopicSessionExit      Topic = "session:exit"
	TopicSessionError     Topic = "session:error"
	TopicTelemetryState   Topic = "context:state"
	TopicContextThreshold Topic = "context:threshold"
	TopicTicketState      Topic = "ticket:state"
	TopicReviewResult     Topic = "review:result"
	TopicHandoffStarted   Topic = "handoff:started"
	TopicHandoffProgress  Topic = "handoff:progress"
	TopicHandoffCompleted Topic = "handoff:completed"
	TopicHandoffFailed    Topic = "handoff:failed"
	TopicPtyData          Topic = "pty:data"
	TopicPtyAttached      Topic = "pty:attached"
	TopicPtyExit          Topic = "pty:exit"
	TopicNotification     Topic = "notification"
)

// Event is one typed bus payload. Implementations are plain structs;
// consumers type-switch on the concrete type or filter by Topic.
type Event interface {
	Topic() Topic
}

type SessionOutput struct {
	SessionID string
	Lines     []string
	Raw       bool
}

func (SessionOutput) Topic() Topic { return TopicSessionOutput }

type SessionStatus struct {
	SessionID      string
	Previous       string
	New            string
	ContextPercent *float64
}

func (SessionStatus) Topic() Topic { return TopicSessionStatus }

type SessionWaiting struct {
	SessionID  string
	Waiting    bool
	Reason     string
	DetectedBy string
}

func (SessionWaiting) Topic() Topic { return TopicSessionWaiting }

type SessionExit struct {
	SessionID string
	ExitCode  *int
}

func (SessionExit) Topic() Topic { return TopicSessionExit }

type SessionError struct {
	SessionID string
	Message   string
	Kind      string
}

func (SessionError) Topic() Topic { return TopicSessionError }

// TelemetryState carries waiting_state transitions read from a session's
// telemetry file.
type TelemetryState struct {
	SessionID string
	State     string
	At        time.Time
}

func (TelemetryState) Topic() Topic { return TopicTelemetryState }

type ContextThreshold struct {
	SessionID      string
	ContextPercent float64
	Threshold      float64
	At             time.Time
}

func (ContextThreshold) Topic() Topic { return TopicContextThreshold }

type TicketState struct {
	TicketID    string
	From        string
	To          string
	Trigger     string
	Reason      string
	TriggeredBy string
	Feedback    string
}

func (TicketState) Topic() Topic { return TopicTicketState }

type ReviewResult struct {
	TicketID  string
	SessionID string
	Trigger   string
	Decision  string
	Reasoning string
}

func (ReviewResult) Topic() Topic { return TopicReviewResult }

type HandoffStarted struct {
	FromSessionID    string
	TicketID         string
	ContextAtHandoff float64
}

func (HandoffStarted) Topic() Topic { return TopicHandoffStarted }

type HandoffProgress struct {
	SessionID string
	Phase     string
	ElapsedMS int64
}

func (HandoffProgress) Topic() Topic { return TopicHandoffProgress }

type HandoffCompleted struct {
	FromSessionID string
	ToSessionID   string
	TicketID      string
}

func (HandoffCompleted) Topic() Topic { return TopicHandoffCompleted }

type HandoffFailed struct {
	SessionID string
	Reason    string
	Kind      string
}

func (HandoffFailed) Topic() Topic { return TopicHandoffFailed }

type PtyData struct {
	ConnID    string
	SessionID string
	Data      []byte
}

func (PtyData) Topic() Topic { return TopicPtyData }

type PtyAttached struct {
	ConnID    string
	SessionID string
	Cols      int
	Rows      int
}

func (PtyAttached) Topic() Topic { return TopicPtyAttached }

type PtyExit struct {
	ConnID    string
	SessionID string
	ExitCode  *int
	Signal    string
}

func (PtyExit) Topic() Topic { return TopicPtyExit }

type Notification struct {
	ID        string
	Kind      string
	Title     string
	Body      string
	SessionID string
	TicketID  string
}

func (Notification) Topic() Topic { return TopicNotification }

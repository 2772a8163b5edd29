package protocol

import "time"

// Outbound message types.
const (
	TypePong             = "pong"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeSessionOutput    = "session:output"
	TypeSessionStatus    = "session:status"
	TypeSessionWaiting   = "session:waiting"
	TypeSessionExit      = "session:exit"
	TypeContextThreshold = "context:threshold"
	TypePtyOutput        = "pty:output"
	TypePtyAttached      = "pty:attached"
	TypePtyExit          = "pty:exit"
	TypeTicketState      = "ticket:state"
	TypeReviewResult     = "review:result"
	TypeNotification     = "notification"
	TypeError            = "error"
)

// Error codes carried by error frames.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeNotSubscribed   = "NOT_SUBSCRIBED"
	CodePtyAttachFailed = "PTY_ATTACH_FAILED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

type PongPayload struct {
	Timestamp string `json:"timestamp"`
}

type SubscribedPayload struct {
	SessionID   string   `json:"sessionId"`
	BufferLines []string `json:"bufferLines"`
}

type OutputPayload struct {
	SessionID string   `json:"sessionId"`
	Lines     []string `json:"lines"`
	Raw       bool     `json:"raw"`
}

type StatusPayload struct {
	SessionID      string   `json:"sessionId"`
	PreviousStatus string   `json:"previousStatus"`
	NewStatus      string   `json:"newStatus"`
	ContextPercent *float64 `json:"contextPercent,omitempty"`
}

type WaitingPayload struct {
	SessionID string `json:"sessionId"`
	Waiting   bool   `json:"waiting"`
	Reason    string `json:"reason,omitempty"`
}

type ExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode"`
}

type ThresholdPayload struct {
	SessionID      string  `json:"sessionId"`
	ContextPercent float64 `json:"contextPercent"`
	Threshold      float64 `json:"threshold"`
}

type PtyOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type PtyAttachedPayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type PtyExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
}

type TicketStatePayload struct {
	TicketID      string `json:"ticketId"`
	PreviousState string `json:"previousState"`
	NewState      string `json:"newState"`
	Trigger       string `json:"trigger"`
	Reason        string `json:"reason"`
}

type ReviewResultPayload struct {
	TicketID  string `json:"ticketId"`
	SessionID string `json:"sessionId,omitempty"`
	Trigger   string `json:"trigger"`
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
}

type NotificationPayload struct {
	ID    string `json:"id"`
	Kind  string `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Pong(now time.Time) Message {
	return Frame(TypePong, PongPayload{Timestamp: now.UTC().Format(time.RFC3339)})
}

func ErrorFrame(code, message string) Message {
	return Frame(TypeError, ErrPayload{Code: code, Message: message})
}

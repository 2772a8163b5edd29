package protocol

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/ident"
)

// Inbound message types.
const (
	TypePing          = "ping"
	TypeSubscribe     = "session:subscribe"
	TypeUnsubscribe   = "session:unsubscribe"
	TypeInput         = "session:input"
	TypePtyAttach     = "pty:attach"
	TypePtyDetach     = "pty:detach"
	TypePtyWrite      = "pty:write"
	TypePtyResize     = "pty:resize"
	TypePtySelectPane = "pty:select_pane"
)

// MaxInputChars bounds session:input text length, counted in runes.
const MaxInputChars = 10000

type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

type InputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type PtyAttachPayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type PtyWritePayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type PtyResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// DecodeClient parses one inbound frame. Malformed JSON is Validation
// "parse"; a frame without a type is Validation "schema".
func DecodeClient(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fault.Wrap(fault.Validation, "parse", err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return Message{}, fault.New(fault.Validation, "schema: missing type")
	}
	return msg, nil
}

func (m Message) DecodeSession() (SessionPayload, error) {
	var p SessionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return SessionPayload{}, fault.Wrap(fault.Validation, "schema", err)
	}
	if !ident.Valid(p.SessionID) {
		return SessionPayload{}, fault.New(fault.Validation, "schema: sessionId must be a UUID")
	}
	return p, nil
}

func (m Message) DecodeInput() (InputPayload, error) {
	var p InputPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return InputPayload{}, fault.Wrap(fault.Validation, "schema", err)
	}
	if !ident.Valid(p.SessionID) {
		return InputPayload{}, fault.New(fault.Validation, "schema: sessionId must be a UUID")
	}
	if p.Text == "" {
		return InputPayload{}, fault.New(fault.Validation, "schema: text required")
	}
	if utf8.RuneCountInString(p.Text) > MaxInputChars {
		return InputPayload{}, fault.Errorf(fault.Validation, "schema: text exceeds %d chars", MaxInputChars)
	}
	return p, nil
}

func (m Message) DecodePtyAttach() (PtyAttachPayload, error) {
	var p PtyAttachPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return PtyAttachPayload{}, fault.Wrap(fault.Validation, "schema", err)
	}
	if !ident.Valid(p.SessionID) {
		return PtyAttachPayload{}, fault.New(fault.Validation, "schema: sessionId must be a UUID")
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		return PtyAttachPayload{}, fault.New(fault.Validation, "schema: cols/rows must be positive")
	}
	return p, nil
}

func (m Message) DecodePtyWrite() (PtyWritePayload, error) {
	var p PtyWritePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return PtyWritePayload{}, fault.Wrap(fault.Validation, "schema", err)
	}
	if !ident.Valid(p.SessionID) {
		return PtyWritePayload{}, fault.New(fault.Validation, "schema: sessionId must be a UUID")
	}
	return p, nil
}

func (m Message) DecodePtyResize() (PtyResizePayload, error) {
	var p PtyResizePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return PtyResizePayload{}, fault.Wrap(fault.Validation, "schema", err)
	}
	if !ident.Valid(p.SessionID) {
		return PtyResizePayload{}, fault.New(fault.Validation, "schema: sessionId must be a UUID")
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		return PtyResizePayload{}, fault.New(fault.Validation, "schema: cols/rows must be positive")
	}
	return p, nil
}

// Package protocol defines the JSON wire frames exchanged with realtime
// clients. Every frame is {type, payload}; the protocol version is carried
// out-of-band on the connection header, never in the envelope.
package protocol

import "encoding/json"

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MustRaw marshals v, returning nil on failure. Reserved for payloads
// built from our own structs where marshal errors cannot occur.
func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Frame assembles an outbound message from a typed payload.
func Frame(msgType string, payload any) Message {
	return Message{Type: msgType, Payload: MustRaw(payload)}
}

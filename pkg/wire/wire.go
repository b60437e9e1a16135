// Package wire defines the envelope format shared by the centinela
// server and its clients: the enumerated message types, the JSON
// envelope, and the payload field helpers. Both ends of the channel
// speak exactly this vocabulary.
package wire

import (
	"maps"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// MessageType tags a wire envelope. The set is closed; the router
// rejects anything outside it.
type MessageType string

const (
	TypeNewAlarm           MessageType = "NEW_ALARM"
	TypeAlarmUpdate        MessageType = "ALARM_UPDATE"
	TypeDispatchRequest    MessageType = "DISPATCH_REQUEST"
	TypePatrolAssignment   MessageType = "PATROL_ASSIGNMENT"
	TypePatrolStatusUpdate MessageType = "PATROL_STATUS_UPDATE"
	TypeSupervisorLocation MessageType = "SUPERVISOR_LOCATION"
	TypeQRVerification     MessageType = "QR_VERIFICATION"
	TypeNotification       MessageType = "NOTIFICATION"
	TypeClientConnected    MessageType = "CLIENT_CONNECTED"
	TypeClientDisconnected MessageType = "CLIENT_DISCONNECTED"

	// TypeError is a server-to-client diagnostic frame. It is not part
	// of the publishable set and never enters the router; clients treat
	// it as non-actionable.
	TypeError MessageType = "ERROR"
)

// MessageTypes lists every publishable type, in wire order.
var MessageTypes = []MessageType{
	TypeNewAlarm,
	TypeAlarmUpdate,
	TypeDispatchRequest,
	TypePatrolAssignment,
	TypePatrolStatusUpdate,
	TypeSupervisorLocation,
	TypeQRVerification,
	TypeNotification,
	TypeClientConnected,
	TypeClientDisconnected,
}

// Known reports whether t is a member of the enumerated message set.
func (t MessageType) Known() bool {
	for _, mt := range MessageTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// Reserved reports whether t is system-generated only. Reserved types
// are produced by the registry lifecycle and must not be published as
// business messages.
func (t MessageType) Reserved() bool {
	return t == TypeClientConnected || t == TypeClientDisconnected
}

// Critical reports whether t carries life-safety consequences.
// Critical types get a client-side send retry and, on the server, a
// delivery cascade instead of a single send.
func (t MessageType) Critical() bool {
	return t == TypeNewAlarm || t == TypeDispatchRequest || t == TypeNotification
}

// Sender identifies the connection that produced an envelope. Absent
// for server-originated messages.
type Sender struct {
	UserID int    `json:"userId"`
	Role   string `json:"role"`
}

// Envelope is the wire message. Envelopes are immutable once
// constructed: redundant delivery never mutates an original, it
// derives fresh envelopes and sends those as additional messages.
type Envelope struct {
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
	Sender    *Sender        `json:"sender,omitempty"`
}

// NewEnvelope builds an envelope stamped with the current time in
// milliseconds since epoch.
func NewEnvelope(t MessageType, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Derive returns a copy of e with a fresh timestamp and its own
// payload map, so callers can add or strip fields without touching the
// original. The copy is shallow below the top level; derivation only
// ever edits top-level payload keys.
func (e Envelope) Derive(t MessageType) Envelope {
	return Envelope{
		Type:      t,
		Payload:   maps.Clone(e.Payload),
		Timestamp: time.Now().UnixMilli(),
		Sender:    e.Sender,
	}
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return e, nil
}

// ErrorEnvelope builds the diagnostic frame sent back to a misbehaving
// connection.
func ErrorEnvelope(message string) Envelope {
	return NewEnvelope(TypeError, map[string]any{"message": message})
}

// PayloadInt reads an integer payload field. JSON numbers arrive as
// float64; producers occasionally send ids as strings.
func PayloadInt(p map[string]any, key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// PayloadString reads a non-empty string payload field.
func PayloadString(p map[string]any, key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok && s != ""
}

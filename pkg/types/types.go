package types

import (
	"encoding/json"
	"time"
)

// Inbound frame types a client may send over its connection.
const (
	FramePing      = "ping"
	FrameDirect    = "direct"
	FrameMulticast = "multicast"
	FrameBroadcast = "broadcast"
	FrameStatus    = "status"
)

// Outbound event types emitted by the server. Relayed frames keep their
// inbound type (direct, multicast, broadcast).
const (
	EventPong     = "pong"
	EventError    = "error"
	EventPresence = "presence"
)

// Error codes carried in the data of an error event.
const (
	ErrorCodeMalformedFrame = "malformed_frame"
	ErrorCodeInvalidFrame   = "invalid_frame"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeDeliveryFailed = "delivery_failed"
)

// PresenceState is the coarse or detailed status of a user.
type PresenceState string

const (
	StateOnline  PresenceState = "online"
	StateAway    PresenceState = "away"
	StateBusy    PresenceState = "busy"
	StateOffline PresenceState = "offline"
	// StateUnknown is reported when no presence record exists. A user who
	// never connected and one whose record expired look the same.
	StateUnknown PresenceState = "unknown"
)

// Envelope is the structured object delivered to every connection.
// Data is relayed as-is and never inspected.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	From      string    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame is a client-originated message. Addressing fields are only
// meaningful for the frame types that use them.
type Frame struct {
	Type     string          `json:"type"`
	To       string          `json:"to,omitempty"`
	ToUsers  []string        `json:"to_users,omitempty"`
	Status   string          `json:"status,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the body of an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceData is the body of a presence event.
type PresenceData struct {
	UserID   string         `json:"user_id"`
	Status   PresenceState  `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorEnvelope builds an error event for the originating connection.
func ErrorEnvelope(code, message string) Envelope {
	return NewEnvelope(EventError, ErrorData{Code: code, Message: message})
}

// ConnectionSession is one journaled connection lifetime.
type ConnectionSession struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	RemoteAddr     string     `json:"remote_addr" db:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at" db:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty" db:"disconnected_at"`
	CloseReason    string     `json:"close_reason,omitempty" db:"close_reason"`
}

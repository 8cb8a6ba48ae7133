// Package protocol defines the WebSocket message types and structures used for
// communication between chat clients and the relay. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeClaimIdentity  = "claim_identity"
	TypeChangeIdentity = "change_identity"
	TypeMessage        = "message"
	TypeLogout         = "logout"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeIdentityConfirmed = "identity_confirmed"
	TypeIdentityRejected  = "identity_rejected"
	TypeHistory           = "history"
	TypeBanned            = "banned"
	TypeForceClosed       = "force_closed"
	TypeIdentityChanged   = "identity_changed"
	TypeRateLimited       = "rate_limited"
	TypeLoggedOut         = "logged_out"
	TypeUsers             = "users"
	TypeError             = "error"
	TypePong              = "pong"
)

// Presentation modes a client may request when claiming an identity.
const (
	ModeRich  = "rich"
	ModePlain = "plain"
)

// Error codes carried in ErrorMsg.
const (
	CodeBadRequest       = "bad_request"
	CodeNotAuthenticated = "not_authenticated"
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownCommand   = "unknown_command"
	CodeAlreadyClaimed   = "already_claimed"
	CodeInternal         = "internal_error"
	CodeTooManyFrames    = "too_many_frames"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClaimIdentityMsg is sent by the client to bind a display name to the
// connection. Device is an opaque token that stays stable across reconnects;
// Reconnect hints that the client held an identity before.
type ClaimIdentityMsg struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Device    string `json:"device,omitempty"`
	Reconnect bool   `json:"reconnect,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// ChangeIdentityMsg requests a new display name for an authenticated session.
type ChangeIdentityMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ChatMsg is a text message sent by the client to the room. Text starting
// with "/" is treated as a command.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LogoutMsg ends the session immediately, skipping the reconnection grace
// period.
type LogoutMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is accepted.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// IdentityConfirmedMsg carries the display name the relay resolved for the
// claim. Reconnected is set when a previous identity was restored.
type IdentityConfirmedMsg struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Reconnected bool   `json:"reconnected"`
}

// IdentityRejectedMsg is sent when a claim or rename cannot be honored.
type IdentityRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ServerChatMsg is a line delivered to the room. System lines (joins,
// departures, kicks) have System set and no From. Line is only filled for
// plain-mode clients.
type ServerChatMsg struct {
	Type   string `json:"type,omitempty"`
	From   string `json:"from,omitempty"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
	System bool   `json:"system,omitempty"`
	Line   string `json:"line,omitempty"`
}

// HistoryMsg replays recent room lines right after authentication, oldest
// first.
type HistoryMsg struct {
	Type    string          `json:"type"`
	Entries []ServerChatMsg `json:"entries"`
}

// BannedMsg is sent by the server when the client's device is banned.
type BannedMsg struct {
	Type      string `json:"type"`
	Remaining int    `json:"remaining"`
}

// ForceClosedMsg is sent right before the server closes a connection it did
// not expect to lose (kick, preemption by the same device).
type ForceClosedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// IdentityChangedMsg confirms a rename to the session that asked for it.
type IdentityChangedMsg struct {
	Type    string `json:"type"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// RateLimitedMsg is sent by the server when the client has been muted.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// LoggedOutMsg acknowledges an explicit logout.
type LoggedOutMsg struct {
	Type string `json:"type"`
}

// UsersMsg lists the identities currently in the room.
type UsersMsg struct {
	Type  string   `json:"type"`
	Names []string `json:"names"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeClaimIdentity:
		var m ClaimIdentityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChangeIdentity:
		var m ChangeIdentityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLogout:
		var m LogoutMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// marshal (the structs in this package). It panics on error.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

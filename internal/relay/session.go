package relay

import (
	"time"

	"github.com/huddle/relay/internal/protocol"
)

// MaxDeviceLength caps the device token a client may present.
const MaxDeviceLength = 128

// Session is the per-connection record. Name and Device are empty until the
// connection claims an identity; Device may stay empty for clients that never
// send one, which forfeits reconnection grace.
type Session struct {
	ConnID        string
	Name          string
	Device        string
	Mode          string
	Authenticated bool
	ConnectedAt   time.Time
	LastSeen      time.Time
}

// SessionInfo is the exported view of a Session used in snapshots.
type SessionInfo struct {
	ConnID        string    `json:"conn_id"`
	Name          string    `json:"name,omitempty"`
	Device        string    `json:"device,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ConnID:        s.ConnID,
		Name:          s.Name,
		Device:        s.Device,
		Mode:          s.Mode,
		Authenticated: s.Authenticated,
		ConnectedAt:   s.ConnectedAt,
		LastSeen:      s.LastSeen,
	}
}

func normalizeMode(mode string) string {
	if mode == protocol.ModePlain {
		return protocol.ModePlain
	}
	return protocol.ModeRich
}

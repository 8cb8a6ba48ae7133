package chat

// Event types mirrored to the event bus and the audit log.
const (
	EventMessage = "message"
	EventJoin    = "join"
	EventLeave   = "leave"
	EventRename  = "rename"
	EventKick    = "kick"
	EventBan     = "ban"
	EventUnban   = "unban"
	EventNotice  = "notice"
	EventClear   = "clear"
)

// Event is the payload published to the relay.events subject for every
// visible change in the room.
type Event struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`     // identity the event is about
	OldName  string `json:"old_name,omitempty"` // for rename events
	Device   string `json:"device,omitempty"`   // for moderation events
	Text     string `json:"text,omitempty"`     // for message and notice events
	Duration int    `json:"duration,omitempty"` // ban seconds
	Ts       int64  `json:"ts"`                 // unix timestamp
}

// IsModeration reports whether the event is a kick, ban or unban.
func (e Event) IsModeration() bool {
	switch e.Type {
	case EventKick, EventBan, EventUnban:
		return true
	}
	return false
}

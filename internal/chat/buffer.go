package chat

import "time"

// DefaultHistorySize is the number of recent lines replayed to a newly
// authenticated session.
const DefaultHistorySize = 50

// Entry represents a single line stored in the history ring.
type Entry struct {
	From   string `json:"from,omitempty"` // display name of sender, empty for system lines
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
	System bool   `json:"system,omitempty"`
}

// Line renders the entry as a single plain-text line, for example
// "[15:04:05] alice: hi" or "[15:04:05] * alice joined".
func (e Entry) Line() string {
	stamp := time.Unix(e.Ts, 0).UTC().Format("15:04:05")
	if e.System || e.From == "" {
		return "[" + stamp + "] * " + e.Text
	}
	return "[" + stamp + "] " + e.From + ": " + e.Text
}

// History stores the last N entries in a ring buffer. It is not
// goroutine-safe; the relay serializes access.
type History struct {
	items []Entry
	pos   int
	count int
}

// NewHistory creates an empty history holding up to capacity entries.
// A non-positive capacity falls back to DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{items: make([]Entry, capacity)}
}

// Add appends an entry. If the buffer is full, the oldest entry is
// overwritten.
func (h *History) Add(e Entry) {
	h.items[h.pos] = e
	h.pos = (h.pos + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Entries returns the retained entries in insertion order (oldest first).
// Returns an empty, non-nil slice if nothing has been added.
func (h *History) Entries() []Entry {
	size := len(h.items)
	result := make([]Entry, h.count)
	// The oldest entry is at position (pos - count) mod size.
	start := (h.pos - h.count + size) % size
	for i := 0; i < h.count; i++ {
		result[i] = h.items[(start+i)%size]
	}
	return result
}

// Clear drops every entry.
func (h *History) Clear() {
	for i := range h.items {
		h.items[i] = Entry{}
	}
	h.pos = 0
	h.count = 0
}

// Len returns the number of retained entries.
func (h *History) Len() int { return h.count }

// Cap returns the ring capacity.
func (h *History) Cap() int { return len(h.items) }

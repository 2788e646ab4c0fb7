package room

import "github.com/whisperwire/whisperwire/internal/message"

// HistoryEntry is one decrypted message as it was shown to the user.
type HistoryEntry struct {
	Sender string
	Text   string
	Kind   message.Kind
}

// History keeps per-room message logs in arrival order. Entries survive
// switching rooms, so re-joining a room shows what was seen before.
// Not safe for concurrent use; Manager serializes all access.
type History struct {
	rooms map[string][]HistoryEntry
}

func NewHistory() *History {
	return &History{rooms: make(map[string][]HistoryEntry)}
}

func (h *History) Append(room string, entry HistoryEntry) {
	h.rooms[room] = append(h.rooms[room], entry)
}

// Room returns a copy of the log for one room, oldest first.
func (h *History) Room(room string) []HistoryEntry {
	entries := h.rooms[room]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

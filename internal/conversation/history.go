package conversation

import "time"

// MaxHistory is the number of messages kept as generation context
const MaxHistory = 20

// Entry is one message of the simulated dialogue
type Entry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Generated bool      `json:"isGenerated"`
}

// History is a bounded, ordered log of the dialogue
type History struct {
	entries []Entry
	max     int
}

// NewHistory creates a history keeping at most max entries
func NewHistory(max int) *History {
	if max <= 0 {
		max = MaxHistory
	}
	return &History{max: max}
}

// Add appends e and evicts the oldest entries beyond the bound
func (h *History) Add(e Entry) {
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
}

// Len returns the number of kept entries
func (h *History) Len() int {
	return len(h.entries)
}

// Last returns the most recent entry
func (h *History) Last() (Entry, bool) {
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Tail returns a copy of the last n entries, oldest first
func (h *History) Tail(n int) []Entry {
	if n > len(h.entries) {
		n = len(h.entries)
	}
	return append([]Entry(nil), h.entries[len(h.entries)-n:]...)
}

// Entries returns a copy of all kept entries
func (h *History) Entries() []Entry {
	return h.Tail(len(h.entries))
}

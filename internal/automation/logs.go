package automation

import (
	"sync"
	"time"
)

// MaxLogEntries is the number of log entries retained for Logs.
const MaxLogEntries = 100

// SystemCredentialID tags log entries not tied to a credential.
const SystemCredentialID = "system"

// Level is the severity of a LogEntry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is one automation log line.
type LogEntry struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credentialId"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Level        Level     `json:"level"`
}

// logRing keeps the most recent entries in append order.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newLogRing(size int) *logRing {
	return &logRing{entries: make([]LogEntry, size)}
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the retained entries, oldest first.
func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]LogEntry(nil), r.entries[:r.next]...)
	}
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

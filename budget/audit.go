package budget

import (
	"sync"
	"time"
)

type (
	// AuditEntry is one audit log record.
	AuditEntry struct {
		At        time.Time `json:"at"`
		BudgetID  string    `json:"budgetId"`
		AgentID   string    `json:"agentId"`
		ProjectID string    `json:"projectId"`
		Percent   float64   `json:"percent"`
		Threshold float64   `json:"threshold"`
		Action    Action    `json:"action"`
		Message   string    `json:"message,omitempty"`
	}

	// AuditLog is a bounded in-memory ring of audit entries. When full, the
	// oldest entry is evicted. Thread-safe.
	AuditLog struct {
		mu      sync.Mutex
		entries []AuditEntry
		max     int
	}
)

// DefaultAuditSize bounds the audit ring when no size is configured.
const DefaultAuditSize = 4096

// NewAuditLog constructs a ring holding at most max entries; max <= 0 uses
// DefaultAuditSize.
func NewAuditLog(max int) *AuditLog {
	if max <= 0 {
		max = DefaultAuditSize
	}
	return &AuditLog{max: max}
}

// Append records an entry, evicting the oldest when the ring is full.
func (l *AuditLog) Append(e AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log, oldest first.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

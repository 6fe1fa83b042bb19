package scheduler

import (
	"sync"
	"time"
)

type (
	// Decision is one entry of the scheduler's decision log.
	Decision struct {
		ID      string    `json:"id"`
		AgentID string    `json:"agentId"`
		At      time.Time `json:"at"`
		Success bool      `json:"success"`
		// NodeID is the chosen node on success.
		NodeID string `json:"nodeId,omitempty"`
		// Reason is the failure classification on failure.
		Reason Reason `json:"reason,omitempty"`
		// Score is the winning node's affinity score.
		Score float64 `json:"score,omitempty"`
		// Victims lists agents preempted on behalf of this decision.
		Victims []string `json:"victims,omitempty"`
		// Latency is the wall time the attempt took.
		Latency time.Duration `json:"latency"`
	}

	// DecisionLog is a bounded in-memory ring of scheduling decisions, oldest
	// evicted first. Thread-safe.
	DecisionLog struct {
		mu      sync.Mutex
		entries []Decision
		max     int
	}
)

// DefaultDecisionLogSize bounds the ring when no size is configured.
const DefaultDecisionLogSize = 1024

// NewDecisionLog constructs a ring holding at most max decisions; max <= 0
// uses DefaultDecisionLogSize.
func NewDecisionLog(max int) *DecisionLog {
	if max <= 0 {
		max = DefaultDecisionLogSize
	}
	return &DecisionLog{max: max}
}

// Append records a decision, evicting the oldest when full.
func (l *DecisionLog) Append(d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, d)
}

// Entries returns a copy of the log, oldest first.
func (l *DecisionLog) Entries() []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Decision, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained decisions.
func (l *DecisionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

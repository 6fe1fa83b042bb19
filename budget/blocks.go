package budget

import (
	"sort"
	"sync"
	"time"
)

type (
	// BlockedAgent is one block registry record. A block is effective when
	// it is unapproved or its approval has expired; an expired approval
	// re-opens the block without a new threshold fire.
	BlockedAgent struct {
		AgentID   string    `json:"agentId"`
		BudgetID  string    `json:"budgetId"`
		BlockedAt time.Time `json:"blockedAt"`
		// Threshold is the ladder percentage that triggered the block.
		Threshold float64 `json:"threshold"`
		// Killed marks blocks produced by kill or audit actions.
		Killed bool `json:"killed,omitempty"`

		Approved          bool      `json:"approved"`
		ApprovedBy        string    `json:"approvedBy,omitempty"`
		ApprovedAt        time.Time `json:"approvedAt,omitempty"`
		ApprovalExpiresAt time.Time `json:"approvalExpiresAt,omitempty"`
	}

	// Blocks tracks agents awaiting approval. All operations are in-memory
	// and thread-safe behind one mutex; external actors tolerate stale reads
	// because approvals expire explicitly.
	Blocks struct {
		mu      sync.Mutex
		byAgent map[string]*BlockedAgent
		clock   func() time.Time
	}
)

// NewBlocks constructs an empty registry. A nil clock means time.Now.
func NewBlocks(clock func() time.Time) *Blocks {
	if clock == nil {
		clock = time.Now
	}
	return &Blocks{byAgent: make(map[string]*BlockedAgent), clock: clock}
}

// Block inserts or replaces the agent's block record.
func (b *Blocks) Block(agentID, budgetID string, threshold float64, killed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byAgent[agentID] = &BlockedAgent{
		AgentID:   agentID,
		BudgetID:  budgetID,
		BlockedAt: b.clock(),
		Threshold: threshold,
		Killed:    killed,
	}
}

// IsBlocked reports whether the agent has an effective block: a record that
// is unapproved, or whose approval has expired.
func (b *Blocks) IsBlocked(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byAgent[agentID]
	if !ok {
		return false
	}
	return b.effective(rec)
}

// Approve marks the agent's block approved for the given duration. Returns
// ErrNotBlocked when no record exists.
func (b *Blocks) Approve(agentID, approver string, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byAgent[agentID]
	if !ok {
		return ErrNotBlocked
	}
	now := b.clock()
	rec.Approved = true
	rec.ApprovedBy = approver
	rec.ApprovedAt = now
	rec.ApprovalExpiresAt = now.Add(duration)
	return nil
}

// Unblock deletes the agent's record. No-op when none exists.
func (b *Blocks) Unblock(agentID string) {
	b.mu.Lock()
	delete(b.byAgent, agentID)
	b.mu.Unlock()
}

// Get returns the agent's record regardless of approval state.
func (b *Blocks) Get(agentID string) (BlockedAgent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byAgent[agentID]
	if !ok {
		return BlockedAgent{}, false
	}
	return *rec, true
}

// List returns all effective blocks ordered by agent id. Records with a live
// approval are filtered out.
func (b *Blocks) List() []BlockedAgent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BlockedAgent, 0, len(b.byAgent))
	for _, rec := range b.byAgent {
		if b.effective(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (b *Blocks) effective(rec *BlockedAgent) bool {
	if !rec.Approved {
		return true
	}
	return b.clock().After(rec.ApprovalExpiresAt)
}

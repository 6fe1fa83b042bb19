package budget

import (
	"sync"
	"time"
)

type (
	// Triggered reports the single highest crossed threshold of a ladder.
	Triggered struct {
		// Threshold is the crossed ladder step.
		Threshold Threshold `json:"threshold"`
		// Percent is the used percentage that caused the fire.
		Percent float64 `json:"percent"`
	}

	// CooldownTracker suppresses refires of ladder steps per budget id. Safe
	// for concurrent use.
	CooldownTracker struct {
		mu    sync.Mutex
		fired map[string]map[float64]time.Time
		clock func() time.Time
	}
)

// ShouldBlock reports whether the action requires registering a block.
// Kill and audit imply block: a killed agent must not be rescheduled without
// approval.
func (t *Triggered) ShouldBlock() bool {
	switch t.Threshold.Action {
	case ActionBlock, ActionKill, ActionAudit:
		return true
	}
	return false
}

// ShouldKill reports whether the action terminates the run. Audit implies
// kill.
func (t *Triggered) ShouldKill() bool {
	return t.Threshold.Action == ActionKill || t.Threshold.Action == ActionAudit
}

// Check returns the highest ladder step whose percent is at or below the
// used percentage, or nil when none is crossed. An empty ladder never fires.
func Check(percent float64, ladder []Threshold) *Triggered {
	var best *Threshold
	for i := range ladder {
		step := &ladder[i]
		if percent < step.Percent {
			continue
		}
		if best == nil || step.Percent > best.Percent {
			best = step
		}
	}
	if best == nil {
		return nil
	}
	return &Triggered{Threshold: *best, Percent: percent}
}

// NewCooldownTracker constructs a tracker using the given clock; a nil clock
// means time.Now.
func NewCooldownTracker(clock func() time.Time) *CooldownTracker {
	if clock == nil {
		clock = time.Now
	}
	return &CooldownTracker{fired: make(map[string]map[float64]time.Time), clock: clock}
}

// Check behaves like the package-level Check but consults the per-budget
// fire history first: when the crossed step fired within its cooldown the
// call returns nil without recording anything; otherwise the fire time is
// recorded and the trigger returned.
func (c *CooldownTracker) Check(budgetID string, percent float64, ladder []Threshold) *Triggered {
	triggered := Check(percent, ladder)
	if triggered == nil {
		return nil
	}
	step := triggered.Threshold
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	fires := c.fired[budgetID]
	if fires == nil {
		fires = make(map[float64]time.Time)
		c.fired[budgetID] = fires
	}
	if step.CooldownSeconds > 0 {
		if last, ok := fires[step.Percent]; ok {
			if now.Sub(last) < time.Duration(step.CooldownSeconds)*time.Second {
				return nil
			}
		}
	}
	fires[step.Percent] = now
	return triggered
}

// Forget drops the fire history of a budget. Called when tracking ends.
func (c *CooldownTracker) Forget(budgetID string) {
	c.mu.Lock()
	delete(c.fired, budgetID)
	c.mu.Unlock()
}

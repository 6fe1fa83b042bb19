package scheduler

import (
	"sort"
	"sync"

	"goa.design/fleet/preemption"
)

// PriorityTable records the priority and labels of every agent the scheduler
// has seen. It satisfies preemption.Lookup, which is how the planner consults
// scheduler-owned state without depending on the scheduler.
type PriorityTable struct {
	mu      sync.RWMutex
	byAgent map[string]entry
}

type entry struct {
	priority preemption.Priority
	labels   map[string]string
}

// NewPriorityTable constructs an empty table.
func NewPriorityTable() *PriorityTable {
	return &PriorityTable{byAgent: make(map[string]entry)}
}

// Set records the agent's priority and labels, replacing any previous entry.
func (t *PriorityTable) Set(agentID string, priority preemption.Priority, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var copied map[string]string
	if labels != nil {
		copied = make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
	}
	t.byAgent[agentID] = entry{priority: priority, labels: copied}
}

// Priority returns the agent's recorded priority.
func (t *PriorityTable) Priority(agentID string) (preemption.Priority, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byAgent[agentID]
	return e.priority, ok
}

// Labels returns the agent's recorded labels, or nil for unknown agents.
func (t *PriorityTable) Labels(agentID string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byAgent[agentID].labels
}

// Forget drops the agent's entry. Called on unschedule.
func (t *PriorityTable) Forget(agentID string) {
	t.mu.Lock()
	delete(t.byAgent, agentID)
	t.mu.Unlock()
}

// Agents returns the recorded agent ids, sorted.
func (t *PriorityTable) Agents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byAgent))
	for id := range t.byAgent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

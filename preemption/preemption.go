// Package preemption plans victim sets: given a scheduling request that found
// no room, it selects the smallest set of lower-priority agents whose eviction
// frees enough resources, evicts them, and keeps checkpoints so victims can be
// resumed later.
//
// The planner deliberately knows nothing about the scheduler. It consults an
// agent-priority table and a resource view through small interfaces supplied
// at construction, so the scheduler can depend on the planner without a cycle.
package preemption

import (
	"context"
	"errors"
	"time"

	"goa.design/fleet/resources"
)

type (
	// Class is a numeric priority class. Comparison is numeric; the named
	// classes are conventional anchor points, not an exhaustive set.
	Class int

	// Policy controls whether an agent may be evicted to make room for a
	// higher-priority one.
	Policy string

	// Priority pairs a class with a preemption policy.
	Priority struct {
		Class  Class  `json:"class"`
		Policy Policy `json:"policy"`
	}

	// Lookup resolves the recorded priority of a placed agent. Agents with no
	// entry are treated as NORMAL with the default policy.
	Lookup interface {
		Priority(agentID string) (Priority, bool)
	}

	// Cluster is the narrow resource view the planner needs: per-agent
	// allocation records and the ability to release them. resources.Index
	// satisfies it.
	Cluster interface {
		AgentAllocation(ctx context.Context, agentID string) (string, resources.Resources, error)
		Release(ctx context.Context, agentID string) error
	}

	// Checkpointer snapshots a victim's state before eviction. Implementations
	// talk to the session layer; failures degrade to a bare checkpoint.
	Checkpointer interface {
		Checkpoint(ctx context.Context, agentID string) (Checkpoint, error)
	}

	// Checkpoint is an opaque snapshot of a preempted agent sufficient for a
	// later resume.
	Checkpoint struct {
		AgentID string    `json:"agentId"`
		NodeID  string    `json:"nodeId"`
		TakenAt time.Time `json:"takenAt"`
		// Progress estimates how far along the run was, in [0,1].
		Progress float64 `json:"progress,omitempty"`
		// State is the opaque snapshot payload.
		State []byte `json:"state,omitempty"`
	}

	// Victim records one eviction in the preempted registry.
	Victim struct {
		AgentID     string              `json:"agentId"`
		NodeID      string              `json:"nodeId"`
		PreemptedBy string              `json:"preemptedBy"`
		At          time.Time           `json:"at"`
		Freed       resources.Resources `json:"freed"`
	}

	// Request describes the resource shortfall to resolve.
	Request struct {
		// AgentID is the requester whose scheduling attempt came up short.
		AgentID string
		// Priority is the requester's priority.
		Priority Priority
		// Requirements is the full resource vector the requester needs.
		Requirements resources.Resources
		// Nodes are the eligible target nodes, in ranking order. Victims are
		// drawn only from these.
		Nodes []resources.NodeAllocation
	}

	// Result reports a successful plan execution.
	Result struct {
		// Victims lists the evicted agents in eviction order.
		Victims []Victim
		// Freed is the aggregate of the victims' released resources.
		Freed resources.Resources
	}
)

const (
	Batch    Class = 1
	Low      Class = 10
	Normal   Class = 100
	High     Class = 500
	Critical Class = 1000

	// PreemptLowerPriority allows the agent to evict strictly lower-priority
	// agents and to be evicted by strictly higher-priority ones.
	PreemptLowerPriority Policy = "PreemptLowerPriority"
	// Never exempts the agent from eviction entirely and forbids it from
	// evicting others.
	Never Policy = "Never"
)

// DefaultPriority is assumed for agents with no recorded priority.
var DefaultPriority = Priority{Class: Normal, Policy: PreemptLowerPriority}

const (
	// DefaultMinPriorityDifference is the smallest requester-minus-victim
	// class gap that makes the victim eligible.
	DefaultMinPriorityDifference = 100
	// DefaultMaxVictims caps evictions per request.
	DefaultMaxVictims = 3
)

var (
	// ErrDisabled indicates the planner was constructed disabled.
	ErrDisabled = errors.New("preemption disabled")
	// ErrRequesterUnpreemptable indicates the requester's own policy is Never,
	// which forbids it from evicting others.
	ErrRequesterUnpreemptable = errors.New("requester policy forbids preemption")
	// ErrInsufficient indicates no victim set frees enough resources.
	ErrInsufficient = errors.New("preemption cannot free enough resources")
	// ErrNotPreempted indicates the agent has no preemption record.
	ErrNotPreempted = errors.New("agent not preempted")
)

// Validate rejects priorities with a non-positive class or unknown policy.
func (p Priority) Validate() error {
	if p.Class <= 0 {
		return errors.New("preemption: priority class must be positive")
	}
	switch p.Policy {
	case PreemptLowerPriority, Never:
		return nil
	default:
		return errors.New("preemption: unknown preemption policy")
	}
}

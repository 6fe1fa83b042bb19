// Package scheduler places agents on nodes. A scheduling request is filtered
// through node health and the preferred-node narrowing, ranked by affinity,
// tie-broken by the bin-packing strategy, and allocated against the resource
// index. When nothing fits, the preemption planner is consulted once and the
// walk retried on the same ranking.
//
// Failures are typed: every terminal failure carries one of the Reason
// constants so callers can distinguish an unhealthy cluster from a full one.
package scheduler

import (
	"errors"
	"time"

	"goa.design/fleet/affinity"
	"goa.design/fleet/preemption"
	"goa.design/fleet/resources"
)

type (
	// Strategy is the bin-packing tie-breaker applied when the affinity
	// ranking leaves equal scores.
	Strategy string

	// Reason classifies a terminal scheduling failure.
	Reason string

	// Request describes one placement request.
	Request struct {
		// AgentID identifies the agent to place. Required.
		AgentID string `json:"agentId"`
		// Labels are the agent's labels, consulted by agent-affinity rules of
		// later requests.
		Labels map[string]string `json:"labels,omitempty"`
		// Requirements is the resource vector to reserve.
		Requirements resources.Resources `json:"requirements"`
		// Priority is the agent's priority. Nil means NORMAL with
		// PreemptLowerPriority.
		Priority *preemption.Priority `json:"priority,omitempty"`
		// Affinity carries the placement rules. Nil means no preference.
		Affinity *affinity.Affinity `json:"affinity,omitempty"`
		// PreferredNodes narrows candidates to the listed node ids. Nil means
		// no narrowing; an empty non-nil list matches nothing and fails.
		PreferredNodes []string `json:"preferredNodes,omitempty"`
		// Deadline bounds the whole scheduling attempt. Zero means
		// DefaultDeadline.
		Deadline time.Duration `json:"-"`
	}

	// Result is the outcome of a scheduling request.
	Result struct {
		Success bool      `json:"success"`
		AgentID string    `json:"agentId"`
		NodeID  string    `json:"nodeId,omitempty"`
		At      time.Time `json:"at"`
		// Allocated is the resource vector reserved on success.
		Allocated resources.Resources `json:"allocated,omitempty"`
		// Score is the winning node's affinity score in [0,100].
		Score float64 `json:"score,omitempty"`
		// PreemptedAgents lists agents evicted to make room, in eviction order.
		PreemptedAgents []string `json:"preemptedAgents,omitempty"`
		// Err carries the failure reason string on failure.
		Err string `json:"error,omitempty"`
	}

	// Failure is a typed terminal scheduling error.
	Failure struct {
		// Reason classifies the failure.
		Reason Reason
		// Message adds request-specific detail.
		Message string
	}
)

const (
	// BestFit picks the highest-utilization node that still fits, minimizing
	// fragmentation. The default.
	BestFit Strategy = "bestFit"
	// FirstFit keeps the affinity ranking order untouched.
	FirstFit Strategy = "firstFit"
	// WorstFit picks the lowest-utilization node, spreading load.
	WorstFit Strategy = "worstFit"
	// Spread picks the node with the fewest placed agents.
	Spread Strategy = "spread"
)

const (
	// ReasonNoHealthyNodes: no live healthy node exists.
	ReasonNoHealthyNodes Reason = "no-healthy-nodes"
	// ReasonNoPreferredNodes: the preferred-node narrowing left nothing.
	ReasonNoPreferredNodes Reason = "no-preferred-nodes"
	// ReasonAffinityEliminatesAll: hard affinity rules filtered every node.
	ReasonAffinityEliminatesAll Reason = "affinity-eliminates-all"
	// ReasonInsufficientResources: no node fits and preemption is unavailable.
	ReasonInsufficientResources Reason = "insufficient-resources"
	// ReasonPreemptionInsufficient: preemption could not free enough.
	ReasonPreemptionInsufficient Reason = "preemption-insufficient"
	// ReasonDeadlineExceeded: the attempt ran past its deadline; any partial
	// allocation was rolled back.
	ReasonDeadlineExceeded Reason = "deadline-exceeded"
)

// DefaultDeadline bounds a scheduling attempt when the request sets none.
const DefaultDeadline = 30 * time.Second

var (
	// ErrAgentPlaced indicates the agent already holds an active placement.
	ErrAgentPlaced = errors.New("agent already placed")
	// ErrNoCheckpoint indicates a reschedule for an agent that was never
	// preempted.
	ErrNoCheckpoint = errors.New("no checkpoint for agent")
)

// Error returns the reason and detail.
func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Message
}

// FailureReason extracts the typed reason from err, or empty when err is not
// a scheduling failure.
func FailureReason(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// Validate rejects malformed requests before any state mutates.
func (r *Request) Validate() error {
	if r.AgentID == "" {
		return errors.New("scheduler: agentId is required")
	}
	if r.Requirements.HasNegative() {
		return errors.New("scheduler: requirements cannot be negative")
	}
	if r.Priority != nil {
		if err := r.Priority.Validate(); err != nil {
			return err
		}
	}
	if err := r.Affinity.Validate(); err != nil {
		return err
	}
	if r.Deadline < 0 {
		return errors.New("scheduler: deadline cannot be negative")
	}
	return nil
}

func (s Strategy) valid() bool {
	switch s {
	case BestFit, FirstFit, WorstFit, Spread:
		return true
	}
	return false
}

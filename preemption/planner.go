package preemption

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/fleet/hooks"
	"goa.design/fleet/resources"
	"goa.design/fleet/telemetry"
)

type (
	// Planner selects and evicts victim sets and owns the checkpoint store
	// and the preempted registry. Safe for concurrent use.
	Planner struct {
		enabled      bool
		minDiff      int
		maxVictims   int
		cluster      Cluster
		priorities   Lookup
		checkpointer Checkpointer
		bus          hooks.Bus
		log          telemetry.Logger
		metrics      telemetry.Metrics
		clock        func() time.Time

		mu          sync.Mutex
		checkpoints map[string]Checkpoint
		preempted   map[string]Victim
	}

	// Options configures a Planner. Cluster and Priorities are required.
	Options struct {
		// Enabled turns planning on. A disabled planner fails every Plan call
		// with ErrDisabled.
		Enabled bool
		// Cluster provides allocation records and release.
		Cluster Cluster
		// Priorities resolves agent priorities.
		Priorities Lookup
		// MinPriorityDifference overrides the eligibility gap. Zero means
		// DefaultMinPriorityDifference.
		MinPriorityDifference int
		// MaxVictims overrides the per-request victim cap. Zero means
		// DefaultMaxVictims.
		MaxVictims int
		// Checkpointer snapshots victims before eviction. Nil records a bare
		// checkpoint with no payload.
		Checkpointer Checkpointer
		// Bus receives scheduling.preempted and scheduling.resumed events.
		// Nil publishes nothing.
		Bus hooks.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// candidate is an eligible victim with its current allocation.
	candidate struct {
		agentID  string
		nodeID   string
		priority Priority
		held     resources.Resources
	}
)

// NewPlanner validates the options and constructs a Planner.
func NewPlanner(opts Options) (*Planner, error) {
	if opts.Cluster == nil {
		return nil, errors.New("preemption: option Cluster is required")
	}
	if opts.Priorities == nil {
		return nil, errors.New("preemption: option Priorities is required")
	}
	p := &Planner{
		enabled:      opts.Enabled,
		minDiff:      opts.MinPriorityDifference,
		maxVictims:   opts.MaxVictims,
		cluster:      opts.Cluster,
		priorities:   opts.Priorities,
		checkpointer: opts.Checkpointer,
		bus:          opts.Bus,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		checkpoints:  make(map[string]Checkpoint),
		preempted:    make(map[string]Victim),
	}
	if p.minDiff == 0 {
		p.minDiff = DefaultMinPriorityDifference
	}
	if p.maxVictims == 0 {
		p.maxVictims = DefaultMaxVictims
	}
	if p.log == nil {
		p.log = telemetry.NewNoopLogger()
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNoopMetrics()
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	return p, nil
}

// Enabled reports whether the planner accepts Plan calls.
func (p *Planner) Enabled() bool { return p.enabled }

// Plan selects a victim set that frees the requested resources and evicts it.
// Selection prefers the lowest-priority candidates first and, on equal
// priority, the largest allocations, so as few agents as possible are
// disturbed. When the best achievable set still falls short the call fails
// with ErrInsufficient and no agent is touched.
//
// Evictions proceed in lexical node id order. A failed individual eviction is
// logged and skipped; the plan succeeds only if at least one eviction landed
// and the actually freed total still covers the requirement.
func (p *Planner) Plan(ctx context.Context, req Request) (Result, error) {
	if !p.enabled {
		return Result{}, ErrDisabled
	}
	if req.Priority.Policy == Never {
		return Result{}, ErrRequesterUnpreemptable
	}

	selected := p.selectVictims(ctx, req)
	var planned resources.Resources
	for _, c := range selected {
		planned = planned.Add(c.held)
	}
	if !planned.Covers(req.Requirements) {
		return Result{}, ErrInsufficient
	}

	// Node locks inside the index are taken in lexical node id order.
	sort.SliceStable(selected, func(a, b int) bool { return selected[a].nodeID < selected[b].nodeID })

	now := p.clock()
	var result Result
	for _, c := range selected {
		ckpt := p.checkpoint(ctx, c, now)
		if err := p.cluster.Release(ctx, c.agentID); err != nil {
			p.log.Error(ctx, "victim eviction failed", "agent_id", c.agentID, "node_id", c.nodeID, "err", err.Error())
			continue
		}
		victim := Victim{
			AgentID:     c.agentID,
			NodeID:      c.nodeID,
			PreemptedBy: req.AgentID,
			At:          now,
			Freed:       c.held,
		}
		p.mu.Lock()
		p.checkpoints[c.agentID] = ckpt
		p.preempted[c.agentID] = victim
		p.mu.Unlock()
		result.Victims = append(result.Victims, victim)
		result.Freed = result.Freed.Add(c.held)
		p.metrics.IncCounter("preemption_victims", 1)
		p.publish(ctx, hooks.NewSchedulingPreempted(c.agentID, c.nodeID, req.AgentID))
		p.log.Info(ctx, "agent preempted",
			"agent_id", c.agentID, "node_id", c.nodeID, "preempted_by", req.AgentID,
			"victim_class", int(c.priority.Class), "requester_class", int(req.Priority.Class))
	}
	if len(result.Victims) == 0 || !result.Freed.Covers(req.Requirements) {
		return Result{}, ErrInsufficient
	}
	return result, nil
}

// Resume consumes the agent's checkpoint and clears its preemption record.
// The caller re-issues the scheduling request; the planner only hands back
// the snapshot.
func (p *Planner) Resume(ctx context.Context, agentID string) (Checkpoint, error) {
	p.mu.Lock()
	ckpt, ok := p.checkpoints[agentID]
	if !ok {
		p.mu.Unlock()
		return Checkpoint{}, ErrNotPreempted
	}
	delete(p.checkpoints, agentID)
	delete(p.preempted, agentID)
	p.mu.Unlock()
	p.publish(ctx, hooks.NewSchedulingResumed(agentID))
	p.log.Info(ctx, "preempted agent resumed", "agent_id", agentID)
	return ckpt, nil
}

// Checkpoint returns the stored checkpoint without consuming it.
func (p *Planner) Checkpoint(agentID string) (Checkpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ckpt, ok := p.checkpoints[agentID]
	return ckpt, ok
}

// Preempted returns the agent's eviction record, if any.
func (p *Planner) Preempted(agentID string) (Victim, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.preempted[agentID]
	return v, ok
}

// ListPreempted returns all current eviction records ordered by agent id.
func (p *Planner) ListPreempted() []Victim {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Victim, 0, len(p.preempted))
	for _, v := range p.preempted {
		out = append(out, v)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AgentID < out[b].AgentID })
	return out
}

// selectVictims gathers eligible candidates across the target nodes, orders
// them lowest priority first (largest allocation on ties), and accumulates
// until the requirement is covered or the victim cap is hit.
func (p *Planner) selectVictims(ctx context.Context, req Request) []candidate {
	var candidates []candidate
	seen := make(map[string]bool)
	for _, node := range req.Nodes {
		for _, agentID := range node.Agents {
			if agentID == req.AgentID || seen[agentID] {
				continue
			}
			seen[agentID] = true
			prio, ok := p.priorities.Priority(agentID)
			if !ok {
				prio = DefaultPriority
			}
			if prio.Policy == Never {
				continue
			}
			if int(req.Priority.Class)-int(prio.Class) < p.minDiff {
				continue
			}
			nodeID, held, err := p.cluster.AgentAllocation(ctx, agentID)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{
				agentID:  agentID,
				nodeID:   nodeID,
				priority: prio,
				held:     held,
			})
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].priority.Class != candidates[b].priority.Class {
			return candidates[a].priority.Class < candidates[b].priority.Class
		}
		return candidates[a].held.Weight() > candidates[b].held.Weight()
	})

	var (
		selected []candidate
		freed    resources.Resources
	)
	for _, c := range candidates {
		if len(selected) == p.maxVictims {
			break
		}
		selected = append(selected, c)
		freed = freed.Add(c.held)
		if freed.Covers(req.Requirements) {
			break
		}
	}
	return selected
}

// checkpoint snapshots a victim. Checkpointer failures, and the nil
// checkpointer, degrade to a bare record so the victim remains resumable.
func (p *Planner) checkpoint(ctx context.Context, c candidate, now time.Time) Checkpoint {
	bare := Checkpoint{AgentID: c.agentID, NodeID: c.nodeID, TakenAt: now}
	if p.checkpointer == nil {
		return bare
	}
	ckpt, err := p.checkpointer.Checkpoint(ctx, c.agentID)
	if err != nil {
		p.log.Warn(ctx, "victim checkpoint failed, recording bare checkpoint",
			"agent_id", c.agentID, "err", err.Error())
		return bare
	}
	ckpt.AgentID = c.agentID
	ckpt.NodeID = c.nodeID
	ckpt.TakenAt = now
	return ckpt
}

func (p *Planner) publish(ctx context.Context, evt hooks.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.log.Error(ctx, "publishing preemption event failed", "event", string(evt.Type()), "err", err.Error())
	}
}


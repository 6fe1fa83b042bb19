package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/fleet/affinity"
	"goa.design/fleet/hooks"
	"goa.design/fleet/preemption"
	"goa.design/fleet/resources"
	"goa.design/fleet/telemetry"
)

type (
	// Core services scheduling requests against the resource index. Requests
	// are short-lived concurrent tasks; the index and the priority table are
	// the shared state.
	Core struct {
		index     resources.Index
		table     *PriorityTable
		planner   *preemption.Planner
		bus       hooks.Bus
		log       telemetry.Logger
		metrics   telemetry.Metrics
		strategy  Strategy
		deadline  time.Duration
		decisions *DecisionLog
		clock     func() time.Time
	}

	// Options configures a Core. Index is required.
	Options struct {
		// Index is the resource index placements are allocated against.
		Index resources.Index
		// Table records agent priorities and labels. Share the same table
		// with the preemption planner's Priorities option. Nil creates a
		// private table (then preemption, if wired, must use its own lookup).
		Table *PriorityTable
		// Planner enables preemption. Nil disables step 5 entirely.
		Planner *preemption.Planner
		// Bus receives scheduling.* events. Nil publishes nothing.
		Bus hooks.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Strategy is the bin-packing tie-breaker. Empty means BestFit.
		Strategy Strategy
		// Deadline bounds each attempt when the request sets none. Zero means
		// DefaultDeadline.
		Deadline time.Duration
		// DecisionLogSize bounds the decision log. Zero means
		// DefaultDecisionLogSize.
		DecisionLogSize int
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}
)

// New validates the options and constructs a Core.
func New(opts Options) (*Core, error) {
	if opts.Index == nil {
		return nil, errors.New("scheduler: option Index is required")
	}
	if opts.Strategy == "" {
		opts.Strategy = BestFit
	}
	if !opts.Strategy.valid() {
		return nil, fmt.Errorf("scheduler: unknown strategy %q", opts.Strategy)
	}
	c := &Core{
		index:     opts.Index,
		table:     opts.Table,
		planner:   opts.Planner,
		bus:       opts.Bus,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		strategy:  opts.Strategy,
		deadline:  opts.Deadline,
		decisions: NewDecisionLog(opts.DecisionLogSize),
		clock:     opts.Clock,
	}
	if c.table == nil {
		c.table = NewPriorityTable()
	}
	if c.log == nil {
		c.log = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	if c.deadline == 0 {
		c.deadline = DefaultDeadline
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// Table exposes the priority table so collaborators (the preemption planner)
// can share it.
func (c *Core) Table() *PriorityTable { return c.table }

// Decisions returns the decision log, oldest first.
func (c *Core) Decisions() []Decision { return c.decisions.Entries() }

// Schedule places the agent on the best eligible node. The walk is: live
// healthy nodes, narrowed to preferred nodes when given, ranked by affinity,
// tie-broken by the bin-packing strategy, allocated first-success. When no
// node fits and a planner is wired, one preemption round is attempted and the
// walk retried on the same ranking.
//
// On failure the returned error is a *Failure carrying the Reason; the Result
// mirrors it for decision-log consumers. A deadline expiry rolls back any
// allocation made within the attempt.
func (c *Core) Schedule(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{AgentID: req.AgentID, At: c.clock(), Err: err.Error()}, err
	}
	priority := preemption.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	c.table.Set(req.AgentID, priority, req.Labels)

	deadline := req.Deadline
	if deadline == 0 {
		deadline = c.deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := c.clock()
	c.publish(ctx, hooks.NewSchedulingRequested(req.AgentID))

	result, err := c.attempt(ctx, req, priority)
	result.AgentID = req.AgentID
	result.At = c.clock()

	decision := Decision{
		ID:      uuid.NewString(),
		AgentID: req.AgentID,
		At:      result.At,
		Success: result.Success,
		NodeID:  result.NodeID,
		Score:   result.Score,
		Victims: result.PreemptedAgents,
		Latency: c.clock().Sub(started),
	}
	if err != nil {
		result.Err = err.Error()
		decision.Reason = FailureReason(err)
		c.metrics.IncCounter("scheduling_failed", 1, "reason", string(decision.Reason))
		c.publish(ctx, hooks.NewSchedulingFailed(req.AgentID, string(decision.Reason)))
		c.log.Warn(ctx, "scheduling failed", "agent_id", req.AgentID, "reason", string(decision.Reason))
	} else {
		c.metrics.IncCounter("scheduling_succeeded", 1)
		c.publish(ctx, hooks.NewSchedulingSucceeded(req.AgentID, result.NodeID, result.Score))
		c.log.Info(ctx, "agent scheduled",
			"agent_id", req.AgentID, "node_id", result.NodeID, "score", result.Score,
			"preempted", len(result.PreemptedAgents))
	}
	c.metrics.RecordTimer("scheduling_latency", decision.Latency)
	c.decisions.Append(decision)
	return result, err
}

// Unschedule releases the agent's placement and forgets its priority entry.
func (c *Core) Unschedule(ctx context.Context, agentID string) error {
	if err := c.index.Release(ctx, agentID); err != nil {
		return err
	}
	c.table.Forget(agentID)
	c.publish(ctx, hooks.NewSchedulingUnscheduled(agentID))
	c.log.Info(ctx, "agent unscheduled", "agent_id", agentID)
	return nil
}

// Reschedule re-enters a preempted agent: it consumes the agent's checkpoint
// and defers to Schedule with the supplied request. Fails with ErrNoCheckpoint
// when the agent was never preempted.
func (c *Core) Reschedule(ctx context.Context, agentID string, req Request) (Result, preemption.Checkpoint, error) {
	if c.planner == nil {
		return Result{}, preemption.Checkpoint{}, ErrNoCheckpoint
	}
	ckpt, err := c.planner.Resume(ctx, agentID)
	if err != nil {
		if errors.Is(err, preemption.ErrNotPreempted) {
			return Result{}, preemption.Checkpoint{}, ErrNoCheckpoint
		}
		return Result{}, preemption.Checkpoint{}, err
	}
	req.AgentID = agentID
	result, err := c.Schedule(ctx, req)
	return result, ckpt, err
}

// attempt runs the candidate walk and, when needed, the preemption round.
func (c *Core) attempt(ctx context.Context, req Request, priority preemption.Priority) (Result, error) {
	allNodes, err := c.index.ListAllocations(ctx)
	if err != nil {
		return Result{}, err
	}
	now := c.clock()
	live := make([]resources.NodeAllocation, 0, len(allNodes))
	for _, n := range allNodes {
		if n.Healthy && now.Sub(n.LastHeartbeat) <= resources.NodeTTL {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return Result{}, &Failure{Reason: ReasonNoHealthyNodes, Message: "no live healthy node registered"}
	}

	// A nil preferred list means no narrowing; a present-but-empty list is an
	// explicit request for nothing and fails even when the cluster has room.
	candidates := live
	if req.PreferredNodes != nil {
		preferred := make(map[string]bool, len(req.PreferredNodes))
		for _, id := range req.PreferredNodes {
			preferred[id] = true
		}
		candidates = candidates[:0:0]
		for _, n := range live {
			if preferred[n.NodeID] {
				candidates = append(candidates, n)
			}
		}
		if len(candidates) == 0 {
			return Result{}, &Failure{Reason: ReasonNoPreferredNodes, Message: "no preferred node is live and healthy"}
		}
	}

	ranked := affinity.Rank(req.Labels, candidates, allNodes, c.table.Labels, req.Affinity)
	if len(ranked) == 0 {
		return Result{}, &Failure{Reason: ReasonAffinityEliminatesAll, Message: "hard affinity rules eliminated every candidate"}
	}
	ranked = order(ranked, c.strategy)

	result, placed, err := c.walk(ctx, req, ranked)
	if err != nil || placed {
		return result, err
	}

	if c.planner == nil || !c.planner.Enabled() {
		return Result{}, &Failure{Reason: ReasonInsufficientResources, Message: "no candidate node has capacity"}
	}
	targets := make([]resources.NodeAllocation, 0, len(ranked))
	for _, r := range ranked {
		targets = append(targets, r.Node)
	}
	plan, err := c.planner.Plan(ctx, preemption.Request{
		AgentID:      req.AgentID,
		Priority:     priority,
		Requirements: req.Requirements,
		Nodes:        targets,
	})
	if err != nil {
		if errors.Is(err, preemption.ErrDisabled) {
			return Result{}, &Failure{Reason: ReasonInsufficientResources, Message: "no candidate node has capacity"}
		}
		return Result{}, &Failure{Reason: ReasonPreemptionInsufficient, Message: err.Error()}
	}
	victims := make([]string, 0, len(plan.Victims))
	for _, v := range plan.Victims {
		victims = append(victims, v.AgentID)
	}

	result, placed, err = c.walk(ctx, req, ranked)
	if err != nil {
		return result, err
	}
	if !placed {
		return Result{}, &Failure{Reason: ReasonPreemptionInsufficient, Message: "capacity still short after preemption"}
	}
	result.PreemptedAgents = victims
	return result, nil
}

// walk tries the ranked candidates in order, allocating on the first fit. A
// deadline expiry after a successful allocation rolls it back so the attempt
// fails without partial state.
func (c *Core) walk(ctx context.Context, req Request, ranked []affinity.RankedNode) (Result, bool, error) {
	for _, candidate := range ranked {
		if ctx.Err() != nil {
			return Result{}, false, &Failure{Reason: ReasonDeadlineExceeded, Message: ctx.Err().Error()}
		}
		nodeID := candidate.Node.NodeID
		fits, err := c.index.HasCapacity(ctx, nodeID, req.Requirements)
		if err != nil {
			if errors.Is(err, resources.ErrNodeNotFound) {
				continue // node evicted mid-walk
			}
			return Result{}, false, err
		}
		if !fits {
			continue
		}
		ok, err := c.index.Allocate(ctx, req.AgentID, nodeID, req.Requirements)
		if err != nil {
			if errors.Is(err, resources.ErrAgentAllocated) {
				return Result{}, false, fmt.Errorf("%w: %s", ErrAgentPlaced, req.AgentID)
			}
			if errors.Is(err, resources.ErrNodeNotFound) {
				continue
			}
			return Result{}, false, err
		}
		if !ok {
			// Raced with another placement; keep walking.
			continue
		}
		if ctx.Err() != nil {
			if rerr := c.index.Release(ctx, req.AgentID); rerr != nil {
				c.log.Error(ctx, "deadline rollback failed", "agent_id", req.AgentID, "err", rerr.Error())
			}
			return Result{}, false, &Failure{Reason: ReasonDeadlineExceeded, Message: ctx.Err().Error()}
		}
		return Result{
			Success:   true,
			NodeID:    nodeID,
			Allocated: req.Requirements.Clone(),
			Score:     candidate.Result.Score,
		}, true, nil
	}
	return Result{}, false, nil
}

func (c *Core) publish(ctx context.Context, evt hooks.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.log.Error(ctx, "publishing scheduling event failed", "event", string(evt.Type()), "err", err.Error())
	}
}

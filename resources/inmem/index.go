// Package inmem provides the in-process implementation of resources.Index.
// Topology (which nodes exist, which node each agent is on) is guarded by one
// RW mutex; each node's counters are guarded by a per-node mutex so
// allocations against distinct nodes proceed concurrently. The index mutex is
// never held while a node mutex is waited on in the reverse order.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/fleet/resources"
	"goa.design/fleet/telemetry"
)

type (
	// Index implements resources.Index in memory with no durability. This is
	// also the fallback behind the Redis-backed index when the external store
	// is unavailable.
	Index struct {
		mu     sync.RWMutex
		nodes  map[string]*node
		agents map[string]string

		ttl   time.Duration
		clock func() time.Time
		log   telemetry.Logger
	}

	// node holds one node's mutable state. counters and the agent set change
	// together under mu.
	node struct {
		mu            sync.Mutex
		labels        map[string]string
		capacity      resources.Resources
		allocated     resources.Resources
		agents        map[string]resources.Resources
		lastHeartbeat time.Time
		healthy       bool
	}

	// Option customizes an Index.
	Option func(*Index)
)

// WithClock overrides the time source. Tests use this to age heartbeats.
func WithClock(clock func() time.Time) Option {
	return func(i *Index) { i.clock = clock }
}

// WithTTL overrides the node liveness TTL (default resources.NodeTTL).
func WithTTL(ttl time.Duration) Option {
	return func(i *Index) { i.ttl = ttl }
}

// WithLogger installs the logger used by the stale-node pass.
func WithLogger(log telemetry.Logger) Option {
	return func(i *Index) { i.log = log }
}

// New constructs an empty Index.
func New(opts ...Option) *Index {
	i := &Index{
		nodes:  make(map[string]*node),
		agents: make(map[string]string),
		ttl:    resources.NodeTTL,
		clock:  time.Now,
		log:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// RegisterNode creates or replaces the node record. Replacement resets
// allocation; any agents recorded on a previous incarnation are forgotten.
func (i *Index) RegisterNode(_ context.Context, nodeID string, labels map[string]string, capacity resources.Resources) error {
	n := &node{
		labels:        cloneLabels(labels),
		capacity:      capacity.Clone(),
		agents:        make(map[string]resources.Resources),
		lastHeartbeat: i.clock(),
		healthy:       true,
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if prev, ok := i.nodes[nodeID]; ok {
		prev.mu.Lock()
		for agentID := range prev.agents {
			delete(i.agents, agentID)
		}
		prev.mu.Unlock()
	}
	i.nodes[nodeID] = n
	return nil
}

// Heartbeat refreshes liveness and health.
func (i *Index) Heartbeat(_ context.Context, nodeID string, healthy bool) error {
	n, err := i.node(nodeID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.lastHeartbeat = i.clock()
	n.healthy = healthy
	n.mu.Unlock()
	return nil
}

// RemoveNode deletes the node and releases the allocation records of every
// agent placed on it.
func (i *Index) RemoveNode(_ context.Context, nodeID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	n, ok := i.nodes[nodeID]
	if !ok {
		return resources.ErrNodeNotFound
	}
	n.mu.Lock()
	for agentID := range n.agents {
		delete(i.agents, agentID)
	}
	n.mu.Unlock()
	delete(i.nodes, nodeID)
	return nil
}

// Allocate reserves the request for the agent on the node, or returns false
// untouched when any dimension would exceed capacity.
func (i *Index) Allocate(_ context.Context, agentID, nodeID string, req resources.Resources) (bool, error) {
	if req.HasNegative() {
		return false, resources.ErrNegativeResources
	}
	i.mu.Lock()
	if _, ok := i.agents[agentID]; ok {
		i.mu.Unlock()
		return false, resources.ErrAgentAllocated
	}
	n, ok := i.nodes[nodeID]
	if !ok {
		i.mu.Unlock()
		return false, resources.ErrNodeNotFound
	}
	// Reserve the agent slot before releasing the index lock so a concurrent
	// Allocate for the same agent observes the uniqueness invariant.
	i.agents[agentID] = nodeID
	i.mu.Unlock()

	n.mu.Lock()
	if !req.Add(n.allocated).FitsWithin(n.capacity) {
		n.mu.Unlock()
		i.mu.Lock()
		delete(i.agents, agentID)
		i.mu.Unlock()
		return false, nil
	}
	n.allocated = n.allocated.Add(req)
	n.agents[agentID] = req.Clone()
	n.mu.Unlock()
	return true, nil
}

// Release frees the agent's recorded allocation using the per-agent record
// captured at Allocate time.
func (i *Index) Release(_ context.Context, agentID string) error {
	i.mu.Lock()
	nodeID, ok := i.agents[agentID]
	if !ok {
		i.mu.Unlock()
		return resources.ErrAgentNotAllocated
	}
	delete(i.agents, agentID)
	n := i.nodes[nodeID]
	i.mu.Unlock()
	if n == nil {
		// Node evicted between bookkeeping updates; nothing left to free.
		return nil
	}
	n.mu.Lock()
	if rec, ok := n.agents[agentID]; ok {
		n.allocated = n.allocated.Subtract(rec)
		delete(n.agents, agentID)
	}
	n.mu.Unlock()
	return nil
}

// Allocation returns the node's current state.
func (i *Index) Allocation(_ context.Context, nodeID string) (resources.NodeAllocation, error) {
	n, err := i.node(nodeID)
	if err != nil {
		return resources.NodeAllocation{}, err
	}
	return n.snapshot(nodeID), nil
}

// ListAllocations returns every node's state ordered by nodeID.
func (i *Index) ListAllocations(_ context.Context) ([]resources.NodeAllocation, error) {
	i.mu.RLock()
	ids := make([]string, 0, len(i.nodes))
	byID := make(map[string]*node, len(i.nodes))
	for id, n := range i.nodes {
		ids = append(ids, id)
		byID[id] = n
	}
	i.mu.RUnlock()
	sort.Strings(ids)
	out := make([]resources.NodeAllocation, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id].snapshot(id))
	}
	return out, nil
}

// AgentNode returns the node the agent is placed on.
func (i *Index) AgentNode(_ context.Context, agentID string) (string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	nodeID, ok := i.agents[agentID]
	if !ok {
		return "", resources.ErrAgentNotAllocated
	}
	return nodeID, nil
}

// AgentAllocation returns the node the agent is on and its recorded
// allocation.
func (i *Index) AgentAllocation(_ context.Context, agentID string) (string, resources.Resources, error) {
	i.mu.RLock()
	nodeID, ok := i.agents[agentID]
	if !ok {
		i.mu.RUnlock()
		return "", resources.Resources{}, resources.ErrAgentNotAllocated
	}
	n := i.nodes[nodeID]
	i.mu.RUnlock()
	if n == nil {
		return "", resources.Resources{}, resources.ErrAgentNotAllocated
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.agents[agentID]
	if !ok {
		return "", resources.Resources{}, resources.ErrAgentNotAllocated
	}
	return nodeID, rec.Clone(), nil
}

// HasCapacity reports whether the request would fit the node right now.
func (i *Index) HasCapacity(_ context.Context, nodeID string, req resources.Resources) (bool, error) {
	if req.HasNegative() {
		return false, resources.ErrNegativeResources
	}
	n, err := i.node(nodeID)
	if err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return req.Add(n.allocated).FitsWithin(n.capacity), nil
}

// Utilization returns the node's usage summary.
func (i *Index) Utilization(_ context.Context, nodeID string) (resources.Utilization, error) {
	n, err := i.node(nodeID)
	if err != nil {
		return resources.Utilization{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.allocated.Utilization(n.capacity), nil
}

// ClusterUtilization returns per-node utilization and the cluster average.
func (i *Index) ClusterUtilization(ctx context.Context) (resources.ClusterUtilization, error) {
	allocs, err := i.ListAllocations(ctx)
	if err != nil {
		return resources.ClusterUtilization{}, err
	}
	out := resources.ClusterUtilization{Nodes: make(map[string]resources.Utilization, len(allocs))}
	var sum float64
	for _, a := range allocs {
		u := a.Allocated.Utilization(a.Capacity)
		out.Nodes[a.NodeID] = u
		sum += u.Overall
	}
	if len(allocs) > 0 {
		out.Average = sum / float64(len(allocs))
	}
	return out, nil
}

// RemoveStale evicts nodes silent for longer than the TTL, releasing the
// allocation records of agents that were on them.
func (i *Index) RemoveStale(ctx context.Context) ([]string, error) {
	cutoff := i.clock().Add(-i.ttl)
	i.mu.RLock()
	var stale []string
	for id, n := range i.nodes {
		n.mu.Lock()
		old := n.lastHeartbeat.Before(cutoff)
		n.mu.Unlock()
		if old {
			stale = append(stale, id)
		}
	}
	i.mu.RUnlock()
	sort.Strings(stale)
	for _, id := range stale {
		if err := i.RemoveNode(ctx, id); err != nil {
			continue // already gone
		}
		i.log.Warn(ctx, "evicted stale node", "node_id", id, "ttl", i.ttl.String())
	}
	return stale, nil
}

func (i *Index) node(nodeID string) (*node, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n, ok := i.nodes[nodeID]
	if !ok {
		return nil, resources.ErrNodeNotFound
	}
	return n, nil
}

func (n *node) snapshot(nodeID string) resources.NodeAllocation {
	n.mu.Lock()
	defer n.mu.Unlock()
	agents := make([]string, 0, len(n.agents))
	for id := range n.agents {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return resources.NodeAllocation{
		NodeID:        nodeID,
		Labels:        cloneLabels(n.labels),
		Capacity:      n.capacity.Clone(),
		Allocated:     n.allocated.Clone(),
		Agents:        agents,
		LastHeartbeat: n.lastHeartbeat,
		Healthy:       n.healthy,
	}
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Package redis implements resources.Index against a Redis store so several
// control-plane processes can share one view of the cluster.
//
// The in-process index (resources/inmem) stays authoritative: every mutation
// applies there first, then is mirrored to Redis through a pipelined
// transaction. Reads never touch Redis. When the store is unreachable the
// mirror writes queue up, bounded and oldest-first evicted, and replay in
// order on the next successful round trip. Mirror writes are idempotent
// snapshots of the current state, so replaying a stale entry converges.
//
// Key scheme, all under a configurable prefix:
//
//	<prefix>:scheduler:nodes            set of registered node ids
//	<prefix>:scheduler:nodes:<nodeId>   node record JSON, TTL-bound
//	<prefix>:scheduler:resources:node:<nodeId>  allocation breakdown JSON
//	<prefix>:scheduler:agents:<agentId> agent placement JSON
//
// Node-scoped keys carry the liveness TTL so entries of crashed processes
// expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/fleet/resources"
	"goa.design/fleet/resources/inmem"
	"goa.design/fleet/telemetry"
)

type (
	// Index implements resources.Index with a Redis mirror over the in-process
	// index.
	Index struct {
		rdb     *redis.Client
		prefix  string
		ttl     time.Duration
		timeout time.Duration
		cache   *inmem.Index
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		queue   []op
		dropped int
	}

	// Options configures the Redis-backed index. Redis is required.
	Options struct {
		// Redis is the connection to the shared store.
		Redis *redis.Client
		// Prefix namespaces every key. Defaults to DefaultPrefix.
		Prefix string
		// TTL is the node liveness window (default resources.NodeTTL).
		TTL time.Duration
		// OperationTimeout bounds each mirror round trip. Zero uses
		// DefaultOperationTimeout.
		OperationTimeout time.Duration
		// Clock overrides the time source. Tests use this to age heartbeats.
		Clock func() time.Time
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	opKind int

	// op is one queued mirror write. nodeID and agentID identify the subject;
	// agents carries the ids to clean up on node removal.
	op struct {
		kind    opKind
		nodeID  string
		agentID string
		agents  []string
	}

	// nodeResourcesDoc is the allocation breakdown persisted per node.
	nodeResourcesDoc struct {
		Allocated resources.Resources            `json:"allocated"`
		Agents    map[string]resources.Resources `json:"agents,omitempty"`
	}

	// agentDoc is the placement record persisted per agent.
	agentDoc struct {
		NodeID    string              `json:"nodeId"`
		Resources resources.Resources `json:"resources"`
	}
)

const (
	opNode opKind = iota
	opAllocate
	opRelease
	opRemoveNode
)

const (
	// DefaultPrefix namespaces the keys of a deployment.
	DefaultPrefix = "fleet"
	// DefaultOperationTimeout bounds one mirror round trip.
	DefaultOperationTimeout = 5 * time.Second
	// ReplayQueueLimit caps the number of queued mirror writes while the
	// store is down. Overflow evicts the oldest entry.
	ReplayQueueLimit = 10000

	clientName = "resources-redis"
)

// New constructs the index and hydrates the in-process state from whatever
// the store currently holds. An unreachable store is not an error: the index
// starts empty and mirrors catch up once Redis returns.
func New(opts Options) (*Index, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis: option Redis is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = resources.NodeTTL
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	cacheOpts := []inmem.Option{inmem.WithTTL(ttl), inmem.WithLogger(log)}
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, inmem.WithClock(opts.Clock))
	}
	i := &Index{
		rdb:     opts.Redis,
		prefix:  prefix,
		ttl:     ttl,
		timeout: timeout,
		cache:   inmem.New(cacheOpts...),
		log:     log,
		metrics: metrics,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := i.hydrate(ctx); err != nil {
		i.log.Warn(ctx, "resource store unreachable, starting empty", "err", err.Error())
	}
	return i, nil
}

// Name identifies the client for health checks.
func (i *Index) Name() string { return clientName }

// Ping reports store reachability.
func (i *Index) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return i.rdb.Ping(ctx).Err()
}

// Pending returns the number of mirror writes waiting for the store.
func (i *Index) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// RegisterNode creates or replaces the node record.
func (i *Index) RegisterNode(ctx context.Context, nodeID string, labels map[string]string, capacity resources.Resources) error {
	if err := i.cache.RegisterNode(ctx, nodeID, labels, capacity); err != nil {
		return err
	}
	i.mirror(ctx, op{kind: opNode, nodeID: nodeID})
	return nil
}

// Heartbeat refreshes liveness and health.
func (i *Index) Heartbeat(ctx context.Context, nodeID string, healthy bool) error {
	if err := i.cache.Heartbeat(ctx, nodeID, healthy); err != nil {
		return err
	}
	i.mirror(ctx, op{kind: opNode, nodeID: nodeID})
	return nil
}

// RemoveNode deletes the node and the allocations of the agents on it.
func (i *Index) RemoveNode(ctx context.Context, nodeID string) error {
	snap, err := i.cache.Allocation(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := i.cache.RemoveNode(ctx, nodeID); err != nil {
		return err
	}
	i.mirror(ctx, op{kind: opRemoveNode, nodeID: nodeID, agents: snap.Agents})
	return nil
}

// Allocate reserves the request for the agent on the node.
func (i *Index) Allocate(ctx context.Context, agentID, nodeID string, req resources.Resources) (bool, error) {
	ok, err := i.cache.Allocate(ctx, agentID, nodeID, req)
	if err != nil || !ok {
		return ok, err
	}
	i.mirror(ctx, op{kind: opAllocate, nodeID: nodeID, agentID: agentID})
	return true, nil
}

// Release frees the agent's allocation.
func (i *Index) Release(ctx context.Context, agentID string) error {
	nodeID, _, err := i.cache.AgentAllocation(ctx, agentID)
	if err != nil {
		return err
	}
	if err := i.cache.Release(ctx, agentID); err != nil {
		return err
	}
	i.mirror(ctx, op{kind: opRelease, nodeID: nodeID, agentID: agentID})
	return nil
}

// Allocation returns the node's current state.
func (i *Index) Allocation(ctx context.Context, nodeID string) (resources.NodeAllocation, error) {
	return i.cache.Allocation(ctx, nodeID)
}

// ListAllocations returns every node's state ordered by nodeID.
func (i *Index) ListAllocations(ctx context.Context) ([]resources.NodeAllocation, error) {
	return i.cache.ListAllocations(ctx)
}

// AgentNode returns the node the agent is placed on.
func (i *Index) AgentNode(ctx context.Context, agentID string) (string, error) {
	return i.cache.AgentNode(ctx, agentID)
}

// AgentAllocation returns the node the agent is on and its recorded
// allocation.
func (i *Index) AgentAllocation(ctx context.Context, agentID string) (string, resources.Resources, error) {
	return i.cache.AgentAllocation(ctx, agentID)
}

// HasCapacity reports whether the request would fit the node right now.
func (i *Index) HasCapacity(ctx context.Context, nodeID string, req resources.Resources) (bool, error) {
	return i.cache.HasCapacity(ctx, nodeID, req)
}

// Utilization returns the node's usage summary.
func (i *Index) Utilization(ctx context.Context, nodeID string) (resources.Utilization, error) {
	return i.cache.Utilization(ctx, nodeID)
}

// ClusterUtilization returns per-node utilization and the cluster average.
func (i *Index) ClusterUtilization(ctx context.Context) (resources.ClusterUtilization, error) {
	return i.cache.ClusterUtilization(ctx)
}

// RemoveStale evicts nodes silent for longer than the TTL. The mirrored node
// keys carry the same TTL and expire on their own; the explicit removal
// cleans up the id set and the agent placements.
func (i *Index) RemoveStale(ctx context.Context) ([]string, error) {
	agentsByNode := make(map[string][]string)
	if allocs, err := i.cache.ListAllocations(ctx); err == nil {
		for _, a := range allocs {
			agentsByNode[a.NodeID] = a.Agents
		}
	}
	stale, err := i.cache.RemoveStale(ctx)
	for _, nodeID := range stale {
		i.mirror(ctx, op{kind: opRemoveNode, nodeID: nodeID, agents: agentsByNode[nodeID]})
	}
	return stale, err
}

// mirror enqueues the op and flushes the queue. Mirror failures never fail
// the mutation: the in-process index already holds the truth.
func (i *Index) mirror(ctx context.Context, o op) {
	i.mu.Lock()
	if len(i.queue) >= ReplayQueueLimit {
		i.queue = i.queue[1:]
		i.dropped++
		i.metrics.IncCounter("resource_mirror_evicted", 1)
	}
	i.queue = append(i.queue, o)
	i.mu.Unlock()
	i.flush(ctx)
}

// flush replays queued mirror writes in order, stopping at the first failure.
func (i *Index) flush(ctx context.Context) {
	for {
		i.mu.Lock()
		if len(i.queue) == 0 {
			i.mu.Unlock()
			return
		}
		o := i.queue[0]
		i.queue = i.queue[1:]
		i.mu.Unlock()

		if err := i.apply(ctx, o); err != nil {
			i.mu.Lock()
			i.queue = append([]op{o}, i.queue...)
			pending := len(i.queue)
			i.mu.Unlock()
			i.metrics.IncCounter("resource_mirror_deferred", 1)
			i.log.Warn(ctx, "resource store unavailable, mirror write queued",
				"pending", pending, "err", err.Error())
			return
		}
	}
}

// apply executes one mirror write as a pipelined transaction built from the
// current in-process snapshot.
func (i *Index) apply(ctx context.Context, o op) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	pipe := i.rdb.TxPipeline()
	switch o.kind {
	case opNode, opAllocate, opRelease:
		if err := i.pipeNode(ctx, pipe, o.nodeID); err != nil {
			return err
		}
		if o.kind == opAllocate {
			if err := i.pipeAgent(ctx, pipe, o.agentID); err != nil {
				return err
			}
		}
		if o.kind == opRelease {
			pipe.Del(ctx, i.keyAgent(o.agentID))
		}
	case opRemoveNode:
		pipe.Del(ctx, i.keyNode(o.nodeID), i.keyNodeResources(o.nodeID))
		pipe.SRem(ctx, i.keyNodeSet(), o.nodeID)
		for _, agentID := range o.agents {
			pipe.Del(ctx, i.keyAgent(agentID))
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// pipeNode queues the node record and allocation breakdown writes. A node
// removed since the op was queued degrades to a removal write.
func (i *Index) pipeNode(ctx context.Context, pipe redis.Pipeliner, nodeID string) error {
	snap, err := i.cache.Allocation(ctx, nodeID)
	if errors.Is(err, resources.ErrNodeNotFound) {
		pipe.Del(ctx, i.keyNode(nodeID), i.keyNodeResources(nodeID))
		pipe.SRem(ctx, i.keyNodeSet(), nodeID)
		return nil
	}
	if err != nil {
		return err
	}
	record, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	doc := nodeResourcesDoc{Allocated: snap.Allocated}
	if len(snap.Agents) > 0 {
		doc.Agents = make(map[string]resources.Resources, len(snap.Agents))
		for _, agentID := range snap.Agents {
			_, rec, err := i.cache.AgentAllocation(ctx, agentID)
			if err != nil {
				continue // released since the snapshot
			}
			doc.Agents[agentID] = rec
		}
	}
	breakdown, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	pipe.Set(ctx, i.keyNode(nodeID), record, i.ttl)
	pipe.Set(ctx, i.keyNodeResources(nodeID), breakdown, i.ttl)
	pipe.SAdd(ctx, i.keyNodeSet(), nodeID)
	return nil
}

// pipeAgent queues the agent placement write.
func (i *Index) pipeAgent(ctx context.Context, pipe redis.Pipeliner, agentID string) error {
	nodeID, rec, err := i.cache.AgentAllocation(ctx, agentID)
	if errors.Is(err, resources.ErrAgentNotAllocated) {
		pipe.Del(ctx, i.keyAgent(agentID))
		return nil
	}
	if err != nil {
		return err
	}
	data, err := json.Marshal(agentDoc{NodeID: nodeID, Resources: rec})
	if err != nil {
		return err
	}
	pipe.Set(ctx, i.keyAgent(agentID), data, 0)
	return nil
}

// hydrate rebuilds the in-process state from the store. Heartbeats restart
// fresh; registered nodes refresh theirs within one heartbeat interval.
func (i *Index) hydrate(ctx context.Context) error {
	ids, err := i.rdb.SMembers(ctx, i.keyNodeSet()).Result()
	if err != nil {
		return err
	}
	for _, nodeID := range ids {
		raw, err := i.rdb.Get(ctx, i.keyNode(nodeID)).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired, the next sweep drops it from the set
		}
		if err != nil {
			return err
		}
		var snap resources.NodeAllocation
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			i.log.Warn(ctx, "skipping corrupt node record", "node_id", nodeID, "err", err.Error())
			continue
		}
		if err := i.cache.RegisterNode(ctx, nodeID, snap.Labels, snap.Capacity); err != nil {
			return err
		}
		if err := i.cache.Heartbeat(ctx, nodeID, snap.Healthy); err != nil {
			return err
		}
		if err := i.hydrateAllocations(ctx, nodeID); err != nil {
			return err
		}
	}
	return nil
}

func (i *Index) hydrateAllocations(ctx context.Context, nodeID string) error {
	raw, err := i.rdb.Get(ctx, i.keyNodeResources(nodeID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc nodeResourcesDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		i.log.Warn(ctx, "skipping corrupt allocation record", "node_id", nodeID, "err", err.Error())
		return nil
	}
	for agentID, rec := range doc.Agents {
		ok, err := i.cache.Allocate(ctx, agentID, nodeID, rec)
		if err != nil || !ok {
			i.log.Warn(ctx, "skipping unreplayable allocation", "node_id", nodeID, "agent_id", agentID)
		}
	}
	return nil
}

func (i *Index) keyNodeSet() string {
	return fmt.Sprintf("%s:scheduler:nodes", i.prefix)
}

func (i *Index) keyNode(nodeID string) string {
	return fmt.Sprintf("%s:scheduler:nodes:%s", i.prefix, nodeID)
}

func (i *Index) keyNodeResources(nodeID string) string {
	return fmt.Sprintf("%s:scheduler:resources:node:%s", i.prefix, nodeID)
}

func (i *Index) keyAgent(agentID string) string {
	return fmt.Sprintf("%s:scheduler:agents:%s", i.prefix, agentID)
}

// Package resources defines the node capacity model and the resource index
// contract. The index is the single source of truth for placement
// feasibility: node capacity, current allocations, and the agents placed on
// each node. Implementations must keep every operation atomic with respect
// to a single node.
//
// Two implementations exist: resources/inmem (per-node locks, in-process)
// and features/resources/redis (pipelined transactions against a Redis
// store). Both provide identical semantics.
package resources

import (
	"context"
	"errors"
	"time"
)

type (
	// Resources is a numeric resource vector. CPU is fractional cores;
	// memory, gpu memory and disk are megabytes; network is Mbps. Custom
	// carries open-ended deployment-specific dimensions.
	Resources struct {
		CPU         float64            `json:"cpu"`
		MemoryMB    float64            `json:"memoryMB"`
		GPUMemoryMB float64            `json:"gpuMemoryMB,omitempty"`
		GPUCount    float64            `json:"gpuCount,omitempty"`
		DiskMB      float64            `json:"diskMB,omitempty"`
		NetworkMbps float64            `json:"networkMbps,omitempty"`
		Custom      map[string]float64 `json:"custom,omitempty"`
	}

	// NodeAllocation is the externally visible state of one node.
	NodeAllocation struct {
		// NodeID uniquely identifies the node.
		NodeID string `json:"nodeId"`
		// Labels are the node labels consulted by affinity selectors.
		Labels map[string]string `json:"labels,omitempty"`
		// Capacity is the fixed resource capacity registered for the node.
		Capacity Resources `json:"capacity"`
		// Allocated is the sum of all current agent allocations.
		Allocated Resources `json:"allocated"`
		// Agents lists the ids of agents currently placed on the node.
		Agents []string `json:"agents,omitempty"`
		// LastHeartbeat is the time of the most recent heartbeat.
		LastHeartbeat time.Time `json:"lastHeartbeat"`
		// Healthy reports the node's last self-reported health.
		Healthy bool `json:"healthy"`
	}

	// Utilization is a point-in-time usage summary for one node. All values
	// are fractions in [0,1]; Overall weighs cpu at 0.6 and memory at 0.4.
	Utilization struct {
		CPU     float64 `json:"cpu"`
		Memory  float64 `json:"memory"`
		Overall float64 `json:"overall"`
	}

	// ClusterUtilization aggregates per-node utilization across the cluster.
	ClusterUtilization struct {
		Nodes   map[string]Utilization `json:"nodes"`
		Average float64                `json:"average"`
	}

	// Index is the authoritative record of node capacity and allocation.
	//
	// Invariants implementations must uphold:
	//   - allocated <= capacity on every dimension, always;
	//   - an agent holds at most one allocation at any instant;
	//   - Allocate and Release are atomic per node: either the agent set and
	//     every counter change together, or nothing changes.
	Index interface {
		// RegisterNode creates or replaces a node record with the given
		// labels and capacity. Registration resets allocation to zero.
		RegisterNode(ctx context.Context, nodeID string, labels map[string]string, capacity Resources) error

		// Heartbeat refreshes the node's liveness timestamp and health flag.
		// Returns ErrNodeNotFound for unknown nodes.
		Heartbeat(ctx context.Context, nodeID string, healthy bool) error

		// RemoveNode deletes the node record and releases the allocations of
		// every agent placed on it. Returns ErrNodeNotFound when missing.
		RemoveNode(ctx context.Context, nodeID string) error

		// Allocate reserves the requested resources for the agent on the
		// node. Returns false without mutation when any dimension would
		// exceed capacity. Returns ErrNodeNotFound for unknown nodes,
		// ErrAgentAllocated when the agent already holds an allocation, and
		// ErrNegativeResources when any requested dimension is negative.
		Allocate(ctx context.Context, agentID, nodeID string, req Resources) (bool, error)

		// Release frees the agent's recorded allocation. Returns
		// ErrAgentNotAllocated when the agent holds none.
		Release(ctx context.Context, agentID string) error

		// Allocation returns the current state of one node.
		Allocation(ctx context.Context, nodeID string) (NodeAllocation, error)

		// ListAllocations returns the state of every node, ordered by nodeID.
		ListAllocations(ctx context.Context) ([]NodeAllocation, error)

		// AgentNode returns the node the agent is placed on, or
		// ErrAgentNotAllocated.
		AgentNode(ctx context.Context, agentID string) (string, error)

		// AgentAllocation returns the node the agent is placed on and the
		// resources recorded for it at Allocate time, or ErrAgentNotAllocated.
		AgentAllocation(ctx context.Context, agentID string) (string, Resources, error)

		// HasCapacity reports whether the node could fit the request right
		// now. All dimensions, including gpu, are hard constraints. Returns
		// ErrNegativeResources when any requested dimension is negative.
		HasCapacity(ctx context.Context, nodeID string, req Resources) (bool, error)

		// Utilization returns the node's current usage summary.
		Utilization(ctx context.Context, nodeID string) (Utilization, error)

		// ClusterUtilization returns per-node utilization and the average.
		ClusterUtilization(ctx context.Context) (ClusterUtilization, error)

		// RemoveStale deletes nodes whose last heartbeat is older than the
		// liveness TTL and returns their ids. Intended for a background pass;
		// idempotent and safe to interrupt.
		RemoveStale(ctx context.Context) ([]string, error)
	}
)

// NodeTTL is the heartbeat liveness window. Nodes silent for longer are
// evicted by the stale-node pass.
const NodeTTL = 60 * time.Second

// SweepInterval is the cadence of the background stale-node pass.
const SweepInterval = time.Minute

var (
	// ErrNodeNotFound indicates the node is not registered.
	ErrNodeNotFound = errors.New("node not found")
	// ErrAgentAllocated indicates the agent already holds an allocation.
	ErrAgentAllocated = errors.New("agent already allocated")
	// ErrAgentNotAllocated indicates the agent holds no allocation.
	ErrAgentNotAllocated = errors.New("agent not allocated")
	// ErrNegativeResources indicates a request carried a negative dimension.
	ErrNegativeResources = errors.New("negative resource request")
)

// Add returns u plus v, dimension-wise. Custom keys are unioned.
func (u Resources) Add(v Resources) Resources {
	out := Resources{
		CPU:         u.CPU + v.CPU,
		MemoryMB:    u.MemoryMB + v.MemoryMB,
		GPUMemoryMB: u.GPUMemoryMB + v.GPUMemoryMB,
		GPUCount:    u.GPUCount + v.GPUCount,
		DiskMB:      u.DiskMB + v.DiskMB,
		NetworkMbps: u.NetworkMbps + v.NetworkMbps,
	}
	out.Custom = mergeCustom(u.Custom, v.Custom, 1)
	return out
}

// Subtract returns u minus v, dimension-wise, clamping at zero so release
// paths cannot drive counters negative.
func (u Resources) Subtract(v Resources) Resources {
	out := Resources{
		CPU:         clampZero(u.CPU - v.CPU),
		MemoryMB:    clampZero(u.MemoryMB - v.MemoryMB),
		GPUMemoryMB: clampZero(u.GPUMemoryMB - v.GPUMemoryMB),
		GPUCount:    clampZero(u.GPUCount - v.GPUCount),
		DiskMB:      clampZero(u.DiskMB - v.DiskMB),
		NetworkMbps: clampZero(u.NetworkMbps - v.NetworkMbps),
	}
	out.Custom = mergeCustom(u.Custom, v.Custom, -1)
	return out
}

// FitsWithin reports whether u fits entirely within budget. Every dimension,
// including gpu and custom keys, is a hard constraint.
func (u Resources) FitsWithin(budget Resources) bool {
	if u.CPU > budget.CPU || u.MemoryMB > budget.MemoryMB {
		return false
	}
	if u.GPUMemoryMB > budget.GPUMemoryMB || u.GPUCount > budget.GPUCount {
		return false
	}
	if u.DiskMB > budget.DiskMB || u.NetworkMbps > budget.NetworkMbps {
		return false
	}
	for k, v := range u.Custom {
		if v > budget.Custom[k] {
			return false
		}
	}
	return true
}

// Covers reports whether u meets or exceeds need on cpu, memory and the gpu
// dimensions. Used by the preemption planner to decide when enough has been
// freed.
func (u Resources) Covers(need Resources) bool {
	return u.CPU >= need.CPU &&
		u.MemoryMB >= need.MemoryMB &&
		u.GPUMemoryMB >= need.GPUMemoryMB &&
		u.GPUCount >= need.GPUCount
}

// HasNegative reports whether any dimension, including custom keys, is
// negative. Negative vectors never enter the index: a negative request would
// shrink the allocated counters and let later requests overcommit the node.
func (u Resources) HasNegative() bool {
	if u.CPU < 0 || u.MemoryMB < 0 || u.GPUMemoryMB < 0 || u.GPUCount < 0 || u.DiskMB < 0 || u.NetworkMbps < 0 {
		return true
	}
	for _, v := range u.Custom {
		if v < 0 {
			return true
		}
	}
	return false
}

// IsZero reports whether every dimension is zero.
func (u Resources) IsZero() bool {
	if u.CPU != 0 || u.MemoryMB != 0 || u.GPUMemoryMB != 0 || u.GPUCount != 0 || u.DiskMB != 0 || u.NetworkMbps != 0 {
		return false
	}
	for _, v := range u.Custom {
		if v != 0 {
			return false
		}
	}
	return true
}

// Weight is a scalar size used to order preemption candidates: cpu plus
// memory expressed in GB so one core weighs about one gigabyte.
func (u Resources) Weight() float64 {
	return u.CPU + u.MemoryMB/1024
}

// Clone returns a deep copy of u.
func (u Resources) Clone() Resources {
	out := u
	if u.Custom != nil {
		out.Custom = make(map[string]float64, len(u.Custom))
		for k, v := range u.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// Utilization computes the usage summary of allocated against capacity.
// Zero-capacity dimensions report zero usage.
func (u Resources) Utilization(capacity Resources) Utilization {
	var cpu, mem float64
	if capacity.CPU > 0 {
		cpu = u.CPU / capacity.CPU
	}
	if capacity.MemoryMB > 0 {
		mem = u.MemoryMB / capacity.MemoryMB
	}
	return Utilization{CPU: cpu, Memory: mem, Overall: 0.6*cpu + 0.4*mem}
}

func mergeCustom(a, b map[string]float64, sign float64) map[string]float64 {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = clampZero(out[k] + sign*v)
	}
	return out
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

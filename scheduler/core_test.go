package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/fleet/affinity"
	"goa.design/fleet/hooks"
	"goa.design/fleet/preemption"
	"goa.design/fleet/resources"
	"goa.design/fleet/resources/inmem"
)

type fixture struct {
	core   *Core
	index  *inmem.Index
	table  *PriorityTable
	events *[]hooks.Event
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	index := inmem.New()
	table := NewPriorityTable()
	bus := hooks.NewBus()
	var (
		mu     sync.Mutex
		events []hooks.Event
	)
	_, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	planner, err := preemption.NewPlanner(preemption.Options{
		Enabled:    true,
		Cluster:    index,
		Priorities: table,
		Bus:        bus,
	})
	require.NoError(t, err)
	options := Options{
		Index:   index,
		Table:   table,
		Planner: planner,
		Bus:     bus,
	}
	for _, o := range opts {
		o(&options)
	}
	core, err := New(options)
	require.NoError(t, err)
	return &fixture{core: core, index: index, table: table, events: &events}
}

func registerNode(t *testing.T, index *inmem.Index, nodeID string, labels map[string]string, capacity resources.Resources) {
	t.Helper()
	require.NoError(t, index.RegisterNode(context.Background(), nodeID, labels, capacity))
}

func twoZones(t *testing.T, index *inmem.Index) {
	t.Helper()
	registerNode(t, index, "n1", map[string]string{"zone": "A"}, resources.Resources{CPU: 8, MemoryMB: 32768})
	registerNode(t, index, "n2", map[string]string{"zone": "B"}, resources.Resources{CPU: 8, MemoryMB: 32768})
}

// Two identical empty nodes, no affinity: the ranking is flat and the stable
// tie-break lands on the first node in registration order.
func TestScheduleStraightPlacement(t *testing.T) {
	fix := newFixture(t)
	twoZones(t, fix.index)

	result, err := fix.core.Schedule(context.Background(), Request{
		AgentID:      "X",
		Requirements: resources.Resources{CPU: 1, MemoryMB: 4096},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "n1", result.NodeID)
	require.Equal(t, float64(50), result.Score)
	require.Empty(t, result.PreemptedAgents)

	nodeID, err := fix.index.AgentNode(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, "n1", nodeID)

	// requested then succeeded, in order.
	require.Len(t, *fix.events, 2)
	require.Equal(t, hooks.SchedulingRequested, (*fix.events)[0].Type())
	require.Equal(t, hooks.SchedulingSucceeded, (*fix.events)[1].Type())
}

// A hard zone selector places on the matching node and eliminates everything
// when no node matches.
func TestScheduleHardNodeAffinity(t *testing.T) {
	fix := newFixture(t)
	twoZones(t, fix.index)

	zone := func(z string) *affinity.Affinity {
		return &affinity.Affinity{NodeAffinity: []affinity.Rule{{
			Hard:         true,
			NodeSelector: &affinity.Selector{MatchLabels: map[string]string{"zone": z}},
		}}}
	}

	result, err := fix.core.Schedule(context.Background(), Request{
		AgentID:      "X",
		Requirements: resources.Resources{CPU: 1, MemoryMB: 4096},
		Affinity:     zone("A"),
	})
	require.NoError(t, err)
	require.Equal(t, "n1", result.NodeID)

	_, err = fix.core.Schedule(context.Background(), Request{
		AgentID:      "Y",
		Requirements: resources.Resources{CPU: 1, MemoryMB: 4096},
		Affinity:     zone("C"),
	})
	require.Equal(t, ReasonAffinityEliminatesAll, FailureReason(err))
}

// A high-priority request displaces a low-priority resident, and the same
// request fails when the resident's policy is Never.
func TestSchedulePreemptsLowerPriority(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t)
	registerNode(t, fix.index, "n1", nil, resources.Resources{CPU: 4, MemoryMB: 16384})

	low := preemption.Priority{Class: preemption.Low, Policy: preemption.PreemptLowerPriority}
	high := preemption.Priority{Class: preemption.High, Policy: preemption.PreemptLowerPriority}

	result, err := fix.core.Schedule(ctx, Request{
		AgentID:      "v",
		Requirements: resources.Resources{CPU: 3, MemoryMB: 12000},
		Priority:     &low,
	})
	require.NoError(t, err)
	require.Equal(t, "n1", result.NodeID)

	result, err = fix.core.Schedule(ctx, Request{
		AgentID:      "w",
		Requirements: resources.Resources{CPU: 3, MemoryMB: 12000},
		Priority:     &high,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "n1", result.NodeID)
	require.Equal(t, []string{"v"}, result.PreemptedAgents)

	// The victim left a checkpoint and can be rescheduled once room returns.
	require.NoError(t, fix.core.Unschedule(ctx, "w"))
	reResult, ckpt, err := fix.core.Reschedule(ctx, "v", Request{
		Requirements: resources.Resources{CPU: 3, MemoryMB: 12000},
		Priority:     &low,
	})
	require.NoError(t, err)
	require.True(t, reResult.Success)
	require.Equal(t, "v", ckpt.AgentID)
}

func TestScheduleNeverVictimFailsPreemption(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t)
	registerNode(t, fix.index, "n1", nil, resources.Resources{CPU: 4, MemoryMB: 16384})

	never := preemption.Priority{Class: preemption.Low, Policy: preemption.Never}
	high := preemption.Priority{Class: preemption.High, Policy: preemption.PreemptLowerPriority}

	_, err := fix.core.Schedule(ctx, Request{
		AgentID:      "v",
		Requirements: resources.Resources{CPU: 3, MemoryMB: 12000},
		Priority:     &never,
	})
	require.NoError(t, err)

	_, err = fix.core.Schedule(ctx, Request{
		AgentID:      "w",
		Requirements: resources.Resources{CPU: 3, MemoryMB: 12000},
		Priority:     &high,
	})
	require.Equal(t, ReasonPreemptionInsufficient, FailureReason(err))

	// The protected resident is untouched.
	nodeID, err := fix.index.AgentNode(ctx, "v")
	require.NoError(t, err)
	require.Equal(t, "n1", nodeID)
}

func TestScheduleNoHealthyNodes(t *testing.T) {
	fix := newFixture(t)
	_, err := fix.core.Schedule(context.Background(), Request{AgentID: "X"})
	require.Equal(t, ReasonNoHealthyNodes, FailureReason(err))

	// An unhealthy node does not count as live.
	registerNode(t, fix.index, "n1", nil, resources.Resources{CPU: 8, MemoryMB: 32768})
	require.NoError(t, fix.index.Heartbeat(context.Background(), "n1", false))
	_, err = fix.core.Schedule(context.Background(), Request{AgentID: "X"})
	require.Equal(t, ReasonNoHealthyNodes, FailureReason(err))
}

func TestSchedulePreferredNodes(t *testing.T) {
	fix := newFixture(t)
	twoZones(t, fix.index)

	result, err := fix.core.Schedule(context.Background(), Request{
		AgentID:        "X",
		Requirements:   resources.Resources{CPU: 1, MemoryMB: 4096},
		PreferredNodes: []string{"n2"},
	})
	require.NoError(t, err)
	require.Equal(t, "n2", result.NodeID)

	_, err = fix.core.Schedule(context.Background(), Request{
		AgentID:        "Y",
		PreferredNodes: []string{"n9"},
	})
	require.Equal(t, ReasonNoPreferredNodes, FailureReason(err))

	// A present-but-empty preferred list matches nothing, even with capacity.
	_, err = fix.core.Schedule(context.Background(), Request{
		AgentID:        "Z",
		PreferredNodes: []string{},
	})
	require.Equal(t, ReasonNoPreferredNodes, FailureReason(err))
}

func TestScheduleInsufficientWithoutPlanner(t *testing.T) {
	fix := newFixture(t, func(o *Options) { o.Planner = nil })
	registerNode(t, fix.index, "n1", nil, resources.Resources{CPU: 2, MemoryMB: 8192})

	_, err := fix.core.Schedule(context.Background(), Request{
		AgentID:      "X",
		Requirements: resources.Resources{CPU: 4, MemoryMB: 4096},
	})
	require.Equal(t, ReasonInsufficientResources, FailureReason(err))
}

func TestScheduleAgentAlreadyPlaced(t *testing.T) {
	fix := newFixture(t)
	twoZones(t, fix.index)
	req := Request{AgentID: "X", Requirements: resources.Resources{CPU: 1, MemoryMB: 4096}}

	_, err := fix.core.Schedule(context.Background(), req)
	require.NoError(t, err)
	_, err = fix.core.Schedule(context.Background(), req)
	require.ErrorIs(t, err, ErrAgentPlaced)
}

func TestScheduleDeadlineExceeded(t *testing.T) {
	fix := newFixture(t)
	twoZones(t, fix.index)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fix.core.Schedule(ctx, Request{
		AgentID:      "X",
		Requirements: resources.Resources{CPU: 1, MemoryMB: 4096},
	})
	require.Equal(t, ReasonDeadlineExceeded, FailureReason(err))

	// Nothing was left allocated.
	_, err = fix.index.AgentNode(context.Background(), "X")
	require.ErrorIs(t, err, resources.ErrAgentNotAllocated)
}

func TestScheduleValidatesRequest(t *testing.T) {
	fix := newFixture(t)
	_, err := fix.core.Schedule(context.Background(), Request{})
	require.Error(t, err)

	bad := preemption.Priority{Class: preemption.Normal, Policy: "Sometimes"}
	_, err = fix.core.Schedule(context.Background(), Request{AgentID: "X", Priority: &bad})
	require.Error(t, err)

	_, err = fix.core.Schedule(context.Background(), Request{
		AgentID:      "X",
		Requirements: resources.Resources{CPU: -1, MemoryMB: 1024},
	})
	require.Error(t, err)
	_, err = fix.index.AgentNode(context.Background(), "X")
	require.ErrorIs(t, err, resources.ErrAgentNotAllocated)
}

func TestUnschedule(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t)
	twoZones(t, fix.index)

	_, err := fix.core.Schedule(ctx, Request{AgentID: "X", Requirements: resources.Resources{CPU: 1, MemoryMB: 4096}})
	require.NoError(t, err)
	require.NoError(t, fix.core.Unschedule(ctx, "X"))

	_, err = fix.index.AgentNode(ctx, "X")
	require.ErrorIs(t, err, resources.ErrAgentNotAllocated)
	_, ok := fix.table.Priority("X")
	require.False(t, ok)
	require.Equal(t, hooks.SchedulingUnscheduled, (*fix.events)[len(*fix.events)-1].Type())

	require.ErrorIs(t, fix.core.Unschedule(ctx, "X"), resources.ErrAgentNotAllocated)
}

func TestRescheduleWithoutCheckpoint(t *testing.T) {
	fix := newFixture(t)
	_, _, err := fix.core.Reschedule(context.Background(), "ghost", Request{})
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestScheduleRecordsDecisions(t *testing.T) {
	fix := newFixture(t)
	twoZones(t, fix.index)

	_, err := fix.core.Schedule(context.Background(), Request{
		AgentID:      "X",
		Requirements: resources.Resources{CPU: 1, MemoryMB: 4096},
	})
	require.NoError(t, err)
	_, err = fix.core.Schedule(context.Background(), Request{
		AgentID:      "Y",
		Requirements: resources.Resources{CPU: 100},
	})
	require.Error(t, err)

	decisions := fix.core.Decisions()
	require.Len(t, decisions, 2)
	require.True(t, decisions[0].Success)
	require.Equal(t, "n1", decisions[0].NodeID)
	require.NotEmpty(t, decisions[0].ID)
	require.False(t, decisions[1].Success)
	require.Equal(t, ReasonPreemptionInsufficient, decisions[1].Reason)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Index: inmem.New(), Strategy: "roundRobin"})
	require.Error(t, err)
}

package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/fleet/resources"
)

// unreachableClient returns a client that fails every round trip fast.
func unreachableClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

// The in-process fallback keeps full index semantics while the store is
// unreachable; mirror writes pile up in the replay queue instead of failing
// the mutations.
func TestFallbackSemanticsWhileStoreDown(t *testing.T) {
	ctx := context.Background()
	idx, err := New(Options{Redis: unreachableClient(), OperationTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, idx.RegisterNode(ctx, "n1", map[string]string{"zone": "a"}, resources.Resources{CPU: 4, MemoryMB: 16384}))
	ok, err := idx.Allocate(ctx, "agent-1", "n1", resources.Resources{CPU: 2, MemoryMB: 4096})
	require.NoError(t, err)
	require.True(t, ok)

	nodeID, rec, err := idx.AgentAllocation(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "n1", nodeID)
	require.Equal(t, float64(2), rec.CPU)

	allocs, err := idx.ListAllocations(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, []string{"agent-1"}, allocs[0].Agents)

	// Capacity stays a hard constraint on the fallback path.
	ok, err = idx.Allocate(ctx, "agent-2", "n1", resources.Resources{CPU: 3})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Release(ctx, "agent-1"))
	require.ErrorIs(t, idx.Release(ctx, "agent-1"), resources.ErrAgentNotAllocated)

	// Each successful mutation queued one mirror write: register, allocate,
	// release. The refused allocation and the failed release queued nothing.
	require.Equal(t, 3, idx.Pending())
}

func TestFallbackErrorsMatchContract(t *testing.T) {
	ctx := context.Background()
	idx, err := New(Options{Redis: unreachableClient(), OperationTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	require.ErrorIs(t, idx.Heartbeat(ctx, "ghost", true), resources.ErrNodeNotFound)
	require.ErrorIs(t, idx.RemoveNode(ctx, "ghost"), resources.ErrNodeNotFound)
	_, err = idx.AgentNode(ctx, "ghost")
	require.ErrorIs(t, err, resources.ErrAgentNotAllocated)

	require.NoError(t, idx.RegisterNode(ctx, "n1", nil, resources.Resources{CPU: 4, MemoryMB: 1024}))
	_, err = idx.Allocate(ctx, "a", "ghost", resources.Resources{CPU: 1})
	require.ErrorIs(t, err, resources.ErrNodeNotFound)

	// Failed mutations queue nothing.
	require.Equal(t, 1, idx.Pending())
}

func TestStaleNodesEvictedOnFallback(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	idx, err := New(Options{
		Redis:            unreachableClient(),
		OperationTimeout: 100 * time.Millisecond,
		Clock:            func() time.Time { return now },
	})
	require.NoError(t, err)

	require.NoError(t, idx.RegisterNode(ctx, "n1", nil, resources.Resources{CPU: 4}))
	now = now.Add(resources.NodeTTL + time.Second)

	stale, err := idx.RemoveStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, stale)
	_, err = idx.Allocation(ctx, "n1")
	require.ErrorIs(t, err, resources.ErrNodeNotFound)
}

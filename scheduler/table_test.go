package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/fleet/preemption"
)

func TestPriorityTable(t *testing.T) {
	table := NewPriorityTable()

	_, ok := table.Priority("a")
	require.False(t, ok)
	require.Nil(t, table.Labels("a"))

	labels := map[string]string{"team": "research"}
	table.Set("a", preemption.Priority{Class: preemption.High, Policy: preemption.Never}, labels)
	prio, ok := table.Priority("a")
	require.True(t, ok)
	require.Equal(t, preemption.High, prio.Class)
	require.Equal(t, "research", table.Labels("a")["team"])

	// The table keeps its own copy of the labels.
	labels["team"] = "ops"
	require.Equal(t, "research", table.Labels("a")["team"])

	table.Set("b", preemption.DefaultPriority, nil)
	require.Equal(t, []string{"a", "b"}, table.Agents())

	table.Forget("a")
	_, ok = table.Priority("a")
	require.False(t, ok)
	require.Equal(t, []string{"b"}, table.Agents())
}

func TestDecisionLogBounded(t *testing.T) {
	log := NewDecisionLog(2)
	log.Append(Decision{AgentID: "a"})
	log.Append(Decision{AgentID: "b"})
	log.Append(Decision{AgentID: "c"})
	require.Equal(t, 2, log.Len())
	entries := log.Entries()
	require.Equal(t, "b", entries[0].AgentID)
	require.Equal(t, "c", entries[1].AgentID)
}

package inmem

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/fleet/resources"
)

// TestCapacitySafetyProperty verifies that for any sequence of allocate and
// release operations, every node's allocated vector stays within capacity on
// every dimension, and that releasing everything restores a zero allocation.
func TestCapacitySafetyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	type op struct {
		Agent  int
		Node   int
		CPU    float64
		Memory float64
	}

	opGen := gen.Struct(reflect.TypeOf(op{}), map[string]gopter.Gen{
		"Agent":  gen.IntRange(0, 15),
		"Node":   gen.IntRange(0, 3),
		"CPU":    gen.Float64Range(0, 6),
		"Memory": gen.Float64Range(0, 6000),
	})

	properties.Property("allocated never exceeds capacity", prop.ForAll(
		func(ops []op) bool {
			ctx := context.Background()
			idx := New()
			capacity := resources.Resources{CPU: 4, MemoryMB: 4096}
			for n := 0; n < 4; n++ {
				if err := idx.RegisterNode(ctx, fmt.Sprintf("n%d", n), nil, capacity); err != nil {
					return false
				}
			}
			for _, o := range ops {
				agentID := fmt.Sprintf("a%d", o.Agent)
				nodeID := fmt.Sprintf("n%d", o.Node)
				ok, err := idx.Allocate(ctx, agentID, nodeID, resources.Resources{CPU: o.CPU, MemoryMB: o.Memory})
				if err != nil {
					// Duplicate allocation attempts release first, modeling a
					// reschedule.
					if err := idx.Release(ctx, agentID); err != nil {
						return false
					}
					ok, err = idx.Allocate(ctx, agentID, nodeID, resources.Resources{CPU: o.CPU, MemoryMB: o.Memory})
					if err != nil {
						return false
					}
				}
				_ = ok
				allocs, err := idx.ListAllocations(ctx)
				if err != nil {
					return false
				}
				for _, a := range allocs {
					if !a.Allocated.FitsWithin(a.Capacity) {
						return false
					}
				}
			}
			// Release everything; all nodes must return to zero.
			for agent := 0; agent <= 15; agent++ {
				_ = idx.Release(ctx, fmt.Sprintf("a%d", agent))
			}
			allocs, err := idx.ListAllocations(ctx)
			if err != nil {
				return false
			}
			for _, a := range allocs {
				if !a.Allocated.IsZero() || len(a.Agents) != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(opGen),
	))

	properties.TestingRun(t)
}

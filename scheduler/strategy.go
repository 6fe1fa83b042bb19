package scheduler

import (
	"sort"

	"goa.design/fleet/affinity"
)

// order applies the bin-packing strategy as a tie-breaker within equal
// affinity scores. The sort is stable, so firstFit (no tie-break) preserves
// the ranking order exactly and the other strategies reorder only flat runs.
func order(ranked []affinity.RankedNode, strategy Strategy) []affinity.RankedNode {
	if strategy == FirstFit {
		return ranked
	}
	out := make([]affinity.RankedNode, len(ranked))
	copy(out, ranked)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Result.Score != out[b].Result.Score {
			return out[a].Result.Score > out[b].Result.Score
		}
		switch strategy {
		case BestFit:
			return overall(out[a]) > overall(out[b])
		case WorstFit:
			return overall(out[a]) < overall(out[b])
		case Spread:
			return len(out[a].Node.Agents) < len(out[b].Node.Agents)
		}
		return false
	})
	return out
}

func overall(n affinity.RankedNode) float64 {
	return n.Node.Allocated.Utilization(n.Node.Capacity).Overall
}

// Package affinity evaluates placement rules against candidate nodes. Hard
// rules filter, soft rules score: evaluation starts from a neutral score of
// 50, adds each matched soft rule's weight, and clamps the result to [0,100].
// Ranking returns only nodes whose hard constraints all hold, ordered by
// score descending with a stable tie-break.
package affinity

import (
	"fmt"
	"sort"

	"goa.design/fleet/resources"
)

type (
	// Operator is a label expression operator.
	Operator string

	// Expression is one label requirement within a selector.
	Expression struct {
		// Key is the label key the expression applies to.
		Key string `json:"key"`
		// Operator is one of In, NotIn, Exists, DoesNotExist.
		Operator Operator `json:"operator"`
		// Values are the candidate values for In and NotIn.
		Values []string `json:"values,omitempty"`
	}

	// Selector is a conjunction of exact label matches and expressions. A nil
	// selector matches everything.
	Selector struct {
		MatchLabels      map[string]string `json:"matchLabels,omitempty"`
		MatchExpressions []Expression      `json:"matchExpressions,omitempty"`
	}

	// Rule is a single affinity or anti-affinity requirement. Its role
	// (agent affinity, agent anti-affinity, node affinity) is determined by
	// which Affinity list carries it.
	Rule struct {
		// Hard marks the rule as a filter; soft rules only contribute score.
		Hard bool `json:"hard"`
		// Weight is the soft rule's score contribution, 1-100. Zero means
		// the default weight of 10.
		Weight float64 `json:"weight,omitempty"`
		// AgentSelector matches labels of agents already placed. Mutually
		// exclusive with NodeSelector.
		AgentSelector *Selector `json:"agentSelector,omitempty"`
		// NodeSelector matches the candidate node's labels.
		NodeSelector *Selector `json:"nodeSelector,omitempty"`
		// TopologyKey widens an agent rule's domain from the candidate node
		// to all nodes sharing the same value of this node label.
		TopologyKey string `json:"topologyKey,omitempty"`
	}

	// Affinity groups the three rule lists of a scheduling request.
	Affinity struct {
		AgentAffinity     []Rule `json:"agentAffinity,omitempty"`
		AgentAntiAffinity []Rule `json:"agentAntiAffinity,omitempty"`
		NodeAffinity      []Rule `json:"nodeAffinity,omitempty"`
	}

	// RuleResult reports how a single rule evaluated against one node.
	RuleResult struct {
		// Kind is agent-affinity, agent-anti-affinity, or node-affinity.
		Kind string `json:"kind"`
		// Hard mirrors the rule's Hard flag.
		Hard bool `json:"hard"`
		// Matched reports whether the rule held for the node.
		Matched bool `json:"matched"`
		// Weight is the score contribution applied (soft matched rules only).
		Weight float64 `json:"weight"`
	}

	// Result is the evaluation outcome for one node.
	Result struct {
		// Score is the clamped total in [0,100]; 50 is neutral.
		Score float64 `json:"score"`
		// Rules holds the per-rule outcomes in evaluation order.
		Rules []RuleResult `json:"rules,omitempty"`
		// HardSatisfied is false when any hard rule failed.
		HardSatisfied bool `json:"hardSatisfied"`
	}

	// LabelsFunc resolves the label map of a placed agent. The scheduler
	// supplies its agent-label table; unknown agents resolve to nil.
	LabelsFunc func(agentID string) map[string]string

	// RankedNode pairs a candidate node with its evaluation.
	RankedNode struct {
		Node   resources.NodeAllocation
		Result Result
	}
)

const (
	// OpIn requires the label to be present with one of the listed values.
	OpIn Operator = "In"
	// OpNotIn requires the label absent or its value outside the list.
	OpNotIn Operator = "NotIn"
	// OpExists requires the label to be present.
	OpExists Operator = "Exists"
	// OpDoesNotExist requires the label to be absent.
	OpDoesNotExist Operator = "DoesNotExist"
)

// neutralScore is the starting score before soft rules apply.
const neutralScore = 50

// defaultWeight is the contribution of a soft rule with no explicit weight.
const defaultWeight = 10

// Matches reports whether the labels satisfy the selector. A nil selector
// matches everything; matchLabels and every expression must all hold.
func (s *Selector) Matches(labels map[string]string) bool {
	if s == nil {
		return true
	}
	for k, want := range s.MatchLabels {
		if got, ok := labels[k]; !ok || got != want {
			return false
		}
	}
	for _, expr := range s.MatchExpressions {
		if !expr.matches(labels) {
			return false
		}
	}
	return true
}

func (e Expression) matches(labels map[string]string) bool {
	value, present := labels[e.Key]
	switch e.Operator {
	case OpIn:
		return present && contains(e.Values, value)
	case OpNotIn:
		return !present || !contains(e.Values, value)
	case OpExists:
		return present
	case OpDoesNotExist:
		return !present
	default:
		return false
	}
}

// Evaluate scores the candidate node for an agent with the given labels.
// allNodes supplies the topology context for rules with a TopologyKey, and
// placed resolves the labels of agents already scheduled.
func Evaluate(agentLabels map[string]string, node resources.NodeAllocation, allNodes []resources.NodeAllocation, placed LabelsFunc, aff *Affinity) Result {
	result := Result{Score: neutralScore, HardSatisfied: true}
	if aff == nil {
		return result
	}
	apply := func(kind string, rule Rule, matched bool) {
		rr := RuleResult{Kind: kind, Hard: rule.Hard, Matched: matched}
		if rule.Hard {
			if !matched {
				result.HardSatisfied = false
			}
		} else if matched {
			w := rule.Weight
			if w == 0 {
				w = defaultWeight
			}
			rr.Weight = w
			result.Score += w
		}
		result.Rules = append(result.Rules, rr)
	}
	for _, rule := range aff.AgentAffinity {
		apply("agent-affinity", rule, anyAgentMatches(rule, node, allNodes, placed))
	}
	for _, rule := range aff.AgentAntiAffinity {
		apply("agent-anti-affinity", rule, !anyAgentMatches(rule, node, allNodes, placed))
	}
	for _, rule := range aff.NodeAffinity {
		apply("node-affinity", rule, rule.NodeSelector.Matches(node.Labels))
	}
	if result.Score > 100 {
		result.Score = 100
	}
	if result.Score < 0 {
		result.Score = 0
	}
	return result
}

// Rank evaluates every candidate and returns only those satisfying all hard
// constraints, ordered by score descending. The sort is stable so equal
// scores keep the input order.
func Rank(agentLabels map[string]string, nodes []resources.NodeAllocation, allNodes []resources.NodeAllocation, placed LabelsFunc, aff *Affinity) []RankedNode {
	ranked := make([]RankedNode, 0, len(nodes))
	for _, n := range nodes {
		res := Evaluate(agentLabels, n, allNodes, placed, aff)
		if !res.HardSatisfied {
			continue
		}
		ranked = append(ranked, RankedNode{Node: n, Result: res})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Result.Score > ranked[b].Result.Score
	})
	return ranked
}

// Validate rejects malformed affinity groupings: soft weights outside 1-100,
// rules carrying both selectors, and topology keys without an agent selector.
func (a *Affinity) Validate() error {
	if a == nil {
		return nil
	}
	for _, group := range [][]Rule{a.AgentAffinity, a.AgentAntiAffinity, a.NodeAffinity} {
		for _, rule := range group {
			if !rule.Hard && rule.Weight != 0 && (rule.Weight < 1 || rule.Weight > 100) {
				return fmt.Errorf("affinity: soft rule weight %v outside 1-100", rule.Weight)
			}
			if rule.AgentSelector != nil && rule.NodeSelector != nil {
				return fmt.Errorf("affinity: rule cannot have both agent and node selectors")
			}
			if rule.TopologyKey != "" && rule.AgentSelector == nil {
				return fmt.Errorf("affinity: topologyKey %q requires an agent selector", rule.TopologyKey)
			}
		}
	}
	return nil
}

// anyAgentMatches reports whether any agent in the rule's domain matches the
// rule's agent selector. Without a topology key the domain is the candidate
// node; with one, every node sharing the candidate's value of that label.
func anyAgentMatches(rule Rule, node resources.NodeAllocation, allNodes []resources.NodeAllocation, placed LabelsFunc) bool {
	domain := []resources.NodeAllocation{node}
	if rule.TopologyKey != "" {
		value, ok := node.Labels[rule.TopologyKey]
		if !ok {
			return false
		}
		domain = domain[:0]
		for _, n := range allNodes {
			if n.Labels[rule.TopologyKey] == value {
				domain = append(domain, n)
			}
		}
	}
	for _, n := range domain {
		for _, agentID := range n.Agents {
			var labels map[string]string
			if placed != nil {
				labels = placed(agentID)
			}
			if rule.AgentSelector.Matches(labels) {
				return true
			}
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

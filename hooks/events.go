// Package hooks defines the event taxonomy of the fleet control plane and the
// in-process bus that carries it. Three event families exist: agent lifecycle
// events published by the session bridge, token usage events routed to the
// budget engine, and scheduling decision events published by the scheduler.
//
// Components hold the Bus as a capability; nothing in this package knows about
// transports. The Redis-backed stream transport lives in features/stream/pulse.
package hooks

import (
	"time"
)

type (
	// EventType identifies the kind of a published event. Values mirror the
	// names consumed by external collaborators on the per-agent channels
	// (agent.* and token.usage) and on the scheduling channel (scheduling.*).
	EventType string

	// Event is implemented by every value published on the Bus. Subscribers
	// dispatch on Type or use a type switch for the typed payload:
	//
	//	func (s *sub) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.TokenUsageEvent:
	//	        return s.engine.RecordTokens(ctx, e.BudgetID, e.PromptTokens, e.CompletionTokens, e.Model)
	//	    case *hooks.AgentKilledEvent:
	//	        s.log.Info(ctx, "agent killed", "agent_id", e.AgentID())
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event kind constant.
		Type() EventType
		// AgentID returns the agent the event concerns. Empty for
		// cluster-level scheduling events with no single subject.
		AgentID() string
		// SessionID returns the external session bound to the agent at the
		// time of publication, when one exists.
		SessionID() string
		// Timestamp returns the UTC creation time of the event. Events are
		// stamped at creation, not delivery.
		Timestamp() time.Time
	}

	// baseEvent carries the fields shared by all concrete events.
	baseEvent struct {
		agentID   string
		sessionID string
		at        time.Time
	}

	// AgentSpawnedEvent fires when the bridge creates a session for an agent.
	AgentSpawnedEvent struct {
		baseEvent
	}

	// AgentStartedEvent fires when the external session reports it started work.
	AgentStartedEvent struct {
		baseEvent
	}

	// AgentPausedEvent fires when the session is paused, either on request or
	// because the budget engine blocked the agent.
	AgentPausedEvent struct {
		baseEvent
	}

	// AgentResumedEvent fires when a paused session resumes.
	AgentResumedEvent struct {
		baseEvent
	}

	// AgentCompletedEvent fires on natural session completion. Terminal.
	AgentCompletedEvent struct {
		baseEvent
	}

	// AgentFailedEvent fires when the session fails or the gateway reports an
	// error for the agent. Terminal.
	AgentFailedEvent struct {
		baseEvent
		// Reason carries the underlying gateway or session error message.
		Reason string
	}

	// AgentKilledEvent fires when a session is killed, either on request or by
	// a budget kill action. Terminal.
	AgentKilledEvent struct {
		baseEvent
		// Force reports whether the kill bypassed graceful shutdown.
		Force bool
		// Reason names the kill cause when one was supplied.
		Reason string
	}

	// TokenUsageEvent carries a token consumption delta reported by the
	// session. The budget engine subscribes to these and records them against
	// the agent's live tracking.
	TokenUsageEvent struct {
		baseEvent
		// BudgetID is the tracking the delta applies to. May be empty when the
		// session reports usage before tracking begins; such events are dropped
		// by the engine with a warning.
		BudgetID string
		// PromptTokens is the prompt-side token delta.
		PromptTokens int64
		// CompletionTokens is the completion-side token delta.
		CompletionTokens int64
		// Model names the priced model, when the session reports one.
		Model string
		// Cost is the session's own cost estimate, informational only; the
		// engine always reprices from the token counts.
		Cost float64
	}

	// ThresholdCrossedEvent fires when the budget engine triggers a threshold
	// action for a tracking. Kill actions are observed by the scheduler and
	// the bridge, which release resources and terminate the session.
	ThresholdCrossedEvent struct {
		baseEvent
		// BudgetID is the tracking that crossed the threshold.
		BudgetID string
		// Percent is the budget percentage used at trigger time.
		Percent float64
		// Threshold is the crossed ladder step.
		Threshold float64
		// Action is the ladder action that was executed.
		Action string
		// Message is the operator-facing message from the threshold config.
		Message string
	}

	// SchedulingRequestedEvent fires when the scheduler accepts a request.
	SchedulingRequestedEvent struct {
		baseEvent
	}

	// SchedulingSucceededEvent fires when an agent is placed on a node.
	SchedulingSucceededEvent struct {
		baseEvent
		// NodeID is the node the agent was placed on.
		NodeID string
		// Score is the final affinity score of the chosen node.
		Score float64
	}

	// SchedulingFailedEvent fires when a request fails terminally.
	SchedulingFailedEvent struct {
		baseEvent
		// Reason is the structured failure reason string.
		Reason string
	}

	// SchedulingPreemptedEvent fires once per evicted victim.
	SchedulingPreemptedEvent struct {
		baseEvent
		// NodeID is the node the victim was evicted from.
		NodeID string
		// PreemptedBy is the requesting agent that displaced the victim.
		PreemptedBy string
	}

	// SchedulingResumedEvent fires when a preempted agent consumes its
	// checkpoint and re-enters scheduling.
	SchedulingResumedEvent struct {
		baseEvent
	}

	// SchedulingUnscheduledEvent fires when an agent's placement is released.
	SchedulingUnscheduledEvent struct {
		baseEvent
	}
)

const (
	AgentSpawned   EventType = "agent.spawned"
	AgentStarted   EventType = "agent.started"
	AgentPaused    EventType = "agent.paused"
	AgentResumed   EventType = "agent.resumed"
	AgentCompleted EventType = "agent.completed"
	AgentFailed    EventType = "agent.failed"
	AgentKilled    EventType = "agent.killed"

	TokenUsage EventType = "token.usage"

	ThresholdCrossed EventType = "budget.threshold"

	SchedulingRequested   EventType = "scheduling.requested"
	SchedulingSucceeded   EventType = "scheduling.succeeded"
	SchedulingFailed      EventType = "scheduling.failed"
	SchedulingPreempted   EventType = "scheduling.preempted"
	SchedulingResumed     EventType = "scheduling.resumed"
	SchedulingUnscheduled EventType = "scheduling.unscheduled"
)

// newBase stamps a base event for the given agent and session.
func newBase(agentID, sessionID string) baseEvent {
	return baseEvent{agentID: agentID, sessionID: sessionID, at: time.Now().UTC()}
}

// NewAgentSpawned builds an agent.spawned event.
func NewAgentSpawned(agentID, sessionID string) *AgentSpawnedEvent {
	return &AgentSpawnedEvent{baseEvent: newBase(agentID, sessionID)}
}

// NewAgentStarted builds an agent.started event.
func NewAgentStarted(agentID, sessionID string) *AgentStartedEvent {
	return &AgentStartedEvent{baseEvent: newBase(agentID, sessionID)}
}

// NewAgentPaused builds an agent.paused event.
func NewAgentPaused(agentID, sessionID string) *AgentPausedEvent {
	return &AgentPausedEvent{baseEvent: newBase(agentID, sessionID)}
}

// NewAgentResumed builds an agent.resumed event.
func NewAgentResumed(agentID, sessionID string) *AgentResumedEvent {
	return &AgentResumedEvent{baseEvent: newBase(agentID, sessionID)}
}

// NewAgentCompleted builds an agent.completed event.
func NewAgentCompleted(agentID, sessionID string) *AgentCompletedEvent {
	return &AgentCompletedEvent{baseEvent: newBase(agentID, sessionID)}
}

// NewAgentFailed builds an agent.failed event carrying the underlying error message.
func NewAgentFailed(agentID, sessionID, reason string) *AgentFailedEvent {
	return &AgentFailedEvent{baseEvent: newBase(agentID, sessionID), Reason: reason}
}

// NewAgentKilled builds an agent.killed event.
func NewAgentKilled(agentID, sessionID string, force bool, reason string) *AgentKilledEvent {
	return &AgentKilledEvent{baseEvent: newBase(agentID, sessionID), Force: force, Reason: reason}
}

// NewTokenUsage builds a token.usage event.
func NewTokenUsage(agentID, sessionID, budgetID string, prompt, completion int64, model string, cost float64) *TokenUsageEvent {
	return &TokenUsageEvent{
		baseEvent:        newBase(agentID, sessionID),
		BudgetID:         budgetID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Model:            model,
		Cost:             cost,
	}
}

// NewThresholdCrossed builds a budget.threshold event.
func NewThresholdCrossed(agentID, budgetID string, percent, threshold float64, action, message string) *ThresholdCrossedEvent {
	return &ThresholdCrossedEvent{
		baseEvent: newBase(agentID, ""),
		BudgetID:  budgetID,
		Percent:   percent,
		Threshold: threshold,
		Action:    action,
		Message:   message,
	}
}

// NewSchedulingRequested builds a scheduling.requested event.
func NewSchedulingRequested(agentID string) *SchedulingRequestedEvent {
	return &SchedulingRequestedEvent{baseEvent: newBase(agentID, "")}
}

// NewSchedulingSucceeded builds a scheduling.succeeded event.
func NewSchedulingSucceeded(agentID, nodeID string, score float64) *SchedulingSucceededEvent {
	return &SchedulingSucceededEvent{baseEvent: newBase(agentID, ""), NodeID: nodeID, Score: score}
}

// NewSchedulingFailed builds a scheduling.failed event.
func NewSchedulingFailed(agentID, reason string) *SchedulingFailedEvent {
	return &SchedulingFailedEvent{baseEvent: newBase(agentID, ""), Reason: reason}
}

// NewSchedulingPreempted builds a scheduling.preempted event for one victim.
func NewSchedulingPreempted(victimID, nodeID, preemptedBy string) *SchedulingPreemptedEvent {
	return &SchedulingPreemptedEvent{baseEvent: newBase(victimID, ""), NodeID: nodeID, PreemptedBy: preemptedBy}
}

// NewSchedulingResumed builds a scheduling.resumed event.
func NewSchedulingResumed(agentID string) *SchedulingResumedEvent {
	return &SchedulingResumedEvent{baseEvent: newBase(agentID, "")}
}

// NewSchedulingUnscheduled builds a scheduling.unscheduled event.
func NewSchedulingUnscheduled(agentID string) *SchedulingUnscheduledEvent {
	return &SchedulingUnscheduledEvent{baseEvent: newBase(agentID, "")}
}

// AgentID returns the agent the event concerns.
func (e baseEvent) AgentID() string { return e.agentID }

// SessionID returns the session bound to the agent at publication time.
func (e baseEvent) SessionID() string { return e.sessionID }

// Timestamp returns the UTC creation time.
func (e baseEvent) Timestamp() time.Time { return e.at }

func (*AgentSpawnedEvent) Type() EventType          { return AgentSpawned }
func (*AgentStartedEvent) Type() EventType          { return AgentStarted }
func (*AgentPausedEvent) Type() EventType           { return AgentPaused }
func (*AgentResumedEvent) Type() EventType          { return AgentResumed }
func (*AgentCompletedEvent) Type() EventType        { return AgentCompleted }
func (*AgentFailedEvent) Type() EventType           { return AgentFailed }
func (*AgentKilledEvent) Type() EventType           { return AgentKilled }
func (*TokenUsageEvent) Type() EventType            { return TokenUsage }
func (*ThresholdCrossedEvent) Type() EventType      { return ThresholdCrossed }
func (*SchedulingRequestedEvent) Type() EventType   { return SchedulingRequested }
func (*SchedulingSucceededEvent) Type() EventType   { return SchedulingSucceeded }
func (*SchedulingFailedEvent) Type() EventType      { return SchedulingFailed }
func (*SchedulingPreemptedEvent) Type() EventType   { return SchedulingPreempted }
func (*SchedulingResumedEvent) Type() EventType     { return SchedulingResumed }
func (*SchedulingUnscheduledEvent) Type() EventType { return SchedulingUnscheduled }

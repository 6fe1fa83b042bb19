// Package bridge connects control-plane agents to their external sessions.
// It owns the agent-session mapping, a partial bijection: every agent has at
// most one session and every session belongs to exactly one agent. All session
// traffic (spawn, pause, resume, kill, status) crosses through a Gateway
// interface so the external session API stays a collaborator, and every state
// change is published as an agent.* event on the bus.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/fleet/hooks"
	"goa.design/fleet/telemetry"
)

type (
	// Status is the externally reported session state.
	Status string

	// SpawnOptions describes the session to create.
	SpawnOptions struct {
		// AgentID is the control-plane agent the session will belong to.
		// Required.
		AgentID string `json:"agentId"`
		// Model names the model the session runs on.
		Model string `json:"model,omitempty"`
		// Prompt is the initial instruction handed to the session.
		Prompt string `json:"prompt,omitempty"`
		// Metadata is forwarded opaquely to the gateway.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Gateway is the external session API. Implementations wrap whatever
	// process or service actually runs agents; the bridge only translates ids
	// and publishes events.
	Gateway interface {
		// Spawn creates a session and returns its id.
		Spawn(ctx context.Context, opts SpawnOptions) (string, error)
		// Pause suspends the session.
		Pause(ctx context.Context, sessionID string) error
		// Resume continues a paused session.
		Resume(ctx context.Context, sessionID string) error
		// Kill terminates the session, forcefully when force is set.
		Kill(ctx context.Context, sessionID string, force bool) error
		// Status reports the session's current state.
		Status(ctx context.Context, sessionID string) (Status, error)
	}

	// Bridge owns the agent-session bijection and the event publication for
	// session lifecycle changes. Safe for concurrent use.
	Bridge struct {
		gateway Gateway
		bus     hooks.Bus
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu        sync.RWMutex
		byAgent   map[string]string
		bySession map[string]string
	}

	// Options configures a Bridge. Gateway is required.
	Options struct {
		// Gateway is the external session API.
		Gateway Gateway
		// Bus receives agent.* and token.usage events. Nil publishes nothing.
		Bus hooks.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

var (
	// ErrNoSession indicates the agent has no session mapping.
	ErrNoSession = errors.New("no session for agent")
	// ErrSessionExists indicates the agent already has a live session.
	ErrSessionExists = errors.New("agent already has a session")
	// ErrSessionBound indicates the gateway returned a session id already
	// mapped to another agent.
	ErrSessionBound = errors.New("session already bound to another agent")
)

// New validates the options and constructs a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Gateway == nil {
		return nil, errors.New("bridge: option Gateway is required")
	}
	b := &Bridge{
		gateway:   opts.Gateway,
		bus:       opts.Bus,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		byAgent:   make(map[string]string),
		bySession: make(map[string]string),
	}
	if b.log == nil {
		b.log = telemetry.NewNoopLogger()
	}
	if b.metrics == nil {
		b.metrics = telemetry.NewNoopMetrics()
	}
	return b, nil
}

// SpawnSession creates a session for the agent, inserts both directions of
// the mapping, and publishes agent.spawned.
func (b *Bridge) SpawnSession(ctx context.Context, opts SpawnOptions) (string, error) {
	if opts.AgentID == "" {
		return "", errors.New("bridge: agentId is required")
	}
	b.mu.RLock()
	_, exists := b.byAgent[opts.AgentID]
	b.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%w: %s", ErrSessionExists, opts.AgentID)
	}

	sessionID, err := b.gateway.Spawn(ctx, opts)
	if err != nil {
		b.publish(ctx, hooks.NewAgentFailed(opts.AgentID, "", err.Error()))
		return "", fmt.Errorf("bridge: spawn session for %s: %w", opts.AgentID, err)
	}

	b.mu.Lock()
	if _, exists := b.byAgent[opts.AgentID]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionExists, opts.AgentID)
	}
	if owner, bound := b.bySession[sessionID]; bound {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: session %s owned by %s", ErrSessionBound, sessionID, owner)
	}
	b.byAgent[opts.AgentID] = sessionID
	b.bySession[sessionID] = opts.AgentID
	b.mu.Unlock()

	b.metrics.IncCounter("sessions_spawned", 1)
	b.publish(ctx, hooks.NewAgentSpawned(opts.AgentID, sessionID))
	b.log.Info(ctx, "session spawned", "agent_id", opts.AgentID, "session_id", sessionID)
	return sessionID, nil
}

// PauseSession suspends the agent's session and publishes agent.paused.
func (b *Bridge) PauseSession(ctx context.Context, agentID string) error {
	sessionID, err := b.session(agentID)
	if err != nil {
		return err
	}
	if err := b.gateway.Pause(ctx, sessionID); err != nil {
		b.publish(ctx, hooks.NewAgentFailed(agentID, sessionID, err.Error()))
		return fmt.Errorf("bridge: pause session for %s: %w", agentID, err)
	}
	b.publish(ctx, hooks.NewAgentPaused(agentID, sessionID))
	return nil
}

// ResumeSession continues the agent's paused session and publishes
// agent.resumed.
func (b *Bridge) ResumeSession(ctx context.Context, agentID string) error {
	sessionID, err := b.session(agentID)
	if err != nil {
		return err
	}
	if err := b.gateway.Resume(ctx, sessionID); err != nil {
		b.publish(ctx, hooks.NewAgentFailed(agentID, sessionID, err.Error()))
		return fmt.Errorf("bridge: resume session for %s: %w", agentID, err)
	}
	b.publish(ctx, hooks.NewAgentResumed(agentID, sessionID))
	return nil
}

// KillSession terminates the agent's session, clears the mapping, and
// publishes agent.killed. Killing an agent with no session is an idempotent
// no-op publishing nothing.
func (b *Bridge) KillSession(ctx context.Context, agentID string, force bool) error {
	sessionID, err := b.session(agentID)
	if err != nil {
		return nil
	}
	if err := b.gateway.Kill(ctx, sessionID, force); err != nil {
		b.publish(ctx, hooks.NewAgentFailed(agentID, sessionID, err.Error()))
		return fmt.Errorf("bridge: kill session for %s: %w", agentID, err)
	}
	b.unbind(agentID, sessionID)
	b.metrics.IncCounter("sessions_killed", 1, "force", fmt.Sprintf("%t", force))
	b.publish(ctx, hooks.NewAgentKilled(agentID, sessionID, force, ""))
	b.log.Info(ctx, "session killed", "agent_id", agentID, "session_id", sessionID, "force", force)
	return nil
}

// StatusOf reports the current state of the agent's session.
func (b *Bridge) StatusOf(ctx context.Context, agentID string) (Status, error) {
	sessionID, err := b.session(agentID)
	if err != nil {
		return "", err
	}
	status, err := b.gateway.Status(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("bridge: status of %s: %w", agentID, err)
	}
	return status, nil
}

// HasSession reports whether the agent currently has a session.
func (b *Bridge) HasSession(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byAgent[agentID]
	return ok
}

// SessionOf returns the agent's session id, or ErrNoSession.
func (b *Bridge) SessionOf(agentID string) (string, error) {
	return b.session(agentID)
}

// AgentOf returns the agent owning the session, or ErrNoSession.
func (b *Bridge) AgentOf(sessionID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	agentID, ok := b.bySession[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: session %s", ErrNoSession, sessionID)
	}
	return agentID, nil
}

// ListActive returns the agents with live sessions, sorted by agent id.
func (b *Bridge) ListActive() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byAgent))
	for agentID := range b.byAgent {
		out = append(out, agentID)
	}
	sort.Strings(out)
	return out
}

// SessionStateChanged translates a session-reported state change into the
// corresponding agent.* event. Terminal states clear the mapping. The gateway
// (or its polling collaborator) calls this.
func (b *Bridge) SessionStateChanged(ctx context.Context, sessionID string, state Status, detail string) error {
	agentID, err := b.AgentOf(sessionID)
	if err != nil {
		return err
	}
	switch state {
	case StatusRunning:
		b.publish(ctx, hooks.NewAgentStarted(agentID, sessionID))
	case StatusPaused:
		b.publish(ctx, hooks.NewAgentPaused(agentID, sessionID))
	case StatusCompleted:
		b.unbind(agentID, sessionID)
		b.publish(ctx, hooks.NewAgentCompleted(agentID, sessionID))
	case StatusFailed:
		b.unbind(agentID, sessionID)
		b.publish(ctx, hooks.NewAgentFailed(agentID, sessionID, detail))
	case StatusKilled:
		b.unbind(agentID, sessionID)
		b.publish(ctx, hooks.NewAgentKilled(agentID, sessionID, false, detail))
	default:
		return fmt.Errorf("bridge: unknown session state %q", state)
	}
	return nil
}

// ReportUsage publishes a token.usage event for the session's agent. The
// budget engine subscribes to these; budgetID may be empty, in which case the
// engine resolves the agent's active tracking.
func (b *Bridge) ReportUsage(ctx context.Context, sessionID, budgetID string, prompt, completion int64, model string, cost float64) error {
	agentID, err := b.AgentOf(sessionID)
	if err != nil {
		return err
	}
	b.publish(ctx, hooks.NewTokenUsage(agentID, sessionID, budgetID, prompt, completion, model, cost))
	return nil
}

func (b *Bridge) session(agentID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sessionID, ok := b.byAgent[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSession, agentID)
	}
	return sessionID, nil
}

// unbind removes both directions of the mapping. Removing only a stale pair
// keeps the bijection intact when the mapping changed concurrently.
func (b *Bridge) unbind(agentID, sessionID string) {
	b.mu.Lock()
	if b.byAgent[agentID] == sessionID {
		delete(b.byAgent, agentID)
		delete(b.bySession, sessionID)
	}
	b.mu.Unlock()
}

func (b *Bridge) publish(ctx context.Context, evt hooks.Event) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, evt); err != nil {
		b.log.Error(ctx, "publishing session event failed", "event", string(evt.Type()), "err", err.Error())
	}
}

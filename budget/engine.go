package budget

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/fleet/hooks"
	"goa.design/fleet/pricing"
	"goa.design/fleet/telemetry"
)

type (
	// Engine owns live budget tracking. Configurations and alerts are loaded
	// from and persisted to the Store; trackings are process-local and die
	// with the process.
	//
	// Concurrency: configurations and alerts share one RW mutex; each
	// tracking has its own lock so RecordTokens calls for the same budget id
	// are linearized while distinct budgets interleave freely. Threshold
	// side effects (events, notifications, blocks) run after the tracking
	// lock is released.
	Engine struct {
		calc      *pricing.Calculator
		store     Store
		bus       hooks.Bus
		log       telemetry.Logger
		metrics   telemetry.Metrics
		notifier  Notifier
		audit     *AuditLog
		blocks    *Blocks
		cooldowns *CooldownTracker
		clock     func() time.Time
		defaults  Config

		cfgMu   sync.RWMutex
		configs map[string]Config
		alerts  map[string][]Alert

		trackMu   sync.RWMutex
		trackings map[string]*trackingState
		byAgent   map[string][]string
	}

	// trackingState pairs a tracking with its per-budget lock.
	trackingState struct {
		mu sync.Mutex
		t  Tracking
	}

	// Options configures an Engine. Store is required; everything else has
	// working defaults.
	Options struct {
		// Store persists configurations and alerts. Required.
		Store Store
		// Calculator prices token usage. Defaults to the built-in table.
		Calculator *pricing.Calculator
		// Bus receives budget.threshold events. Defaults to a private bus.
		Bus hooks.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Notifier delivers threshold notifications. Defaults to a no-op.
		Notifier Notifier
		// AuditSize bounds the audit ring. Zero means DefaultAuditSize.
		AuditSize int
		// Clock overrides the time source, for tests.
		Clock func() time.Time
		// DefaultConfig is the fallback when no configured scope applies.
		// Zero value installs a 100-unit cost ceiling with the default ladder.
		DefaultConfig *Config
	}
)

// NewEngine constructs an Engine and loads the persisted document. A load
// failure degrades to empty maps with a warning; it never fails construction.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrStoreRequired
	}
	e := &Engine{
		calc:      opts.Calculator,
		store:     opts.Store,
		bus:       opts.Bus,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		audit:     NewAuditLog(opts.AuditSize),
		clock:     opts.Clock,
		configs:   make(map[string]Config),
		alerts:    make(map[string][]Alert),
		trackings: make(map[string]*trackingState),
		byAgent:   make(map[string][]string),
	}
	if e.calc == nil {
		e.calc = pricing.NewCalculator()
	}
	if e.bus == nil {
		e.bus = hooks.NewBus()
	}
	if e.log == nil {
		e.log = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.notifier == nil {
		e.notifier = NopNotifier{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	e.cooldowns = NewCooldownTracker(e.clock)
	e.blocks = NewBlocks(e.clock)
	if opts.DefaultConfig != nil {
		e.defaults = *opts.DefaultConfig
	} else {
		e.defaults = Config{Type: TypeProject, Scope: "default", MaxCost: 100}
	}
	doc, err := e.store.Load(ctx)
	if err != nil {
		e.log.Warn(ctx, "loading budget document failed, starting empty", "err", err.Error())
		doc = EmptyDocument()
	}
	for key, cfg := range doc.Configs {
		e.configs[key] = cfg
	}
	for projectID, alerts := range doc.Alerts {
		e.alerts[projectID] = append([]Alert(nil), alerts...)
	}
	return e, nil
}

// Blocks exposes the block registry.
func (e *Engine) Blocks() *Blocks { return e.blocks }

// Audit exposes the audit log.
func (e *Engine) Audit() *AuditLog { return e.audit }

// SetConfig upserts the configuration addressed by (t, scope), applying the
// patch over the existing value or the engine default, and persists the
// document. Persistence failures are logged, not returned: the in-memory
// update is authoritative for the rest of the process lifetime.
func (e *Engine) SetConfig(ctx context.Context, t Type, scope string, patch ConfigPatch) (Config, error) {
	e.cfgMu.Lock()
	key := ConfigKey(t, scope)
	cfg, ok := e.configs[key]
	if !ok {
		cfg = e.defaults
		cfg.Type = t
		cfg.Scope = scope
	}
	if patch.MaxTokens != nil {
		cfg.MaxTokens = *patch.MaxTokens
	}
	if patch.MaxCost != nil {
		cfg.MaxCost = *patch.MaxCost
	}
	if patch.Period != nil {
		cfg.Period = patch.Period
	}
	if patch.Thresholds != nil {
		cfg.Thresholds = patch.Thresholds
	}
	if err := cfg.Validate(); err != nil {
		e.cfgMu.Unlock()
		return Config{}, err
	}
	e.configs[key] = cfg
	e.cfgMu.Unlock()
	e.persist(ctx)
	return cfg, nil
}

// GetConfig returns the configuration stored for (t, scope).
func (e *Engine) GetConfig(t Type, scope string) (Config, error) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	cfg, ok := e.configs[ConfigKey(t, scope)]
	if !ok {
		return Config{}, ErrConfigNotFound
	}
	return cfg, nil
}

// BeginTracking creates a live tracking for one agent run. The effective
// configuration is the most specific applicable one, resolved in the order
// task, agent, swarm, project, engine default, and snapshotted into the
// tracking.
func (e *Engine) BeginTracking(ctx context.Context, agentID, taskID, projectID, model, swarmID string) (Tracking, error) {
	cfg := e.resolveConfig(taskID, agentID, swarmID, projectID)
	now := e.clock()
	t := Tracking{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		TaskID:      taskID,
		ProjectID:   projectID,
		SwarmID:     swarmID,
		Model:       model,
		StartedAt:   now,
		LastUpdated: now,
		Config:      cfg,
	}
	e.trackMu.Lock()
	e.trackings[t.ID] = &trackingState{t: t}
	e.byAgent[agentID] = append(e.byAgent[agentID], t.ID)
	e.trackMu.Unlock()
	e.log.Info(ctx, "budget tracking started",
		"budget_id", t.ID, "agent_id", agentID, "project_id", projectID, "max_cost", cfg.MaxCost)
	return t, nil
}

// RecordTokens adds a token delta to the tracking, reprices the cumulative
// usage, and evaluates the threshold ladder with cooldowns. A crossed step
// is appended to the tracking history, written to the audit log, and its
// action executed synchronously before the call returns. Unknown budget ids
// are a logged no-op returning a nil trigger; negative deltas are rejected
// with ErrNegativeTokens before any state changes.
func (e *Engine) RecordTokens(ctx context.Context, budgetID string, prompt, completion int64, model string) (*Triggered, error) {
	if prompt < 0 || completion < 0 {
		// Counters only move forward; a negative delta would walk the usage
		// back below thresholds already crossed.
		e.log.Warn(ctx, "rejecting negative token delta",
			"budget_id", budgetID, "prompt", prompt, "completion", completion)
		return nil, ErrNegativeTokens
	}
	state := e.state(budgetID)
	if state == nil {
		e.log.Warn(ctx, "record tokens for unknown budget", "budget_id", budgetID)
		return nil, nil
	}

	state.mu.Lock()
	t := &state.t
	if t.CompletedAt != nil {
		state.mu.Unlock()
		e.log.Warn(ctx, "record tokens after tracking ended", "budget_id", budgetID)
		return nil, nil
	}
	if model == "" {
		model = t.Model
	}
	t.TokensUsed = t.TokensUsed.Sum(prompt, completion)
	t.CostUsed = e.calc.Calculate(ctx, model, t.TokensUsed)
	t.LastUpdated = e.clock()
	percent := t.CostUsed.Total / t.Config.MaxCost * 100
	ladder := t.Config.Thresholds
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	triggered := e.cooldowns.Check(budgetID, percent, ladder)
	var snapshot Tracking
	if triggered != nil {
		t.History = append(t.History, ThresholdEvent{
			At:        e.clock(),
			Percent:   percent,
			Threshold: triggered.Threshold.Percent,
			Action:    triggered.Threshold.Action,
			Message:   triggered.Threshold.Message,
		})
		if triggered.ShouldKill() {
			now := e.clock()
			t.Killed = true
			t.KillReason = triggered.Threshold.Message
			t.CompletedAt = &now
		}
		snapshot = *t
	}
	state.mu.Unlock()

	e.metrics.IncCounter("budget_tokens_recorded", float64(prompt+completion), "model", model)
	if triggered != nil {
		e.execute(ctx, snapshot, triggered)
	}
	return triggered, nil
}

// Usage returns the consumption summary of a tracking.
func (e *Engine) Usage(budgetID string) (Usage, error) {
	state := e.state(budgetID)
	if state == nil {
		return Usage{}, ErrTrackingNotFound
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	t := state.t
	return Usage{
		Tokens:      t.TokensUsed,
		Cost:        t.CostUsed,
		PercentUsed: t.CostUsed.Total / t.Config.MaxCost * 100,
		MaxTokens:   t.Config.MaxTokens,
		MaxCost:     t.Config.MaxCost,
	}, nil
}

// Tracking returns a copy of the live tracking.
func (e *Engine) Tracking(budgetID string) (Tracking, error) {
	state := e.state(budgetID)
	if state == nil {
		return Tracking{}, ErrTrackingNotFound
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return cloneTracking(state.t), nil
}

// CompleteTracking ends the tracking naturally. Unknown ids are a logged
// no-op.
func (e *Engine) CompleteTracking(ctx context.Context, budgetID string) {
	state := e.state(budgetID)
	if state == nil {
		e.log.Warn(ctx, "complete unknown budget tracking", "budget_id", budgetID)
		return
	}
	state.mu.Lock()
	if state.t.CompletedAt == nil {
		now := e.clock()
		state.t.CompletedAt = &now
	}
	state.mu.Unlock()
	e.cooldowns.Forget(budgetID)
}

// KillTracking terminates the tracking, records the kill in the audit log,
// and registers a killed block so the agent cannot be rescheduled without
// approval. Unknown ids are a logged no-op.
func (e *Engine) KillTracking(ctx context.Context, budgetID, reason string) {
	state := e.state(budgetID)
	if state == nil {
		e.log.Warn(ctx, "kill unknown budget tracking", "budget_id", budgetID)
		return
	}
	state.mu.Lock()
	t := &state.t
	now := e.clock()
	t.Killed = true
	t.KillReason = reason
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	snapshot := *t
	state.mu.Unlock()
	e.blocks.Block(snapshot.AgentID, budgetID, 0, true)
	e.audit.Append(AuditEntry{
		At:        now,
		BudgetID:  budgetID,
		AgentID:   snapshot.AgentID,
		ProjectID: snapshot.ProjectID,
		Action:    ActionKill,
		Message:   reason,
	})
	e.cooldowns.Forget(budgetID)
	e.log.Info(ctx, "budget tracking killed", "budget_id", budgetID, "reason", reason)
}

// AgentStatus returns copies of all trackings for the agent, oldest first.
func (e *Engine) AgentStatus(agentID string) []Tracking {
	e.trackMu.RLock()
	ids := append([]string(nil), e.byAgent[agentID]...)
	e.trackMu.RUnlock()
	out := make([]Tracking, 0, len(ids))
	for _, id := range ids {
		if t, err := e.Tracking(id); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// ProjectStatus returns the project's trackings, their total cost, and the
// project-level configuration when one exists.
func (e *Engine) ProjectStatus(projectID string) ([]Tracking, float64, *Config) {
	e.trackMu.RLock()
	states := make([]*trackingState, 0, len(e.trackings))
	for _, s := range e.trackings {
		states = append(states, s)
	}
	e.trackMu.RUnlock()
	var out []Tracking
	var total float64
	for _, s := range states {
		s.mu.Lock()
		if s.t.ProjectID == projectID {
			out = append(out, cloneTracking(s.t))
			total += s.t.CostUsed.Total
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	var cfg *Config
	if c, err := e.GetConfig(TypeProject, projectID); err == nil {
		cfg = &c
	}
	return out, total, cfg
}

// HandleEvent subscribes the engine to the control-plane bus. Token usage
// events are recorded against their budget; events without a budget id fall
// back to the agent's most recent active tracking.
func (e *Engine) HandleEvent(ctx context.Context, event hooks.Event) error {
	usage, ok := event.(*hooks.TokenUsageEvent)
	if !ok {
		return nil
	}
	budgetID := usage.BudgetID
	if budgetID == "" {
		budgetID = e.activeBudgetFor(usage.AgentID())
	}
	if budgetID == "" {
		e.log.Warn(ctx, "token usage with no active tracking", "agent_id", usage.AgentID())
		return nil
	}
	_, err := e.RecordTokens(ctx, budgetID, usage.PromptTokens, usage.CompletionTokens, usage.Model)
	if errors.Is(err, ErrNegativeTokens) {
		// Malformed event, already logged; don't poison the bus fan-out.
		return nil
	}
	return err
}

// execute runs a threshold action: publish the trigger event, dispatch
// notifications, and update the block registry. Runs without any tracking
// lock held.
func (e *Engine) execute(ctx context.Context, t Tracking, triggered *Triggered) {
	step := triggered.Threshold
	e.audit.Append(AuditEntry{
		At:        e.clock(),
		BudgetID:  t.ID,
		AgentID:   t.AgentID,
		ProjectID: t.ProjectID,
		Percent:   triggered.Percent,
		Threshold: step.Percent,
		Action:    step.Action,
		Message:   step.Message,
	})
	e.metrics.IncCounter("budget_threshold_triggered", 1, "action", string(step.Action))
	evt := hooks.NewThresholdCrossed(t.AgentID, t.ID, triggered.Percent, step.Percent, string(step.Action), step.Message)
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.log.Error(ctx, "publishing threshold event failed", "budget_id", t.ID, "err", err.Error())
	}
	switch step.Action {
	case ActionWarn:
		e.log.Warn(ctx, "budget threshold warning",
			"budget_id", t.ID, "agent_id", t.AgentID, "percent", triggered.Percent, "threshold", step.Percent)
	case ActionNotify:
		e.notify(ctx, t, triggered)
	case ActionBlock:
		e.notify(ctx, t, triggered)
		e.blocks.Block(t.AgentID, t.ID, step.Percent, false)
	case ActionKill:
		e.notify(ctx, t, triggered)
		e.blocks.Block(t.AgentID, t.ID, step.Percent, true)
	case ActionAudit:
		// Audit implies kill: the compliance record above plus the full kill
		// path.
		e.notify(ctx, t, triggered)
		e.blocks.Block(t.AgentID, t.ID, step.Percent, true)
	}
}

// notify dispatches to the threshold's channels plus any project alerts
// whose own threshold is at or below the fired percentage.
func (e *Engine) notify(ctx context.Context, t Tracking, triggered *Triggered) {
	step := triggered.Threshold
	msg := Message{
		BudgetID:  t.ID,
		AgentID:   t.AgentID,
		ProjectID: t.ProjectID,
		Percent:   triggered.Percent,
		Threshold: step.Percent,
		Action:    step.Action,
		Body:      step.Message,
	}
	for _, raw := range step.Notify {
		ch, err := ParseChannel(raw)
		if err != nil {
			e.log.Warn(ctx, "skipping malformed notification channel", "channel", raw, "err", err.Error())
			continue
		}
		if err := e.notifier.Notify(ctx, ch, msg); err != nil {
			e.log.Error(ctx, "notification dispatch failed", "kind", ch.Kind, "err", err.Error())
		}
	}
	for _, alert := range e.ListAlerts(t.ProjectID) {
		if triggered.Percent < alert.Threshold {
			continue
		}
		for _, ch := range AlertChannels(alert) {
			if err := e.notifier.Notify(ctx, ch, msg); err != nil {
				e.log.Error(ctx, "alert dispatch failed", "alert_id", alert.ID, "kind", ch.Kind, "err", err.Error())
			}
		}
	}
}

func (e *Engine) resolveConfig(taskID, agentID, swarmID, projectID string) Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	lookups := []struct {
		t     Type
		scope string
	}{
		{TypeTask, taskID},
		{TypeAgent, agentID},
		{TypeSwarm, swarmID},
		{TypeProject, projectID},
	}
	for _, l := range lookups {
		if l.scope == "" {
			continue
		}
		if cfg, ok := e.configs[ConfigKey(l.t, l.scope)]; ok {
			return cfg
		}
	}
	return e.defaults
}

func (e *Engine) state(budgetID string) *trackingState {
	e.trackMu.RLock()
	defer e.trackMu.RUnlock()
	return e.trackings[budgetID]
}

// activeBudgetFor returns the most recent non-terminated tracking id of the
// agent, or empty.
func (e *Engine) activeBudgetFor(agentID string) string {
	e.trackMu.RLock()
	ids := e.byAgent[agentID]
	states := make([]*trackingState, 0, len(ids))
	for _, id := range ids {
		states = append(states, e.trackings[id])
	}
	e.trackMu.RUnlock()
	for i := len(states) - 1; i >= 0; i-- {
		s := states[i]
		s.mu.Lock()
		active := s.t.CompletedAt == nil
		id := s.t.ID
		s.mu.Unlock()
		if active {
			return id
		}
	}
	return ""
}

// persist writes the current configs and alerts. Failures are logged only.
func (e *Engine) persist(ctx context.Context) {
	e.cfgMu.RLock()
	doc := Document{
		Configs:   make(map[string]Config, len(e.configs)),
		Alerts:    make(map[string][]Alert, len(e.alerts)),
		Version:   DocumentVersion,
		UpdatedAt: e.clock().UTC(),
	}
	for k, v := range e.configs {
		doc.Configs[k] = v
	}
	for k, v := range e.alerts {
		doc.Alerts[k] = append([]Alert(nil), v...)
	}
	e.cfgMu.RUnlock()
	if err := e.store.Save(ctx, doc); err != nil {
		e.log.Error(ctx, "persisting budget document failed", "err", err.Error())
	}
}

func cloneTracking(t Tracking) Tracking {
	out := t
	out.History = append([]ThresholdEvent(nil), t.History...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

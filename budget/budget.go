// Package budget implements cost accounting and enforcement for agent runs:
// per-scope budget configurations, live tracking of token usage, a staged
// threshold ladder (warn, notify, block, kill, audit) with per-budget
// cooldowns, a block registry for approval flows, and persisted alerts.
//
// Configurations and alerts persist through a Store; live tracking is
// process-local by design and does not survive restarts.
package budget

import (
	"context"
	"errors"
	"time"

	"goa.design/fleet/pricing"
)

type (
	// Type is the budget scope kind, from most to least specific: task,
	// agent, swarm, project.
	Type string

	// Action is a threshold ladder action.
	Action string

	// Interval is a budget reset period.
	Interval string

	// Period anchors periodic budget resets.
	Period struct {
		// Interval is daily, weekly, or monthly.
		Interval Interval `json:"interval"`
		// ResetHour is the UTC hour (0-23) a daily period resets at.
		ResetHour int `json:"resetHour,omitempty"`
		// ResetDay is the weekday (0-6) for weekly or day of month (1-28)
		// for monthly periods.
		ResetDay int `json:"resetDay,omitempty"`
	}

	// Threshold is one step of the ladder.
	Threshold struct {
		// Percent is the budget percentage that arms the step.
		Percent float64 `json:"percent"`
		// Action is executed when the step fires.
		Action Action `json:"action"`
		// Notify lists channels in kind:target form (webhook, email, sms).
		Notify []string `json:"notify,omitempty"`
		// CooldownSeconds suppresses refires of this step for the duration.
		CooldownSeconds int `json:"cooldownSeconds,omitempty"`
		// Message is the operator-facing message attached to the fire.
		Message string `json:"message,omitempty"`
	}

	// Config is a budget configuration addressed by (Type, Scope).
	Config struct {
		Type  Type   `json:"type"`
		Scope string `json:"scope"`
		// MaxTokens is the token ceiling. Zero means unlimited tokens.
		MaxTokens int64 `json:"maxTokens,omitempty"`
		// MaxCost is the cost ceiling percent computations are based on.
		MaxCost float64 `json:"maxCost"`
		// Period optionally anchors periodic resets.
		Period *Period `json:"period,omitempty"`
		// Thresholds overrides the default ladder when non-empty.
		Thresholds []Threshold `json:"thresholds,omitempty"`
	}

	// ConfigPatch carries the optional fields of a SetConfig upsert. Nil
	// fields keep the existing (or default) value.
	ConfigPatch struct {
		MaxTokens  *int64
		MaxCost    *float64
		Period     *Period
		Thresholds []Threshold
	}

	// Alert is a persisted project-level notification registration.
	Alert struct {
		ID        string  `json:"id"`
		ProjectID string  `json:"projectId"`
		Threshold float64 `json:"threshold"`
		// At least one delivery target must be set.
		WebhookURL string `json:"webhookUrl,omitempty"`
		Email      string `json:"email,omitempty"`
		SMS        string `json:"sms,omitempty"`
	}

	// ThresholdEvent is one entry of a tracking's trigger history.
	ThresholdEvent struct {
		At        time.Time `json:"at"`
		Percent   float64   `json:"percent"`
		Threshold float64   `json:"threshold"`
		Action    Action    `json:"action"`
		Message   string    `json:"message,omitempty"`
	}

	// Tracking is the live accounting record of one agent run.
	Tracking struct {
		ID        string `json:"id"`
		AgentID   string `json:"agentId"`
		TaskID    string `json:"taskId"`
		ProjectID string `json:"projectId"`
		SwarmID   string `json:"swarmId,omitempty"`
		Model     string `json:"model"`

		TokensUsed pricing.TokenUsage `json:"tokensUsed"`
		CostUsed   pricing.Cost       `json:"costUsed"`

		StartedAt   time.Time  `json:"startedAt"`
		LastUpdated time.Time  `json:"lastUpdated"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		Killed      bool       `json:"killed,omitempty"`
		KillReason  string     `json:"killReason,omitempty"`

		// Config is the resolved configuration snapshot taken at begin time.
		Config Config `json:"config"`
		// History lists threshold fires in order.
		History []ThresholdEvent `json:"history,omitempty"`
	}

	// Usage is a point-in-time consumption summary for one tracking.
	Usage struct {
		Tokens      pricing.TokenUsage `json:"tokens"`
		Cost        pricing.Cost       `json:"cost"`
		PercentUsed float64            `json:"percentUsed"`
		MaxTokens   int64              `json:"maxTokens,omitempty"`
		MaxCost     float64            `json:"maxCost"`
	}

	// Document is the persisted budget state: configurations keyed by
	// "<type>:<scope>" and alerts keyed by project id.
	Document struct {
		Configs   map[string]Config  `json:"configs"`
		Alerts    map[string][]Alert `json:"alerts"`
		Version   string             `json:"version"`
		UpdatedAt time.Time          `json:"updatedAt"`
	}

	// Store persists budget configurations and alerts. Implementations are
	// best-effort: the engine treats write failures as degraded durability,
	// not as errors of the in-memory update.
	Store interface {
		// Load reads the persisted document. Implementations return an empty
		// document (not an error) when nothing has been persisted yet.
		Load(ctx context.Context) (Document, error)
		// Save writes the document.
		Save(ctx context.Context, doc Document) error
	}
)

const (
	TypeTask    Type = "task"
	TypeAgent   Type = "agent"
	TypeSwarm   Type = "swarm"
	TypeProject Type = "project"

	ActionWarn   Action = "warn"
	ActionNotify Action = "notify"
	ActionBlock  Action = "block"
	ActionKill   Action = "kill"
	ActionAudit  Action = "audit"

	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

// DocumentVersion is the persisted document schema version.
const DocumentVersion = "1.0.0"

var (
	// ErrTrackingNotFound indicates no live tracking exists for the id.
	ErrTrackingNotFound = errors.New("tracking not found")
	// ErrConfigNotFound indicates no configuration exists for (type, scope).
	ErrConfigNotFound = errors.New("budget config not found")
	// ErrAlertNotFound indicates no alert exists for the id.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrNotBlocked indicates the agent has no block record.
	ErrNotBlocked = errors.New("agent not blocked")
	// ErrStoreRequired indicates the engine was constructed without a store.
	ErrStoreRequired = errors.New("budget store is required")
	// ErrNegativeTokens indicates a token delta with a negative count.
	ErrNegativeTokens = errors.New("negative token delta")
)

// DefaultLadder returns the fixed default threshold ladder:
// 50/warn, 75/notify, 90/block, 100/kill, 110/audit.
func DefaultLadder() []Threshold {
	return []Threshold{
		{Percent: 50, Action: ActionWarn, Message: "budget half consumed"},
		{Percent: 75, Action: ActionNotify, Message: "budget three quarters consumed"},
		{Percent: 90, Action: ActionBlock, Message: "budget nearly exhausted, blocking for approval"},
		{Percent: 100, Action: ActionKill, Message: "budget exhausted"},
		{Percent: 110, Action: ActionAudit, Message: "budget overrun, flagged for compliance review"},
	}
}

// Key returns the document key of a configuration, "<type>:<scope>".
func (c Config) Key() string {
	return string(c.Type) + ":" + c.Scope
}

// ConfigKey builds a document key from its parts.
func ConfigKey(t Type, scope string) string {
	return string(t) + ":" + scope
}

// Validate rejects malformed configurations before any state mutates.
func (c Config) Validate() error {
	switch c.Type {
	case TypeTask, TypeAgent, TypeSwarm, TypeProject:
	default:
		return errors.New("budget: invalid type")
	}
	if c.Scope == "" {
		return errors.New("budget: scope is required")
	}
	if c.MaxCost <= 0 {
		return errors.New("budget: maxCost must be positive")
	}
	if c.MaxTokens < 0 {
		return errors.New("budget: maxTokens cannot be negative")
	}
	if p := c.Period; p != nil {
		switch p.Interval {
		case IntervalDaily:
			if p.ResetHour < 0 || p.ResetHour > 23 {
				return errors.New("budget: daily resetHour must be 0-23")
			}
		case IntervalWeekly:
			if p.ResetDay < 0 || p.ResetDay > 6 {
				return errors.New("budget: weekly resetDay must be 0-6")
			}
		case IntervalMonthly:
			if p.ResetDay < 1 || p.ResetDay > 28 {
				return errors.New("budget: monthly resetDay must be 1-28")
			}
		default:
			return errors.New("budget: invalid period interval")
		}
	}
	return nil
}

// Validate rejects alerts with no threshold or no delivery target.
func (a Alert) Validate() error {
	if a.ProjectID == "" {
		return errors.New("budget: alert projectId is required")
	}
	if a.Threshold <= 0 {
		return errors.New("budget: alert threshold must be positive")
	}
	if a.WebhookURL == "" && a.Email == "" && a.SMS == "" {
		return errors.New("budget: alert needs at least one delivery target")
	}
	return nil
}

// WindowStart returns the start of the current reset window relative to now.
// Daily windows open at ResetHour UTC, weekly at midnight of ResetDay, and
// monthly at midnight of the ResetDay-th of the month.
func (p *Period) WindowStart(now time.Time) time.Time {
	now = now.UTC()
	switch p.Interval {
	case IntervalDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), p.ResetHour, 0, 0, 0, time.UTC)
		if start.After(now) {
			start = start.AddDate(0, 0, -1)
		}
		return start
	case IntervalWeekly:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(start.Weekday()) - p.ResetDay + 7) % 7
		return start.AddDate(0, 0, -offset)
	case IntervalMonthly:
		start := time.Date(now.Year(), now.Month(), p.ResetDay, 0, 0, 0, 0, time.UTC)
		if start.After(now) {
			start = start.AddDate(0, -1, 0)
		}
		return start
	default:
		return now
	}
}

// EmptyDocument returns a document with initialized maps.
func EmptyDocument() Document {
	return Document{
		Configs: make(map[string]Config),
		Alerts:  make(map[string][]Alert),
		Version: DocumentVersion,
	}
}

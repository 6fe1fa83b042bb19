package budget

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"goa.design/fleet/telemetry"
)

type (
	// Channel is a parsed notification target.
	Channel struct {
		// Kind is webhook, email, or sms.
		Kind string
		// Target is the delivery address: URL, email address, or number.
		Target string
	}

	// Message is a notification payload handed to the delivery collaborator.
	Message struct {
		BudgetID  string  `json:"budgetId"`
		AgentID   string  `json:"agentId"`
		ProjectID string  `json:"projectId"`
		Percent   float64 `json:"percent"`
		Threshold float64 `json:"threshold"`
		Action    Action  `json:"action"`
		Body      string  `json:"body"`
	}

	// Notifier delivers threshold notifications. Actual delivery (HTTP,
	// SMTP, SMS gateway) is an external collaborator; the engine only
	// dispatches.
	Notifier interface {
		Notify(ctx context.Context, ch Channel, msg Message) error
	}

	// NopNotifier discards notifications.
	NopNotifier struct{}

	// logNotifier writes notifications to the structured log. Used by
	// deployments without an external delivery service.
	logNotifier struct {
		log telemetry.Logger
	}

	// rateLimitedNotifier wraps a Notifier with a token bucket so threshold
	// storms cannot flood external channels. Over-limit notifications are
	// dropped with a warning rather than queued; the ladder cooldown is the
	// first line of defense, this is the second.
	rateLimitedNotifier struct {
		next    Notifier
		limiter *rate.Limiter
		log     telemetry.Logger
	}
)

// Notify discards the message.
func (NopNotifier) Notify(context.Context, Channel, Message) error { return nil }

// NewLogNotifier returns a Notifier that records each notification as a log
// entry instead of delivering it.
func NewLogNotifier(log telemetry.Logger) Notifier {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &logNotifier{log: log}
}

// Notify writes the notification to the log.
func (n *logNotifier) Notify(ctx context.Context, ch Channel, msg Message) error {
	n.log.Info(ctx, "budget notification",
		"kind", ch.Kind, "target", ch.Target,
		"budget_id", msg.BudgetID, "agent_id", msg.AgentID,
		"percent", msg.Percent, "action", string(msg.Action))
	return nil
}

// NewRateLimitedNotifier wraps next with a limiter of perMinute events and a
// burst of the same size.
func NewRateLimitedNotifier(next Notifier, perMinute int, log telemetry.Logger) Notifier {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &rateLimitedNotifier{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		log:     log,
	}
}

// Notify forwards when the limiter allows and drops otherwise.
func (n *rateLimitedNotifier) Notify(ctx context.Context, ch Channel, msg Message) error {
	if !n.limiter.Allow() {
		n.log.Warn(ctx, "notification rate limit exceeded, dropping",
			"kind", ch.Kind, "budget_id", msg.BudgetID)
		return nil
	}
	return n.next.Notify(ctx, ch, msg)
}

// ParseChannel parses a kind:target channel identifier. Valid kinds are
// webhook, email, and sms.
func ParseChannel(s string) (Channel, error) {
	kind, target, ok := strings.Cut(s, ":")
	if !ok || target == "" {
		return Channel{}, fmt.Errorf("budget: malformed channel %q, want kind:target", s)
	}
	switch kind {
	case "webhook", "email", "sms":
		return Channel{Kind: kind, Target: target}, nil
	default:
		return Channel{}, fmt.Errorf("budget: unknown channel kind %q", kind)
	}
}

// AlertChannels expands an alert's delivery targets into channels.
func AlertChannels(a Alert) []Channel {
	var out []Channel
	if a.WebhookURL != "" {
		out = append(out, Channel{Kind: "webhook", Target: a.WebhookURL})
	}
	if a.Email != "" {
		out = append(out, Channel{Kind: "email", Target: a.Email})
	}
	if a.SMS != "" {
		out = append(out, Channel{Kind: "sms", Target: a.SMS})
	}
	return out
}

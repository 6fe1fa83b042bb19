// Package pricing converts token usage into cost using per-model price
// tables. The calculator is a pure function over its table: no I/O on the
// pricing path, and the table is safe for concurrent reads and runtime
// overrides.
package pricing

import (
	"context"
	"math"
	"sync"

	"goa.design/fleet/telemetry"
)

type (
	// TokenUsage is a prompt/completion/total token triple.
	TokenUsage struct {
		Prompt     int64 `json:"prompt"`
		Completion int64 `json:"completion"`
		Total      int64 `json:"total"`
	}

	// Cost is a prompt/completion/total cost triple in currency units.
	Cost struct {
		Prompt     float64 `json:"prompt"`
		Completion float64 `json:"completion"`
		Total      float64 `json:"total"`
	}

	// ModelPricing is the price per thousand tokens for one model.
	ModelPricing struct {
		// PromptPerThousand is the cost per 1k prompt tokens.
		PromptPerThousand float64 `json:"promptPerThousand" yaml:"promptPerThousand"`
		// CompletionPerThousand is the cost per 1k completion tokens.
		CompletionPerThousand float64 `json:"completionPerThousand" yaml:"completionPerThousand"`
	}

	// Calculator prices token usage. The zero value is not usable; construct
	// with NewCalculator.
	Calculator struct {
		mu        sync.RWMutex
		table     map[string]ModelPricing
		overrides map[string]ModelPricing
		warned    map[string]struct{}
		log       telemetry.Logger
	}

	// Option customizes a Calculator.
	Option func(*Calculator)
)

// DefaultModel is the fallback pricing row used for unknown model names.
const DefaultModel = "default"

// defaultTable holds the built-in per-1k prices. Kept deliberately coarse;
// deployments install overrides for models they care about.
var defaultTable = map[string]ModelPricing{
	"claude-3-opus":     {PromptPerThousand: 0.015, CompletionPerThousand: 0.075},
	"claude-3-5-sonnet": {PromptPerThousand: 0.003, CompletionPerThousand: 0.015},
	"claude-3-haiku":    {PromptPerThousand: 0.00025, CompletionPerThousand: 0.00125},
	"gpt-4-turbo":       {PromptPerThousand: 0.01, CompletionPerThousand: 0.03},
	"gpt-4o":            {PromptPerThousand: 0.0025, CompletionPerThousand: 0.01},
	"gpt-4o-mini":       {PromptPerThousand: 0.00015, CompletionPerThousand: 0.0006},
	DefaultModel:        {PromptPerThousand: 0.003, CompletionPerThousand: 0.015},
}

// WithLogger installs the logger used for unknown-model warnings.
func WithLogger(log telemetry.Logger) Option {
	return func(c *Calculator) { c.log = log }
}

// NewCalculator constructs a Calculator preloaded with the built-in table.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		table:     make(map[string]ModelPricing, len(defaultTable)),
		overrides: make(map[string]ModelPricing),
		warned:    make(map[string]struct{}),
		log:       telemetry.NewNoopLogger(),
	}
	for model, price := range defaultTable {
		c.table[model] = price
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate prices the usage for the named model. Unknown models fall back to
// the default row and log a warning once per distinct name. Results are
// rounded to four fractional digits.
func (c *Calculator) Calculate(ctx context.Context, model string, usage TokenUsage) Cost {
	price, known := c.lookup(model)
	if !known {
		c.warnOnce(ctx, model)
	}
	prompt := round4(float64(usage.Prompt) / 1000 * price.PromptPerThousand)
	completion := round4(float64(usage.Completion) / 1000 * price.CompletionPerThousand)
	return Cost{
		Prompt:     prompt,
		Completion: completion,
		Total:      round4(prompt + completion),
	}
}

// Pricing returns the effective pricing row for the model and whether the
// model is known (directly or via override).
func (c *Calculator) Pricing(model string) (ModelPricing, bool) {
	return c.lookup(model)
}

// SetOverride installs or replaces a runtime pricing override for the model.
// Overrides take precedence over the built-in table.
func (c *Calculator) SetOverride(model string, price ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[model] = price
	delete(c.warned, model)
}

// RemoveOverride deletes a runtime override. No-op if none exists.
func (c *Calculator) RemoveOverride(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, model)
}

func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if price, ok := c.overrides[model]; ok {
		return price, true
	}
	if price, ok := c.table[model]; ok {
		return price, true
	}
	return c.table[DefaultModel], false
}

func (c *Calculator) warnOnce(ctx context.Context, model string) {
	c.mu.Lock()
	_, seen := c.warned[model]
	if !seen {
		c.warned[model] = struct{}{}
	}
	c.mu.Unlock()
	if !seen {
		c.log.Warn(ctx, "unknown model, using default pricing", "model", model)
	}
}

// Sum adds the delta to the usage and keeps the total consistent with
// prompt+completion.
func (u TokenUsage) Sum(prompt, completion int64) TokenUsage {
	u.Prompt += prompt
	u.Completion += completion
	u.Total = u.Prompt + u.Completion
	return u
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

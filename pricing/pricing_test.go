package pricing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateKnownModel(t *testing.T) {
	c := NewCalculator()
	cost := c.Calculate(context.Background(), "claude-3-5-sonnet", TokenUsage{Prompt: 1_000_000, Completion: 400_000})
	require.Equal(t, 3.0, cost.Prompt)
	require.Equal(t, 6.0, cost.Completion)
	require.Equal(t, 9.0, cost.Total)
}

func TestCalculateRoundsToFourDigits(t *testing.T) {
	c := NewCalculator()
	cost := c.Calculate(context.Background(), "claude-3-haiku", TokenUsage{Prompt: 333, Completion: 77})
	require.Equal(t, 0.0001, cost.Prompt)
	require.Equal(t, 0.0001, cost.Completion)
	require.Equal(t, 0.0002, cost.Total)
}

func TestCalculateUnknownModelFallsBack(t *testing.T) {
	c := NewCalculator(WithLogger(countingLogger{warns: new(int), mu: new(sync.Mutex)}))
	def := c.Calculate(context.Background(), DefaultModel, TokenUsage{Prompt: 1000, Completion: 1000})
	got := c.Calculate(context.Background(), "made-up-model", TokenUsage{Prompt: 1000, Completion: 1000})
	require.Equal(t, def, got)
}

func TestUnknownModelWarnsOncePerName(t *testing.T) {
	warns := 0
	var mu sync.Mutex
	c := NewCalculator(WithLogger(countingLogger{warns: &warns, mu: &mu}))
	for i := 0; i < 3; i++ {
		c.Calculate(context.Background(), "mystery", TokenUsage{Prompt: 1})
	}
	c.Calculate(context.Background(), "other-mystery", TokenUsage{Prompt: 1})
	require.Equal(t, 2, warns)
}

func TestOverridesTakePrecedence(t *testing.T) {
	c := NewCalculator()
	c.SetOverride("gpt-4o", ModelPricing{PromptPerThousand: 1, CompletionPerThousand: 2})
	cost := c.Calculate(context.Background(), "gpt-4o", TokenUsage{Prompt: 1000, Completion: 1000})
	require.Equal(t, 3.0, cost.Total)

	c.RemoveOverride("gpt-4o")
	cost = c.Calculate(context.Background(), "gpt-4o", TokenUsage{Prompt: 1000, Completion: 1000})
	require.Equal(t, 0.0125, cost.Total)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	doc := `models:
  in-house-70b:
    promptPerThousand: 0.001
    completionPerThousand: 0.002
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	c := NewCalculator()
	n, err := c.LoadOverrides(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	price, known := c.Pricing("in-house-70b")
	require.True(t, known)
	require.Equal(t, 0.001, price.PromptPerThousand)
}

func TestLoadOverridesRejectsNegativePrices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	doc := `models:
  bad:
    promptPerThousand: -1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	c := NewCalculator()
	_, err := c.LoadOverrides(path)
	require.Error(t, err)
	_, known := c.Pricing("bad")
	require.False(t, known)
}

func TestTokenUsageSum(t *testing.T) {
	u := TokenUsage{}.Sum(10, 5)
	require.Equal(t, int64(15), u.Total)
	u = u.Sum(1, 2)
	require.Equal(t, int64(11), u.Prompt)
	require.Equal(t, int64(7), u.Completion)
	require.Equal(t, int64(18), u.Total)
}

type countingLogger struct {
	warns *int
	mu    *sync.Mutex
}

func (countingLogger) Debug(context.Context, string, ...any) {}
func (countingLogger) Info(context.Context, string, ...any)  {}
func (l countingLogger) Warn(context.Context, string, ...any) {
	l.mu.Lock()
	*l.warns++
	l.mu.Unlock()
}
func (countingLogger) Error(context.Context, string, ...any) {}

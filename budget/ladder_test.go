package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckBoundaries(t *testing.T) {
	ladder := DefaultLadder()

	require.Nil(t, Check(49.999, ladder))

	trig := Check(50, ladder)
	require.NotNil(t, trig)
	require.Equal(t, float64(50), trig.Threshold.Percent)
	require.Equal(t, ActionWarn, trig.Threshold.Action)
	require.False(t, trig.ShouldBlock())
	require.False(t, trig.ShouldKill())

	trig = Check(90, ladder)
	require.NotNil(t, trig)
	require.Equal(t, ActionBlock, trig.Threshold.Action)
	require.True(t, trig.ShouldBlock())
	require.False(t, trig.ShouldKill())

	trig = Check(100, ladder)
	require.NotNil(t, trig)
	require.Equal(t, ActionKill, trig.Threshold.Action)
	require.True(t, trig.ShouldKill())

	trig = Check(110, ladder)
	require.NotNil(t, trig)
	require.Equal(t, ActionAudit, trig.Threshold.Action)
	require.True(t, trig.ShouldBlock())
	require.True(t, trig.ShouldKill())
}

func TestCheckEmptyLadder(t *testing.T) {
	require.Nil(t, Check(500, nil))
}

func TestCheckPicksHighestCrossed(t *testing.T) {
	ladder := []Threshold{
		{Percent: 25, Action: ActionWarn},
		{Percent: 75, Action: ActionNotify},
		{Percent: 50, Action: ActionWarn},
	}
	trig := Check(80, ladder)
	require.NotNil(t, trig)
	require.Equal(t, float64(75), trig.Threshold.Percent)
}

func TestCheckMonotonicity(t *testing.T) {
	ladder := DefaultLadder()
	prev := float64(-1)
	for percent := 0.0; percent <= 130; percent += 0.5 {
		trig := Check(percent, ladder)
		cur := float64(-1)
		if trig != nil {
			cur = trig.Threshold.Percent
		}
		require.GreaterOrEqual(t, cur, prev, "threshold regressed at percent=%v", percent)
		prev = cur
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewCooldownTracker(func() time.Time { return now })
	ladder := []Threshold{{Percent: 50, Action: ActionWarn, CooldownSeconds: 60}}

	require.NotNil(t, tracker.Check("b", 50, ladder))
	require.Nil(t, tracker.Check("b", 51, ladder))

	now = now.Add(61 * time.Second)
	require.NotNil(t, tracker.Check("b", 52, ladder))
}

func TestCooldownIsPerBudget(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewCooldownTracker(func() time.Time { return now })
	ladder := []Threshold{{Percent: 50, Action: ActionWarn, CooldownSeconds: 60}}

	require.NotNil(t, tracker.Check("b1", 55, ladder))
	require.NotNil(t, tracker.Check("b2", 55, ladder))
	require.Nil(t, tracker.Check("b1", 56, ladder))
}

func TestCooldownZeroAlwaysFires(t *testing.T) {
	tracker := NewCooldownTracker(nil)
	ladder := []Threshold{{Percent: 50, Action: ActionWarn}}
	require.NotNil(t, tracker.Check("b", 50, ladder))
	require.NotNil(t, tracker.Check("b", 50, ladder))
}

func TestCooldownForget(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := NewCooldownTracker(func() time.Time { return now })
	ladder := []Threshold{{Percent: 50, Action: ActionWarn, CooldownSeconds: 3600}}
	require.NotNil(t, tracker.Check("b", 50, ladder))
	require.Nil(t, tracker.Check("b", 50, ladder))
	tracker.Forget("b")
	require.NotNil(t, tracker.Check("b", 50, ladder))
}

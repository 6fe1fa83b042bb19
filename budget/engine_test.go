package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fleet/hooks"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu    sync.Mutex
	doc   Document
	saves int
	fail  error
}

func newMemStore() *memStore {
	return &memStore{doc: EmptyDocument()}
}

func (s *memStore) Load(context.Context) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return Document{}, s.fail
	}
	return s.doc, nil
}

func (s *memStore) Save(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.doc = doc
	s.saves++
	return nil
}

// recordingNotifier captures dispatched notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []struct {
		Ch  Channel
		Msg Message
	}
}

func (n *recordingNotifier) Notify(_ context.Context, ch Channel, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, struct {
		Ch  Channel
		Msg Message
	}{ch, msg})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type engineFixture struct {
	engine   *Engine
	store    *memStore
	bus      hooks.Bus
	notifier *recordingNotifier
	now      *time.Time
	events   *[]hooks.Event
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	bus := hooks.NewBus()
	notifier := &recordingNotifier{}
	var (
		mu     sync.Mutex
		events []hooks.Event
	)
	_, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	engine, err := NewEngine(context.Background(), Options{
		Store:    store,
		Bus:      bus,
		Notifier: notifier,
		Clock:    func() time.Time { return now },
	})
	require.NoError(t, err)
	return &engineFixture{
		engine:   engine,
		store:    store,
		bus:      bus,
		notifier: notifier,
		now:      &now,
		events:   &events,
	}
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestSetConfigRoundTrip(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	cfg, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{
		MaxCost:   f64(10),
		MaxTokens: i64(2_000_000),
	})
	require.NoError(t, err)
	require.Equal(t, float64(10), cfg.MaxCost)

	got, err := fix.engine.GetConfig(TypeProject, "proj-p")
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	// The document was persisted with the config under its key.
	require.Equal(t, 1, fix.store.saves)
	require.Contains(t, fix.store.doc.Configs, "project:proj-p")
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	fix := newEngineFixture(t)
	_, err := fix.engine.SetConfig(context.Background(), TypeProject, "p", ConfigPatch{MaxCost: f64(-1)})
	require.Error(t, err)
	_, err = fix.engine.GetConfig(TypeProject, "p")
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestGetConfigUnknown(t *testing.T) {
	fix := newEngineFixture(t)
	_, err := fix.engine.GetConfig(TypeTask, "missing")
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestConfigResolutionOrder(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(100)})
	require.NoError(t, err)
	_, err = fix.engine.SetConfig(ctx, TypeTask, "task-1", ConfigPatch{MaxCost: f64(5)})
	require.NoError(t, err)

	// Task config wins over project config.
	tr, err := fix.engine.BeginTracking(ctx, "a1", "task-1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)
	require.Equal(t, TypeTask, tr.Config.Type)
	require.Equal(t, float64(5), tr.Config.MaxCost)

	// Without a task config the project config applies.
	tr, err = fix.engine.BeginTracking(ctx, "a2", "task-2", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)
	require.Equal(t, TypeProject, tr.Config.Type)
	require.Equal(t, float64(100), tr.Config.MaxCost)

	// With nothing configured the engine default applies.
	tr, err = fix.engine.BeginTracking(ctx, "a3", "task-3", "proj-q", "claude-3-5-sonnet", "")
	require.NoError(t, err)
	require.Equal(t, "default", tr.Config.Scope)
}

// A project budget of 10 units with the default ladder: consuming 1M prompt
// and 400k completion tokens of claude-3-5-sonnet costs 9.00, lands at 90%,
// and blocks the agent. Approval lifts the block for its duration only.
func TestThresholdLadderBlocksAtNinety(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(10)})
	require.NoError(t, err)
	tr, err := fix.engine.BeginTracking(ctx, "agent-1", "task-1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	// Four equal increments: 22.5%, 45%, 67.5%, 90%.
	var last *Triggered
	for i := 0; i < 4; i++ {
		last, err = fix.engine.RecordTokens(ctx, tr.ID, 250_000, 100_000, "")
		require.NoError(t, err)
	}
	require.NotNil(t, last)
	require.Equal(t, ActionBlock, last.Threshold.Action)
	require.InDelta(t, 90, last.Percent, 1e-9)

	usage, err := fix.engine.Usage(tr.ID)
	require.NoError(t, err)
	require.InDelta(t, 9.0, usage.Cost.Total, 1e-9)
	require.InDelta(t, 90, usage.PercentUsed, 1e-9)
	require.Equal(t, int64(1_400_000), usage.Tokens.Total)

	// The 50/warn step fired at 67.5% and the 90/block step at 90%.
	got, err := fix.engine.Tracking(tr.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	require.Equal(t, ActionWarn, got.History[0].Action)
	require.Equal(t, ActionBlock, got.History[1].Action)
	require.False(t, got.Killed)

	// Both fires published threshold events.
	var crossed []*hooks.ThresholdCrossedEvent
	for _, evt := range *fix.events {
		if tc, ok := evt.(*hooks.ThresholdCrossedEvent); ok {
			crossed = append(crossed, tc)
		}
	}
	require.Len(t, crossed, 2)
	require.Equal(t, string(ActionBlock), crossed[1].Action)

	// The agent is blocked until approved; approval expires.
	require.True(t, fix.engine.Blocks().IsBlocked("agent-1"))
	require.NoError(t, fix.engine.Blocks().Approve("agent-1", "ops", 30*time.Minute))
	require.False(t, fix.engine.Blocks().IsBlocked("agent-1"))
	*fix.now = fix.now.Add(31 * time.Minute)
	require.True(t, fix.engine.Blocks().IsBlocked("agent-1"))
}

func TestKillAtFullConsumption(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(9)})
	require.NoError(t, err)
	tr, err := fix.engine.BeginTracking(ctx, "agent-1", "task-1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	// 1M prompt + 400k completion = 9.00, exactly 100%.
	trig, err := fix.engine.RecordTokens(ctx, tr.ID, 1_000_000, 400_000, "")
	require.NoError(t, err)
	require.NotNil(t, trig)
	require.Equal(t, ActionKill, trig.Threshold.Action)

	got, err := fix.engine.Tracking(tr.ID)
	require.NoError(t, err)
	require.True(t, got.Killed)
	require.NotNil(t, got.CompletedAt)

	// A killed agent is blocked and flagged as killed.
	rec, ok := fix.engine.Blocks().Get("agent-1")
	require.True(t, ok)
	require.True(t, rec.Killed)

	// Further deltas after termination are ignored.
	trig, err = fix.engine.RecordTokens(ctx, tr.ID, 1_000_000, 0, "")
	require.NoError(t, err)
	require.Nil(t, trig)
	usage, err := fix.engine.Usage(tr.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_400_000), usage.Tokens.Total)
}

func TestAuditActionKillsAndRecords(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(8)})
	require.NoError(t, err)
	tr, err := fix.engine.BeginTracking(ctx, "agent-1", "task-1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	// 9.00 of 8.00 is 112.5%, past the 110/audit step.
	trig, err := fix.engine.RecordTokens(ctx, tr.ID, 1_000_000, 400_000, "")
	require.NoError(t, err)
	require.NotNil(t, trig)
	require.Equal(t, ActionAudit, trig.Threshold.Action)
	require.True(t, trig.ShouldKill())

	got, err := fix.engine.Tracking(tr.ID)
	require.NoError(t, err)
	require.True(t, got.Killed)

	entries := fix.engine.Audit().Entries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, ActionAudit, last.Action)
	require.Equal(t, tr.ID, last.BudgetID)
	require.InDelta(t, 112.5, last.Percent, 1e-9)
}

func TestNotifyDispatchesChannelsAndAlerts(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	ladder := []Threshold{
		{Percent: 50, Action: ActionNotify, Notify: []string{"webhook:https://ops.example.com/hook", "email:ops@example.com"}},
	}
	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(10), Thresholds: ladder})
	require.NoError(t, err)
	_, err = fix.engine.AddAlert(ctx, Alert{ProjectID: "proj-p", Threshold: 40, SMS: "+15550100"})
	require.NoError(t, err)
	_, err = fix.engine.AddAlert(ctx, Alert{ProjectID: "proj-p", Threshold: 95, Email: "cfo@example.com"})
	require.NoError(t, err)

	tr, err := fix.engine.BeginTracking(ctx, "agent-1", "task-1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	// 60%: the notify step fires its two channels plus the 40% alert; the
	// 95% alert stays quiet.
	_, err = fix.engine.RecordTokens(ctx, tr.ID, 2_000_000, 0, "")
	require.NoError(t, err)
	require.Equal(t, 3, fix.notifier.count())
	kinds := map[string]int{}
	for _, s := range fix.notifier.sent {
		kinds[s.Ch.Kind]++
	}
	require.Equal(t, map[string]int{"webhook": 1, "email": 1, "sms": 1}, kinds)
}

func TestRecordTokensUnknownBudget(t *testing.T) {
	fix := newEngineFixture(t)
	trig, err := fix.engine.RecordTokens(context.Background(), "no-such-budget", 100, 100, "")
	require.NoError(t, err)
	require.Nil(t, trig)
}

func TestRecordTokensRejectsNegativeDelta(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()
	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(10)})
	require.NoError(t, err)
	tr, err := fix.engine.BeginTracking(ctx, "agent-1", "task-1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)
	_, err = fix.engine.RecordTokens(ctx, tr.ID, 500_000, 200_000, "")
	require.NoError(t, err)
	before, err := fix.engine.Usage(tr.ID)
	require.NoError(t, err)

	// A negative delta must not walk usage back below thresholds already
	// crossed.
	trig, err := fix.engine.RecordTokens(ctx, tr.ID, -400_000, 0, "")
	require.ErrorIs(t, err, ErrNegativeTokens)
	require.Nil(t, trig)
	trig, err = fix.engine.RecordTokens(ctx, tr.ID, 0, -1, "")
	require.ErrorIs(t, err, ErrNegativeTokens)
	require.Nil(t, trig)

	after, err := fix.engine.Usage(tr.ID)
	require.NoError(t, err)
	require.Equal(t, before.Tokens, after.Tokens)
	require.Equal(t, before.Cost, after.Cost)

	// The bus path drops the malformed event without failing the fan-out.
	evt := hooks.NewTokenUsage("agent-1", "s", tr.ID, -100, 0, "", 0)
	require.NoError(t, fix.engine.HandleEvent(ctx, evt))
	after, err = fix.engine.Usage(tr.ID)
	require.NoError(t, err)
	require.Equal(t, before.Tokens, after.Tokens)
}

func TestUsageUnknownBudget(t *testing.T) {
	fix := newEngineFixture(t)
	_, err := fix.engine.Usage("no-such-budget")
	require.ErrorIs(t, err, ErrTrackingNotFound)
	_, err = fix.engine.Tracking("no-such-budget")
	require.ErrorIs(t, err, ErrTrackingNotFound)
}

func TestCompleteTracking(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()
	tr, err := fix.engine.BeginTracking(ctx, "a1", "t1", "p1", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	fix.engine.CompleteTracking(ctx, tr.ID)
	got, err := fix.engine.Tracking(tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.False(t, got.Killed)

	// Completion is idempotent and unknown ids are a no-op.
	fix.engine.CompleteTracking(ctx, tr.ID)
	fix.engine.CompleteTracking(ctx, "ghost")
}

func TestKillTracking(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()
	tr, err := fix.engine.BeginTracking(ctx, "a1", "t1", "p1", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	fix.engine.KillTracking(ctx, tr.ID, "operator abort")
	got, err := fix.engine.Tracking(tr.ID)
	require.NoError(t, err)
	require.True(t, got.Killed)
	require.Equal(t, "operator abort", got.KillReason)
	require.True(t, fix.engine.Blocks().IsBlocked("a1"))

	entries := fix.engine.Audit().Entries()
	require.NotEmpty(t, entries)
	require.Equal(t, ActionKill, entries[len(entries)-1].Action)
}

func TestAgentAndProjectStatus(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(100)})
	require.NoError(t, err)
	tr1, err := fix.engine.BeginTracking(ctx, "a1", "t1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)
	*fix.now = fix.now.Add(time.Minute)
	tr2, err := fix.engine.BeginTracking(ctx, "a1", "t2", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	_, err = fix.engine.RecordTokens(ctx, tr1.ID, 1_000_000, 0, "")
	require.NoError(t, err)
	_, err = fix.engine.RecordTokens(ctx, tr2.ID, 0, 200_000, "")
	require.NoError(t, err)

	agent := fix.engine.AgentStatus("a1")
	require.Len(t, agent, 2)
	require.Equal(t, tr1.ID, agent[0].ID)
	require.Equal(t, tr2.ID, agent[1].ID)

	trackings, total, cfg := fix.engine.ProjectStatus("proj-p")
	require.Len(t, trackings, 2)
	require.InDelta(t, 6.0, total, 1e-9) // 3.00 prompt-heavy + 3.00 completion-heavy
	require.NotNil(t, cfg)
	require.Equal(t, float64(100), cfg.MaxCost)
}

func TestHandleEventRecordsUsage(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.bus.Register(fix.engine)
	require.NoError(t, err)
	tr, err := fix.engine.BeginTracking(ctx, "a1", "t1", "p1", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	evt := hooks.NewTokenUsage("a1", "", tr.ID, 1000, 500, "claude-3-5-sonnet", 0)
	require.NoError(t, fix.bus.Publish(ctx, evt))
	usage, err := fix.engine.Usage(tr.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), usage.Tokens.Total)

	// Events without a budget id resolve to the agent's active tracking.
	evt = hooks.NewTokenUsage("a1", "", "", 100, 0, "claude-3-5-sonnet", 0)
	require.NoError(t, fix.bus.Publish(ctx, evt))
	usage, err = fix.engine.Usage(tr.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1600), usage.Tokens.Total)

	// Non-usage events pass through untouched.
	require.NoError(t, fix.bus.Publish(ctx, hooks.NewAgentSpawned("a1", "s1")))
}

func TestAlertsRoundTrip(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	alert, err := fix.engine.AddAlert(ctx, Alert{ProjectID: "p1", Threshold: 80, Email: "ops@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, alert.ID)

	list := fix.engine.ListAlerts("p1")
	require.Len(t, list, 1)
	require.Equal(t, alert, list[0])

	require.NoError(t, fix.engine.RemoveAlert(ctx, "p1", alert.ID))
	require.Empty(t, fix.engine.ListAlerts("p1"))
	require.ErrorIs(t, fix.engine.RemoveAlert(ctx, "p1", alert.ID), ErrAlertNotFound)
}

func TestAddAlertRejectsInvalid(t *testing.T) {
	fix := newEngineFixture(t)
	_, err := fix.engine.AddAlert(context.Background(), Alert{ProjectID: "p1", Threshold: 80})
	require.Error(t, err)
}

func TestEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(context.Background(), Options{})
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestEngineStartsEmptyOnLoadFailure(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk gone")
	engine, err := NewEngine(context.Background(), Options{Store: store})
	require.NoError(t, err)
	_, err = engine.GetConfig(TypeProject, "anything")
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestReportAggregates(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	_, err := fix.engine.SetConfig(ctx, TypeProject, "proj-p", ConfigPatch{MaxCost: f64(1000)})
	require.NoError(t, err)
	tr1, err := fix.engine.BeginTracking(ctx, "a1", "t1", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)
	tr2, err := fix.engine.BeginTracking(ctx, "a2", "t2", "proj-p", "claude-3-5-sonnet", "")
	require.NoError(t, err)

	_, err = fix.engine.RecordTokens(ctx, tr1.ID, 1_000_000, 0, "")
	require.NoError(t, err)
	*fix.now = fix.now.Add(24 * time.Hour)
	_, err = fix.engine.RecordTokens(ctx, tr2.ID, 2_000_000, 0, "")
	require.NoError(t, err)

	report, err := fix.engine.Report("proj-p", PeriodWeek)
	require.NoError(t, err)
	require.InDelta(t, 9.0, report.TotalCost, 1e-9)
	require.InDelta(t, 3.0, report.ByAgent["a1"], 1e-9)
	require.InDelta(t, 6.0, report.ByAgent["a2"], 1e-9)
	require.Len(t, report.ByDay, 2)
	require.Equal(t, int64(3_000_000), report.TotalTokens.Total)

	_, err = fix.engine.Report("proj-p", ReportPeriod("quarter"))
	require.Error(t, err)
}

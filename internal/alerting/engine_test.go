package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// recordingChannel captures delivered alerts for assertions.
type recordingChannel struct {
	name string
	sevs []Severity

	mu   sync.Mutex
	sent []*Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Accepts(sev Severity) bool {
	if len(c.sevs) == 0 {
		return true
	}
	for _, s := range c.sevs {
		if s == sev {
			return true
		}
	}
	return false
}

func (c *recordingChannel) Send(_ context.Context, a *Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

var fastRetry = resilience.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func newTestEngine(t *testing.T, cfg Config, rules []Rule, channels []Channel) (*Engine, *time.Time) {
	t.Helper()
	cfg.EscalationInterval = time.Hour
	cfg.Retry = fastRetry
	e := NewEngine(cfg, rules, channels, logging.NewNop(), nil)
	t.Cleanup(e.Close)

	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func highQueueRule(channels ...string) Rule {
	return Rule{
		Name:      "queue-backlog",
		Metric:    "queue_depth",
		Condition: "gt",
		Threshold: 100,
		Severity:  SeverityHigh,
		Channels:  channels,
	}
}

func TestFingerprintStability(t *testing.T) {
	a := fingerprint("r", "m", "s", map[string]string{"a": "1", "b": "2"})
	b := fingerprint("r", "m", "s", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	assert.NotEqual(t, a, fingerprint("other", "m", "s", map[string]string{"a": "1", "b": "2"}))
	assert.NotEqual(t, a, fingerprint("r", "m", "s", map[string]string{"a": "2", "b": "2"}))
}

func TestRuleCompare(t *testing.T) {
	cases := []struct {
		cond  string
		value float64
		want  bool
	}{
		{"gt", 11, true},
		{"gt", 10, false},
		{"gte", 10, true},
		{"lt", 9, true},
		{"lte", 10, true},
		{"eq", 10, true},
		{"ne", 10, false},
		{"bogus", 11, false},
	}
	for _, tc := range cases {
		r := Rule{Condition: tc.cond, Threshold: 10}
		assert.Equal(t, tc.want, r.compare(tc.value), tc.cond)
	}
}

func TestFireAndResolve(t *testing.T) {
	ch := &recordingChannel{name: "mem"}
	e, now := newTestEngine(t, Config{}, []Rule{highQueueRule("mem")}, []Channel{ch})

	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})

	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusFiring, active[0].Status)
	assert.Equal(t, 150.0, active[0].CurrentValue)
	assert.Equal(t, "queue-backlog", active[0].Rule)

	require.Eventually(t, func() bool { return ch.count() == 1 }, time.Second, 10*time.Millisecond)

	*now = now.Add(time.Minute)
	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 10})
	assert.Empty(t, e.Active())

	stats := e.ChannelStats()
	assert.Equal(t, uint64(1), stats["mem"].Sent)
}

func TestRefireWithinDedupWindowSuppressed(t *testing.T) {
	ch := &recordingChannel{name: "mem"}
	e, now := newTestEngine(t, Config{DedupWindow: 10 * time.Minute}, []Rule{highQueueRule("mem")}, []Channel{ch})
	sig := Signal{Metric: "queue_depth", Source: "metrics", Value: 150}

	e.Process(context.Background(), sig)
	*now = now.Add(time.Minute)
	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 10})
	require.Empty(t, e.Active())

	*now = now.Add(time.Minute)
	e.Process(context.Background(), sig)

	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusSuppressed, active[0].Status)
	assert.Contains(t, active[0].SuppressionReason, "duplicate")

	require.Eventually(t, func() bool { return ch.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRuleSuppressionCondition(t *testing.T) {
	rule := highQueueRule("mem")
	rule.Suppression = []SuppressionCond{{Field: "severity", Operator: "equals", Value: "high"}}
	ch := &recordingChannel{name: "mem"}
	e, _ := newTestEngine(t, Config{}, []Rule{rule}, []Channel{ch})

	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})

	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusSuppressed, active[0].Status)
	assert.Equal(t, 0, ch.count())
}

func TestPerMinuteCeiling(t *testing.T) {
	rule := highQueueRule()
	e, _ := newTestEngine(t, Config{MaxPerMinute: 2}, []Rule{rule}, nil)

	for i := 0; i < 3; i++ {
		e.Process(context.Background(), Signal{
			Metric: "queue_depth",
			Source: "metrics",
			Value:  150,
			Labels: map[string]string{"shard": string(rune('a' + i))},
		})
	}

	suppressed := 0
	for _, a := range e.Active() {
		if a.Status == StatusSuppressed {
			suppressed++
			assert.Contains(t, a.SuppressionReason, "ceiling")
		}
	}
	assert.Equal(t, 1, suppressed)
}

func TestChannelSeverityFilter(t *testing.T) {
	critOnly := &recordingChannel{name: "pager", sevs: []Severity{SeverityCritical}}
	e, _ := newTestEngine(t, Config{}, []Rule{highQueueRule("pager")}, []Channel{critOnly})

	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})
	require.Len(t, e.Active(), 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, critOnly.count())
}

func TestAcknowledgeLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, []Rule{highQueueRule()}, nil)
	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})

	active := e.Active()
	require.Len(t, active, 1)
	id := active[0].ID

	require.NoError(t, e.Acknowledge(id))
	assert.Error(t, e.Acknowledge(id), "only firing alerts can be acknowledged")
	assert.Error(t, e.Acknowledge("no-such-id"))

	// Acknowledged alerts still occupy their fingerprint slot.
	assert.Len(t, e.Active(), 1)
}

func TestForceResolve(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, []Rule{highQueueRule()}, nil)
	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})

	id := e.Active()[0].ID
	require.NoError(t, e.Resolve(context.Background(), id))
	assert.Empty(t, e.Active())
	assert.Error(t, e.Resolve(context.Background(), id))
}

func TestEscalationAddsChannels(t *testing.T) {
	rule := highQueueRule("mem")
	rule.Escalation = []EscalationLevel{{DelayS: 60, Channels: []string{"pager"}}}
	mem := &recordingChannel{name: "mem"}
	pager := &recordingChannel{name: "pager"}
	e, now := newTestEngine(t, Config{}, []Rule{rule}, []Channel{mem, pager})

	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})
	require.Eventually(t, func() bool { return mem.count() == 1 }, time.Second, 10*time.Millisecond)

	// Too early: nothing escalates.
	*now = now.Add(30 * time.Second)
	e.escalateDue()
	assert.Equal(t, 0, pager.count())

	*now = now.Add(45 * time.Second)
	e.escalateDue()
	require.Eventually(t, func() bool { return pager.count() == 1 }, time.Second, 10*time.Millisecond)

	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].EscalationLevel)
	assert.Contains(t, active[0].Channels, "pager")

	// The level is consumed; running again stays quiet.
	e.escalateDue()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pager.count())
}

func TestTransitionHook(t *testing.T) {
	e, now := newTestEngine(t, Config{}, []Rule{highQueueRule()}, nil)

	var mu sync.Mutex
	var states []string
	e.OnTransition(func(state string) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 150})
	*now = now.Add(time.Minute)
	e.Process(context.Background(), Signal{Metric: "queue_depth", Source: "metrics", Value: 1})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"firing", "resolved"}, states)
}

func TestSuppressionCondMatchers(t *testing.T) {
	a := &Alert{
		Rule:         "r",
		Metric:       "m",
		Severity:     SeverityHigh,
		Title:        "queue backlog on shard-3",
		CurrentValue: 42,
		Labels:       map[string]string{"shard": "shard-3"},
		Annotations:  map[string]string{"note": "maintenance window"},
	}
	cases := []struct {
		cond SuppressionCond
		want bool
	}{
		{SuppressionCond{Field: "severity", Operator: "equals", Value: "high"}, true},
		{SuppressionCond{Field: "title", Operator: "contains", Value: "shard-3"}, true},
		{SuppressionCond{Field: "shard", Operator: "regex", Value: `^shard-\d+$`}, true},
		{SuppressionCond{Field: "current_value", Operator: "gt", Value: "40"}, true},
		{SuppressionCond{Field: "current_value", Operator: "lt", Value: "40"}, false},
		{SuppressionCond{Field: "note", Operator: "contains", Value: "maintenance"}, true},
		{SuppressionCond{Field: "severity", Operator: "equals", Value: "low"}, false},
		{SuppressionCond{Field: "severity", Operator: "bogus", Value: "high"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.cond.matches(a), tc.cond.Field+" "+tc.cond.Operator)
	}
}

func TestSignalFromHealthRanks(t *testing.T) {
	sig := signalFromHealth(&bus.Message{
		Topic:  bus.TopicHealthTransition,
		Source: "health",
		Payload: map[string]any{
			"endpoint": "bridge", "from": "healthy", "to": "unhealthy",
		},
	})
	assert.Equal(t, "health_state", sig.Metric)
	assert.Equal(t, 3.0, sig.Value)
	assert.Equal(t, "bridge", sig.Labels["endpoint"])
}

func TestSignalFromThreshold(t *testing.T) {
	sig := signalFromThreshold(&bus.Message{
		Topic:  bus.TopicThresholdViolation,
		Source: "metrics",
		Payload: map[string]any{
			"metric": "queue_depth", "level": "warning", "value": 42.0,
		},
	})
	assert.Equal(t, "queue_depth", sig.Metric)
	assert.Equal(t, 42.0, sig.Value)
	assert.Equal(t, "warning", sig.Labels["level"])
}

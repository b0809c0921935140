package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/bus"
)

func newTestRegistry(b bus.Bus) (*Registry, *time.Time) {
	r := NewRegistry(Config{RingSize: 8, MaxAge: time.Hour}, b)
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestLabelsFingerprint(t *testing.T) {
	assert.Equal(t, "", Labels{}.fingerprint())
	assert.Equal(t, "a=1,b=2", Labels{"b": "2", "a": "1"}.fingerprint())
	assert.Equal(t, Labels{"x": "y"}.fingerprint(), Labels{"x": "y"}.fingerprint())
}

func TestCounterAccumulatesInSampleStore(t *testing.T) {
	r, _ := newTestRegistry(nil)
	labels := Labels{"tool": "send_event"}

	r.IncCounter("calls_total", labels, 1)
	r.IncCounter("calls_total", labels, 1)
	r.IncCounter("calls_total", labels, 3)

	v, ok := r.CurrentValue("calls_total", labels)
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	samples := r.Samples("calls_total", labels)
	require.Len(t, samples, 3)
	assert.Equal(t, 1.0, samples[0].Value)
	assert.Equal(t, 5.0, samples[2].Value)
}

func TestGaugeOverwrites(t *testing.T) {
	r, _ := newTestRegistry(nil)

	r.SetGauge("depth", nil, 4)
	r.SetGauge("depth", nil, 2)

	v, ok := r.CurrentValue("depth", nil)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestCurrentValueUnknownSeries(t *testing.T) {
	r, _ := newTestRegistry(nil)
	_, ok := r.CurrentValue("nope", nil)
	assert.False(t, ok)

	r.SetGauge("known", Labels{"a": "1"}, 1)
	_, ok = r.CurrentValue("known", Labels{"a": "2"})
	assert.False(t, ok)
}

func TestRingEvictsOldest(t *testing.T) {
	r, _ := newTestRegistry(nil)
	for i := 0; i < 12; i++ {
		r.SetGauge("g", nil, float64(i))
	}

	samples := r.Samples("g", nil)
	require.Len(t, samples, 8)
	assert.Equal(t, 4.0, samples[0].Value)
	assert.Equal(t, 11.0, samples[7].Value)
}

func TestSamplesHonorMaxAge(t *testing.T) {
	r, now := newTestRegistry(nil)

	r.SetGauge("g", nil, 1)
	*now = now.Add(2 * time.Hour)
	r.SetGauge("g", nil, 2)

	samples := r.Samples("g", nil)
	require.Len(t, samples, 1)
	assert.Equal(t, 2.0, samples[0].Value)
}

func TestWatcherLevels(t *testing.T) {
	w := Watcher{Condition: "gt", Warning: 5, Critical: 10}
	assert.Equal(t, "", w.level(5))
	assert.Equal(t, "warning", w.level(6))
	assert.Equal(t, "critical", w.level(11))

	lt := Watcher{Condition: "lt", Warning: 10, Critical: 5}
	assert.Equal(t, "warning", lt.level(7))
	assert.Equal(t, "critical", lt.level(3))
}

func TestWatcherRequiresSustainedViolation(t *testing.T) {
	b := bus.NewLocal(nil)
	t.Cleanup(func() { b.Close() })

	var mu sync.Mutex
	var fired []map[string]any
	b.Subscribe(bus.TopicThresholdViolation, func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		fired = append(fired, msg.Payload)
		mu.Unlock()
		return nil
	})

	r, now := newTestRegistry(b)
	r.Watch(Watcher{Metric: "queue_depth", Condition: "gt", Warning: 5, Critical: 50, Duration: time.Minute})

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(fired)
	}

	// First violation only starts the clock.
	r.SetGauge("queue_depth", nil, 8)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, count())

	// Still violating after the hold duration: warning fires once.
	*now = now.Add(90 * time.Second)
	r.SetGauge("queue_depth", nil, 9)
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "warning", fired[0]["level"])
	assert.Equal(t, "queue_depth", fired[0]["metric"])
	mu.Unlock()

	// Same level stays silent, escalation to critical fires again.
	*now = now.Add(time.Second)
	r.SetGauge("queue_depth", nil, 9)
	*now = now.Add(time.Second)
	r.SetGauge("queue_depth", nil, 60)
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "critical", fired[1]["level"])
	mu.Unlock()

	// Recovery resets the state; a fresh violation must hold again.
	*now = now.Add(time.Second)
	r.SetGauge("queue_depth", nil, 1)
	*now = now.Add(time.Second)
	r.SetGauge("queue_depth", nil, 9)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, count())
}

func TestDomainToolCallFeedsSampleStore(t *testing.T) {
	r, _ := newTestRegistry(nil)

	r.Domain.ToolCall("send_event", "ok", 12*time.Millisecond)
	r.Domain.ToolCall("send_event", "ok", 15*time.Millisecond)

	v, ok := r.CurrentValue("mcp_tool_calls_total", Labels{"tool": "send_event", "outcome": "ok"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = r.CurrentValue("mcp_tool_duration_seconds", Labels{"tool": "send_event"})
	require.True(t, ok)
	assert.Equal(t, 0.015, v)
}

func TestDomainQueueDepthGauge(t *testing.T) {
	r, _ := newTestRegistry(nil)

	r.Domain.QueueDepth(7)
	r.Domain.QueueDepth(3)

	v, ok := r.CurrentValue("mcp_notification_queue_depth", nil)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
}

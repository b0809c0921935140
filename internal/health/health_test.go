package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

func newTestChecker(t *testing.T, cfg Config, b bus.Bus) *Checker {
	t.Helper()
	return New(cfg, nil, nil, logging.NewNop(), b)
}

func okResult(at time.Time) Result {
	return Result{At: at, OK: true, Code: 200, Duration: 10 * time.Millisecond}
}

func failResult(at time.Time) Result {
	return Result{At: at, OK: false, Error: "connection refused"}
}

func TestEndpointAccepts(t *testing.T) {
	def := Endpoint{}
	assert.True(t, def.accepts(200))
	assert.True(t, def.accepts(204))
	assert.False(t, def.accepts(301))
	assert.False(t, def.accepts(500))

	explicit := Endpoint{ExpectedStatus: []int{200, 418}}
	assert.True(t, explicit.accepts(418))
	assert.False(t, explicit.accepts(204))
}

func TestStateDerivation(t *testing.T) {
	c := newTestChecker(t, Config{FailureThreshold: 3, RecoveryThreshold: 2}, nil)
	c.Register(Endpoint{Name: "bridge", URL: "http://localhost:8080/health"})

	state := func() State { return c.Status()["bridge"].State }
	now := time.Now()

	assert.Equal(t, StateUnknown, state())

	c.record("bridge", okResult(now))
	assert.Equal(t, StateUnknown, state(), "one success is not yet healthy")
	c.record("bridge", okResult(now))
	assert.Equal(t, StateHealthy, state())

	c.record("bridge", failResult(now))
	assert.Equal(t, StateDegraded, state())
	c.record("bridge", failResult(now))
	assert.Equal(t, StateDegraded, state())
	c.record("bridge", failResult(now))
	assert.Equal(t, StateUnhealthy, state())

	// Recovery needs consecutive successes again.
	c.record("bridge", okResult(now))
	assert.Equal(t, StateUnknown, state())
	c.record("bridge", okResult(now))
	assert.Equal(t, StateHealthy, state())
}

func TestRecordPublishesTransitions(t *testing.T) {
	b := bus.NewLocal(nil)
	t.Cleanup(func() { b.Close() })

	var mu sync.Mutex
	var transitions []map[string]any
	b.Subscribe(bus.TopicHealthTransition, func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		transitions = append(transitions, msg.Payload)
		mu.Unlock()
		return nil
	})

	c := newTestChecker(t, Config{FailureThreshold: 1, RecoveryThreshold: 1}, b)
	c.Register(Endpoint{Name: "bridge", URL: "http://localhost:8080/health", Critical: true})

	c.record("bridge", failResult(time.Now()))
	c.record("bridge", failResult(time.Now()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "bridge", transitions[0]["endpoint"])
	assert.Equal(t, string(StateUnknown), transitions[0]["from"])
	assert.Equal(t, string(StateUnhealthy), transitions[0]["to"])
	assert.Equal(t, true, transitions[0]["critical"])
}

func TestRecordUnknownEndpointIgnored(t *testing.T) {
	c := newTestChecker(t, Config{}, nil)
	c.record("ghost", okResult(time.Now()))
	assert.Empty(t, c.Status())
}

func TestStatusRollingStats(t *testing.T) {
	c := newTestChecker(t, Config{FailureThreshold: 3, RecoveryThreshold: 2}, nil)
	c.Register(Endpoint{Name: "bridge", URL: "http://localhost:8080/health"})

	now := time.Now()
	for i := 0; i < 3; i++ {
		c.record("bridge", Result{At: now, OK: true, Code: 200, Duration: 20 * time.Millisecond})
	}
	c.record("bridge", failResult(now))

	st := c.Status()["bridge"]
	assert.Equal(t, 0.75, st.SuccessRate)
	assert.Equal(t, 15*time.Millisecond, st.AvgDuration)
	assert.False(t, st.LastResult.OK)
}

func TestTrendClassification(t *testing.T) {
	mk := func(oks ...bool) []Result {
		out := make([]Result, len(oks))
		for i, ok := range oks {
			out[i] = Result{OK: ok}
		}
		return out
	}

	assert.Equal(t, TrendStable, trend(mk(true, false)), "short history is stable")
	assert.Equal(t, TrendDegrading, trend(mk(true, true, true, true, false, false, false, false)))
	assert.Equal(t, TrendImproving, trend(mk(false, false, false, false, true, true, true, true)))
	assert.Equal(t, TrendStable, trend(mk(true, false, true, false, false, true, false, true)))
}

func TestHistoryBounded(t *testing.T) {
	c := newTestChecker(t, Config{}, nil)
	c.Register(Endpoint{Name: "bridge", URL: "http://localhost:8080/health"})

	for i := 0; i < historySize+50; i++ {
		c.record("bridge", okResult(time.Now()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.endpoints["bridge"].history, historySize)
}

func TestOverallAggregation(t *testing.T) {
	set := func(c *Checker, name string, s State, critical bool) {
		c.Register(Endpoint{Name: name, URL: "http://x/", Critical: critical})
		c.mu.Lock()
		c.endpoints[name].state = s
		c.mu.Unlock()
	}

	c := newTestChecker(t, Config{}, nil)
	assert.Equal(t, StateUnknown, c.Overall(), "no endpoints")

	set(c, "a", StateHealthy, false)
	set(c, "b", StateHealthy, false)
	assert.Equal(t, StateHealthy, c.Overall())

	set(c, "b", StateDegraded, false)
	assert.Equal(t, StateDegraded, c.Overall())

	// One non-critical unhealthy of three degrades the whole.
	set(c, "b", StateHealthy, false)
	set(c, "x", StateUnhealthy, false)
	assert.Equal(t, StateDegraded, c.Overall())

	// A critical unhealthy endpoint is immediately fatal.
	set(c, "x", StateHealthy, false)
	set(c, "crit", StateUnhealthy, true)
	assert.Equal(t, StateUnhealthy, c.Overall())
}

func TestOverallMajorityUnhealthy(t *testing.T) {
	c := newTestChecker(t, Config{}, nil)
	for _, name := range []string{"a", "b"} {
		c.Register(Endpoint{Name: name, URL: "http://x/"})
	}
	c.mu.Lock()
	c.endpoints["a"].state = StateUnhealthy
	c.endpoints["b"].state = StateHealthy
	c.mu.Unlock()

	// Half of the fleet down, none critical: still unhealthy overall.
	assert.Equal(t, StateUnhealthy, c.Overall())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.RecoveryThreshold)
}

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/logging"
)

func newClockedLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	cfg.Enabled = true
	l := New(cfg, logging.NewNop())
	t.Cleanup(l.Close)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestExactThresholdRejectsNext(t *testing.T) {
	l, _ := newClockedLimiter(t, Config{Window: time.Minute, PerToolMax: 2})

	require.True(t, l.Check("c1", "send_event").Allowed)
	require.True(t, l.Check("c1", "send_event").Allowed)

	v := l.Check("c1", "send_event")
	assert.False(t, v.Allowed)
	assert.Equal(t, "tool", v.Scope)
	assert.Greater(t, v.RetryAfterSeconds(), 0)
}

func TestRejectionDoesNotConsumeQuota(t *testing.T) {
	l, now := newClockedLimiter(t, Config{Window: time.Minute, MaxPerClient: 1})

	require.True(t, l.Check("c1", "a").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Check("c1", "a").Allowed)
	}

	// One window later the single slot is free again immediately; denied
	// attempts left no residue.
	*now = now.Add(61 * time.Second)
	assert.True(t, l.Check("c1", "a").Allowed)
}

func TestWindowSlides(t *testing.T) {
	l, now := newClockedLimiter(t, Config{Window: time.Minute, MaxPerClient: 2})

	require.True(t, l.Check("c1", "a").Allowed)
	*now = now.Add(30 * time.Second)
	require.True(t, l.Check("c1", "a").Allowed)

	v := l.Check("c1", "a")
	require.False(t, v.Allowed)
	// Oldest entry expires 30s from now.
	assert.InDelta(t, 30, v.RetryAfter.Seconds(), 1)

	*now = now.Add(31 * time.Second)
	assert.True(t, l.Check("c1", "a").Allowed)
}

func TestDimensionsAreIndependent(t *testing.T) {
	l, _ := newClockedLimiter(t, Config{Window: time.Minute, MaxPerClient: 2, PerToolMax: 10})

	require.True(t, l.Check("c1", "a").Allowed)
	require.True(t, l.Check("c1", "b").Allowed)
	v := l.Check("c1", "c")
	require.False(t, v.Allowed)
	assert.Equal(t, "client", v.Scope)

	// A different client is unaffected.
	assert.True(t, l.Check("c2", "a").Allowed)
}

func TestGlobalCapsAllClients(t *testing.T) {
	l, _ := newClockedLimiter(t, Config{Window: time.Minute, GlobalMax: 3})

	require.True(t, l.Check("c1", "a").Allowed)
	require.True(t, l.Check("c2", "a").Allowed)
	require.True(t, l.Check("c3", "a").Allowed)

	v := l.Check("c4", "a")
	assert.False(t, v.Allowed)
	assert.Equal(t, "global", v.Scope)
}

func TestBurstWindow(t *testing.T) {
	l, now := newClockedLimiter(t, Config{
		Window:       time.Minute,
		MaxPerClient: 100,
		BurstMax:     2,
		BurstWindow:  10 * time.Second,
	})

	require.True(t, l.Check("c1", "a").Allowed)
	require.True(t, l.Check("c1", "a").Allowed)

	v := l.Check("c1", "a")
	require.False(t, v.Allowed)
	assert.Equal(t, "burst", v.Scope)

	*now = now.Add(11 * time.Second)
	assert.True(t, l.Check("c1", "a").Allowed)
}

func TestDisabledAllowsEverything(t *testing.T) {
	l := New(Config{Enabled: false, MaxPerClient: 1}, logging.NewNop())
	defer l.Close()
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check("c1", "a").Allowed)
	}
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	l, _ := newClockedLimiter(t, Config{Window: time.Minute, GlobalMax: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if l.Check("client", "tool").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRetryAfterSecondsFloor(t *testing.T) {
	v := Verdict{Allowed: false, RetryAfter: 200 * time.Millisecond}
	assert.Equal(t, 1, v.RetryAfterSeconds())

	v = Verdict{Allowed: false, RetryAfter: 30*time.Second + time.Millisecond}
	assert.Equal(t, 31, v.RetryAfterSeconds())

	assert.Zero(t, Verdict{Allowed: true}.RetryAfterSeconds())
}

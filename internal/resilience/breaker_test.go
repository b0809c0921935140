package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe failed")

func failingCall(ctx context.Context) error { return errProbe }
func okCall(ctx context.Context) error      { return nil }

func newClockedBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newClockedBreaker(BreakerConfig{Name: "health", FailureThreshold: 5})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, failingCall), errProbe)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, failingCall), errProbe)
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, okCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newClockedBreaker(BreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, failingCall)
	require.NoError(t, b.Execute(ctx, okCall))
	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, failingCall)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(ctx, failingCall)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerRejectsForFullRecoveryTimeout(t *testing.T) {
	b, now := newClockedBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, okCall), ErrCircuitOpen)

	*now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	var transitions []string
	b, now := newClockedBreaker(BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	*now = now.Add(11 * time.Second)

	require.NoError(t, b.Execute(ctx, okCall))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, okCall))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newClockedBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	*now = now.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, failingCall)
	assert.Equal(t, StateOpen, b.State())

	// Timer restarted: still open 9s later.
	*now = now.Add(9 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, okCall), ErrCircuitOpen)
}

func TestBreakerHalfOpenBoundsTrials(t *testing.T) {
	b, now := newClockedBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	*now = now.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Execute(ctx, okCall), ErrTooManyTrials)
	close(release)
}

func TestBreakerSetSharesInstances(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 2})
	a := set.Get("health")
	b := set.Get("health")
	assert.Same(t, a, b)

	_ = a.Execute(context.Background(), failingCall)
	_ = a.Execute(context.Background(), failingCall)

	stats := set.Stats()
	require.Contains(t, stats, "health")
	assert.Equal(t, "OPEN", stats["health"].State)
}

package resilience

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/logging"
)

var fastPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy, logging.NewNop(), "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, MarkTransient(errors.New("flaky"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("validation failed")
	_, err := Do(context.Background(), fastPolicy, logging.NewNop(), "op", func(context.Context) (int, error) {
		calls++
		return 0, perm
	})
	require.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy, logging.NewNop(), "op", func(context.Context) (int, error) {
		calls++
		return 0, MarkTransient(errors.New("still down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransient(err))
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	slow := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, slow, logging.NewNop(), "op", func(context.Context) (int, error) {
			calls++
			return 0, MarkTransient(errors.New("down"))
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry loop did not abort on cancel")
	}
}

func TestDoZeroDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fastPolicy, logging.NewNop(), "op", func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls, "no attempt once the deadline is gone")
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("bad input")))
	assert.True(t, IsTransient(MarkTransient(errors.New("503"))))

	timeoutErr := &net.DNSError{IsTimeout: true}
	assert.True(t, IsTransient(timeoutErr))

	// Wrapped marks survive.
	wrapped := errors.Join(errors.New("context"), MarkTransient(errors.New("inner")))
	assert.True(t, IsTransient(wrapped))
}

func TestPolicyDelayBounds(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	// Attempt 2 is roughly 2x base with ±25% jitter.
	d := p.Delay(2)
	assert.GreaterOrEqual(t, d, 150*time.Millisecond)
	assert.LessOrEqual(t, d, 250*time.Millisecond)
}

func TestDoVoid(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), fastPolicy, nil, "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return MarkTransient(errors.New("once"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
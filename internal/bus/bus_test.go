package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLocalBusDeliversToTopicSubscribers(t *testing.T) {
	b := NewLocal(nil)
	defer b.Close()

	var mu sync.Mutex
	var got []*Message
	b.Subscribe(TopicSecurityEvent, func(_ context.Context, msg *Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})

	Emit(context.Background(), b, TopicSecurityEvent, "test", map[string]any{"k": "v"})
	Emit(context.Background(), b, TopicAlertFiring, "test", nil) // different topic, not delivered

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TopicSecurityEvent, got[0].Topic)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "v", got[0].Payload["k"])
}

func TestLocalBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocal(nil)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	unsub := b.Subscribe(TopicAlertFiring, func(context.Context, *Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	Emit(context.Background(), b, TopicAlertFiring, "test", nil)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	Emit(context.Background(), b, TopicAlertFiring, "test", nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestLocalBusPublishAfterCloseIsNoop(t *testing.T) {
	b := NewLocal(nil)

	delivered := make(chan struct{}, 1)
	b.Subscribe(TopicHealthTransition, func(context.Context, *Message) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), &Message{Topic: TopicHealthTransition}))

	select {
	case <-delivered:
		t.Fatal("message delivered after close")
	case <-time.After(50 * time.Millisecond):
	}
}

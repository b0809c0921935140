// Package bus provides the in-process pub/sub channel that decouples the
// observability components: emitters (buffer pool, metrics thresholds,
// security monitor, health checker) publish messages, and subscribers
// (alerting engine, live stream) register at init. This breaks the cyclic
// dependency between components that both produce and consume signals.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic classifies message categories.
type Topic string

const (
	TopicMemoryPressure     Topic = "pool.pressure"
	TopicThresholdViolation Topic = "metric.threshold"
	TopicSecurityEvent      Topic = "security.event"
	TopicHealthTransition   Topic = "health.transition"
	TopicAlertFiring        Topic = "alert.firing"
	TopicAlertResolved      Topic = "alert.resolved"
	TopicLogAggregated      Topic = "log.aggregated"
	TopicBridgeLifecycle    Topic = "bridge.lifecycle"
	TopicResponseReceived   Topic = "response.received"
)

// Message is a single bus record. Payload keys are message-specific.
type Message struct {
	ID        string         `json:"id"`
	Topic     Topic          `json:"topic"`
	Source    string         `json:"source"`
	Origin    string         `json:"origin,omitempty"` // publishing process, set by mirrors
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes messages of a subscribed topic.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the publish/subscribe contract shared by the local bus and the
// Redis-backed mirror.
type Bus interface {
	// Publish delivers msg to all subscribers of msg.Topic. Delivery is
	// asynchronous; Publish never blocks on slow handlers.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for one topic and returns an
	// unsubscribe function.
	Subscribe(topic Topic, handler Handler) (unsubscribe func())

	// Close shuts the bus down; subsequent publishes are dropped.
	Close() error
}

// Emit builds a message and publishes it. Convenience for emitters that do
// not care about ids.
func Emit(ctx context.Context, b Bus, topic Topic, source string, payload map[string]any) {
	if b == nil {
		return
	}
	_ = b.Publish(ctx, &Message{Topic: topic, Source: source, Payload: payload})
}

// LocalBus is the in-memory implementation, suitable for a single process.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscriberEntry
	nextID int
	closed bool
	logger *zap.Logger
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocal creates an in-memory bus. logger may be nil.
func NewLocal(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{
		subs:   make(map[Topic][]subscriberEntry),
		logger: logger,
	}
}

// Publish delivers msg asynchronously to every subscriber of its topic.
// Missing id and timestamp are assigned here so downstream consumers can
// rely on both.
func (b *LocalBus) Publish(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, entry := range b.subs[msg.Topic] {
		h := entry.handler
		go func() {
			if err := h(ctx, msg); err != nil {
				b.logger.Warn("bus handler error",
					zap.String("topic", string(msg.Topic)),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *LocalBus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[topic]
		for i, e := range entries {
			if e.id == id {
				b.subs[topic] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Close drops all subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

var _ Bus = (*LocalBus)(nil)

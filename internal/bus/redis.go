// Redis-backed mirror bus for multi-process deployments.
//
// A single workstation can run several MCP server processes (one per editor
// session) sharing the same drop-zones. MirrorBus forwards every published
// message to a Redis pub/sub channel and re-injects messages published by
// sibling processes into the local bus, so security events and alerts are
// visible everywhere. When Redis is unreachable the caller falls back to the
// plain local bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MirrorBus wraps a local bus and mirrors traffic through Redis pub/sub.
type MirrorBus struct {
	local  Bus
	rdb    *redis.Client
	prefix string
	origin string // this process's identity, used to suppress echo
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMirror connects to Redis and starts the remote subscription loop.
// Returns an error if the initial ping fails; the caller decides whether to
// fall back to the local bus alone.
func NewMirror(local Bus, addr, password string, db int, prefix string, logger *zap.Logger) (*MirrorBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "cctelegram:bus:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MirrorBus{
		local:  local,
		rdb:    rdb,
		prefix: prefix,
		origin: uuid.NewString(),
		logger: logger,
		cancel: cancel,
	}
	go m.receive(ctx)

	logger.Info("bus mirror connected", zap.String("addr", addr), zap.String("prefix", prefix))
	return m, nil
}

// Publish delivers locally first, then mirrors to Redis. A Redis failure is
// logged and ignored; local delivery already happened.
func (m *MirrorBus) Publish(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Origin = m.origin

	if err := m.local.Publish(ctx, msg); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	channel := m.prefix + string(msg.Topic)
	if err := m.rdb.Publish(ctx, channel, data).Err(); err != nil {
		m.logger.Warn("bus mirror publish failed, delivered locally only",
			zap.String("topic", string(msg.Topic)), zap.Error(err))
	}
	return nil
}

// Subscribe registers on the local bus; mirrored remote messages arrive
// through the receive loop and are re-published locally.
func (m *MirrorBus) Subscribe(topic Topic, handler Handler) func() {
	return m.local.Subscribe(topic, handler)
}

// Close stops the receive loop and closes the Redis client and local bus.
func (m *MirrorBus) Close() error {
	m.cancel()
	err := m.rdb.Close()
	if closeErr := m.local.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (m *MirrorBus) receive(ctx context.Context) {
	sub := m.rdb.PSubscribe(ctx, m.prefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				m.logger.Warn("bus mirror received malformed message", zap.Error(err))
				continue
			}
			if msg.Origin == m.origin {
				continue // our own echo
			}
			if err := m.local.Publish(ctx, &msg); err != nil {
				m.logger.Warn("bus mirror local re-publish failed", zap.Error(err))
			}
		}
	}
}

var _ Bus = (*MirrorBus)(nil)

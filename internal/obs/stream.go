package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// The server binds loopback only, so cross-origin upgrades from local
// tooling are fine.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamHub fans bus messages out to connected WebSocket clients. Slow
// clients drop messages instead of stalling the feed.
type streamHub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	hub    *streamHub
	conn   *websocket.Conn
	send   chan []byte
	topics map[bus.Topic]bool // empty means all
	done   chan struct{}
	once   sync.Once
}

func newStreamHub(log *logging.Logger) *streamHub {
	return &streamHub{
		log:     log.Named("stream"),
		clients: make(map[*streamClient]struct{}),
	}
}

// BindBus subscribes the hub to every streamed topic.
func (h *streamHub) BindBus(b bus.Bus) {
	topics := []bus.Topic{
		bus.TopicThresholdViolation, bus.TopicSecurityEvent,
		bus.TopicHealthTransition, bus.TopicAlertFiring, bus.TopicAlertResolved,
		bus.TopicBridgeLifecycle, bus.TopicResponseReceived,
		bus.TopicLogAggregated, bus.TopicMemoryPressure,
	}
	for _, t := range topics {
		b.Subscribe(t, func(ctx context.Context, msg *bus.Message) error {
			h.broadcast(msg)
			return nil
		})
	}
}

func (h *streamHub) broadcast(msg *bus.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if len(c.topics) > 0 && !c.topics[msg.Topic] {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client is not keeping up; the feed is best-effort.
		}
	}
}

// handleUpgrade promotes the request to a WebSocket subscription. An
// optional ?topics=a,b query narrows the feed.
func (h *streamHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	topics := make(map[bus.Topic]bool)
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			topics[bus.Topic(strings.TrimSpace(t))] = true
		}
	}

	c := &streamClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: topics,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *streamHub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.conn.Close()
	})
}

// writePump owns every write to the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns every read; the feed is one-way so inbound frames are
// drained for control messages only.
func (c *streamClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

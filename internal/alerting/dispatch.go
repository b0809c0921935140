package alerting

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// notification is one queued (alert, channel) delivery.
type notification struct {
	alert   *Alert
	channel Channel
	queued  time.Time
}

// ChannelStats is the per-channel delivery accounting.
type ChannelStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// dispatcher drains the bounded notification queue with a small worker pool.
// When the queue is full, the lowest-severity pending notification gives way
// to a higher-severity newcomer; otherwise the newcomer is dropped.
type dispatcher struct {
	mu      sync.Mutex
	pending []notification
	stats   map[string]*ChannelStats
	maxSize int
	closed  bool

	wake  chan struct{}
	retry resilience.Policy
	log   *logging.Logger
	wg    sync.WaitGroup

	onDepth func(int)
}

func newDispatcher(maxSize, workers int, retry resilience.Policy, log *logging.Logger) *dispatcher {
	if maxSize <= 0 {
		maxSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	d := &dispatcher{
		stats:   make(map[string]*ChannelStats),
		maxSize: maxSize,
		wake:    make(chan struct{}, 1),
		retry:   retry,
		log:     log.Named("alertdispatch"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// enqueue adds one delivery, applying the overflow policy.
func (d *dispatcher) enqueue(a *Alert, ch Channel) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if len(d.pending) >= d.maxSize {
		victim := d.lowestLocked()
		if victim < 0 || severityRank(d.pending[victim].alert.Severity) >= severityRank(a.Severity) {
			d.statLocked(ch.Name()).Dropped++
			d.mu.Unlock()
			d.log.Warn(context.Background(), "notification queue full, dropping",
				zap.String("channel", ch.Name()),
				zap.String("alert", a.ID),
				zap.String("severity", string(a.Severity)))
			return
		}
		dropped := d.pending[victim]
		d.pending = append(d.pending[:victim], d.pending[victim+1:]...)
		d.statLocked(dropped.channel.Name()).Dropped++
	}
	d.pending = append(d.pending, notification{alert: a, channel: ch, queued: time.Now()})
	depth := len(d.pending)
	d.mu.Unlock()

	if d.onDepth != nil {
		d.onDepth(depth)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// lowestLocked returns the index of the lowest-severity pending entry.
func (d *dispatcher) lowestLocked() int {
	idx := -1
	for i, n := range d.pending {
		if idx == -1 || severityRank(n.alert.Severity) < severityRank(d.pending[idx].alert.Severity) {
			idx = i
		}
	}
	return idx
}

func (d *dispatcher) dequeue() (notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return notification{}, false
	}
	n := d.pending[0]
	d.pending = d.pending[1:]
	return n, true
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for range d.wake {
		for {
			n, ok := d.dequeue()
			if !ok {
				break
			}
			d.deliver(n)
		}
	}
}

// deliver attempts one notification with backoff; the final failure marks it
// failed and bumps the channel counter.
func (d *dispatcher) deliver(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := resilience.DoVoid(ctx, d.retry, d.log, "notify "+n.channel.Name(), func(ctx context.Context) error {
		return n.channel.Send(ctx, n.alert)
	})

	d.mu.Lock()
	st := d.statLocked(n.channel.Name())
	if err != nil {
		st.Failed++
	} else {
		st.Sent++
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Error(ctx, "notification delivery failed",
			zap.String("channel", n.channel.Name()),
			zap.String("alert", n.alert.ID),
			zap.Error(err))
	}
}

func (d *dispatcher) statLocked(channel string) *ChannelStats {
	st, ok := d.stats[channel]
	if !ok {
		st = &ChannelStats{}
		d.stats[channel] = st
	}
	return st
}

// Stats snapshots per-channel counters.
func (d *dispatcher) Stats() map[string]ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ChannelStats, len(d.stats))
	for name, st := range d.stats {
		out[name] = *st
	}
	return out
}

// close drains nothing further; queued notifications are abandoned.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.mu.Unlock()
	close(d.wake)
	d.wg.Wait()
}

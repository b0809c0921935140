// Package bufpool provides a tiered byte-buffer pool for large payload
// serialization. Buffers are recycled in size tiers; a background maintainer
// trims idle buffers and samples process heap usage, shrinking the pool and
// publishing a pressure event when usage crosses the configured threshold.
package bufpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// tierSizes are the buffer capacities handed out, smallest fitting wins.
var tierSizes = []int{1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}

// Buffer is a pooled byte slice. B has zero length and tier capacity on
// acquisition; callers append into it and must Release on every exit path.
type Buffer struct {
	B        []byte
	tier     int // -1 for oversize unpooled buffers
	lastUsed time.Time
}

// Config sizes the pool.
type Config struct {
	// MaxPoolSize bounds the total number of idle buffers retained across
	// all tiers.
	MaxPoolSize int
	// GCInterval is the trim/sample cadence.
	GCInterval time.Duration
	// PressureThreshold is the heap size in bytes above which the pool
	// enters pressure mode.
	PressureThreshold uint64
}

// Stats is a point-in-time accounting snapshot.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Releases  uint64 `json:"releases"`
	Discards  uint64 `json:"discards"`
	Oversize  uint64 `json:"oversize"`
	Trimmed   uint64 `json:"trimmed"`
	Pressures uint64 `json:"pressure_events"`
	Idle      int    `json:"idle"`
	Capacity  int    `json:"capacity"`
}

// Pool is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	tiers    [][]*Buffer
	idle     int
	capacity int // shrinks under pressure, restored on recovery
	maxCap   int
	pressure bool

	stats Stats

	gcInterval time.Duration
	threshold  uint64
	readHeap   func() uint64
	now        func() time.Time

	log  *logging.Logger
	bus  bus.Bus
	stop chan struct{}
	done chan struct{}
}

// New builds the pool and starts its maintainer goroutine.
func New(cfg Config, log *logging.Logger, b bus.Bus) *Pool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 64
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 30 * time.Second
	}
	p := &Pool{
		tiers:      make([][]*Buffer, len(tierSizes)),
		capacity:   cfg.MaxPoolSize,
		maxCap:     cfg.MaxPoolSize,
		gcInterval: cfg.GCInterval,
		threshold:  cfg.PressureThreshold,
		readHeap:   heapInUse,
		now:        time.Now,
		log:        log.Named("bufpool"),
		bus:        b,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.maintain()
	return p
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Acquire returns the smallest pooled buffer with capacity >= size. Requests
// beyond the largest tier get a dedicated unpooled buffer.
func (p *Pool) Acquire(size int) *Buffer {
	tier := -1
	for i, ts := range tierSizes {
		if ts >= size {
			tier = i
			break
		}
	}
	if tier == -1 {
		p.mu.Lock()
		p.stats.Oversize++
		p.mu.Unlock()
		return &Buffer{B: make([]byte, 0, size), tier: -1}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.tiers[tier]); n > 0 {
		buf := p.tiers[tier][n-1]
		p.tiers[tier] = p.tiers[tier][:n-1]
		p.idle--
		p.stats.Hits++
		buf.B = buf.B[:0]
		return buf
	}
	p.stats.Misses++
	return &Buffer{B: make([]byte, 0, tierSizes[tier]), tier: tier}
}

// Release returns buf to its tier. Buffers beyond capacity and oversize
// buffers are dropped for the collector.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf.tier < 0 {
		p.stats.Oversize++
		return
	}
	if p.idle >= p.capacity {
		p.stats.Discards++
		return
	}
	buf.B = buf.B[:0]
	buf.lastUsed = p.now()
	p.tiers[buf.tier] = append(p.tiers[buf.tier], buf)
	p.idle++
	p.stats.Releases++
}

// WithBuffer runs fn with a pooled buffer, releasing it on every exit path
// including panics.
func (p *Pool) WithBuffer(size int, fn func(*Buffer) error) error {
	buf := p.Acquire(size)
	defer p.Release(buf)
	return fn(buf)
}

// UnderPressure reports whether the last heap sample exceeded the threshold.
// The event pipeline consults this to skip pooled writes.
func (p *Pool) UnderPressure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pressure
}

// Stats returns a snapshot of counters and current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = p.idle
	s.Capacity = p.capacity
	return s
}

// Close stops the maintainer and drops all idle buffers.
func (p *Pool) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done

	p.mu.Lock()
	for i := range p.tiers {
		p.tiers[i] = nil
	}
	p.idle = 0
	p.mu.Unlock()
}

func (p *Pool) maintain() {
	defer close(p.done)
	ticker := time.NewTicker(p.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.trim()
			p.sample()
		case <-p.stop:
			return
		}
	}
}

// trim drops idle buffers untouched for a full GC interval.
func (p *Pool) trim() {
	cutoff := p.now().Add(-p.gcInterval)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, tier := range p.tiers {
		kept := tier[:0]
		for _, buf := range tier {
			if buf.lastUsed.Before(cutoff) {
				p.idle--
				p.stats.Trimmed++
				continue
			}
			kept = append(kept, buf)
		}
		p.tiers[i] = kept
	}
}

// sample reads heap usage and toggles pressure mode. Entering pressure halves
// the capacity (floor 4) and publishes one event; recovery restores the
// configured capacity.
func (p *Pool) sample() {
	if p.threshold == 0 {
		return
	}
	heap := p.readHeap()

	p.mu.Lock()
	if heap > p.threshold {
		if !p.pressure {
			p.pressure = true
			p.stats.Pressures++
			before := p.capacity
			p.capacity = p.capacity / 2
			if p.capacity < 4 {
				p.capacity = 4
			}
			p.shedLocked()
			after := p.capacity
			p.mu.Unlock()

			p.log.Warn(context.Background(), "memory pressure, shrinking buffer pool",
				zap.Uint64("heap_bytes", heap),
				zap.Uint64("threshold_bytes", p.threshold),
				zap.Int("capacity", after))
			bus.Emit(context.Background(), p.bus, bus.TopicMemoryPressure, "bufpool", map[string]any{
				"heap_bytes":      heap,
				"threshold_bytes": p.threshold,
				"capacity_before": before,
				"capacity_after":  after,
			})
			return
		}
	} else if p.pressure {
		p.pressure = false
		p.capacity = p.maxCap
	}
	p.mu.Unlock()
}

// shedLocked drops idle buffers, largest tiers first, until idle <= capacity.
func (p *Pool) shedLocked() {
	for i := len(p.tiers) - 1; i >= 0 && p.idle > p.capacity; i-- {
		for len(p.tiers[i]) > 0 && p.idle > p.capacity {
			n := len(p.tiers[i])
			p.tiers[i] = p.tiers[i][:n-1]
			p.idle--
			p.stats.Trimmed++
		}
	}
}

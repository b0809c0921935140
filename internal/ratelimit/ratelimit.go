// Package ratelimit enforces sliding-window request limits across four
// dimensions: global, per-client, per-tool, and a short per-client burst
// window. Windows store request timestamps; a check prunes expired entries,
// compares the count, and appends only when every dimension allows, so a
// rejected call never consumes quota.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// Config carries the four limits. Zero limits disable their dimension.
type Config struct {
	Enabled      bool
	Window       time.Duration
	MaxPerClient int
	GlobalMax    int
	PerToolMax   int
	BurstMax     int
	BurstWindow  time.Duration
}

// Verdict is the outcome of one check.
type Verdict struct {
	Allowed bool
	// Scope names the dimension that rejected: global, client, tool, burst.
	Scope      string
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Window     time.Duration
}

// RetryAfterSeconds is the ceiling of RetryAfter in whole seconds, never
// below 1 for a rejection.
func (v Verdict) RetryAfterSeconds() int {
	if v.Allowed {
		return 0
	}
	s := int(math.Ceil(v.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// window is one shard. Each key locks independently.
type window struct {
	mu    sync.Mutex
	times []time.Time
}

// prune drops timestamps outside [now-d, now] and returns the count left.
func (w *window) prune(now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	keep := 0
	for _, t := range w.times {
		if t.After(cutoff) {
			w.times[keep] = t
			keep++
		}
	}
	w.times = w.times[:keep]
	return keep
}

func (w *window) oldest() time.Time {
	if len(w.times) == 0 {
		return time.Time{}
	}
	return w.times[0]
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config
	log *logging.Logger

	global *window

	mu      sync.RWMutex // guards the shard maps, not the shards
	clients map[string]*window
	tools   map[string]*window
	bursts  map[string]*window

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, log *logging.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 10 * time.Second
	}
	l := &Limiter{
		cfg:     cfg,
		log:     log.Named("ratelimit"),
		global:  &window{},
		clients: make(map[string]*window),
		tools:   make(map[string]*window),
		bursts:  make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) shard(m map[string]*window, key string) *window {
	l.mu.RLock()
	w, ok := m[key]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = m[key]; ok {
		return w
	}
	w = &window{}
	m[key] = w
	return w
}

type dimension struct {
	scope  string
	w      *window
	limit  int
	window time.Duration
}

// Check evaluates all dimensions for one request. The timestamp is appended
// to every window only when all dimensions allow.
func (l *Limiter) Check(clientID, tool string) Verdict {
	if !l.cfg.Enabled {
		return Verdict{Allowed: true, Remaining: -1}
	}
	now := l.now()

	dims := make([]dimension, 0, 4)
	if l.cfg.GlobalMax > 0 {
		dims = append(dims, dimension{"global", l.global, l.cfg.GlobalMax, l.cfg.Window})
	}
	if l.cfg.MaxPerClient > 0 {
		dims = append(dims, dimension{"client", l.shard(l.clients, clientID), l.cfg.MaxPerClient, l.cfg.Window})
	}
	if l.cfg.PerToolMax > 0 {
		dims = append(dims, dimension{"tool", l.shard(l.tools, tool), l.cfg.PerToolMax, l.cfg.Window})
	}
	if l.cfg.BurstMax > 0 {
		dims = append(dims, dimension{"burst", l.shard(l.bursts, clientID), l.cfg.BurstMax, l.cfg.BurstWindow})
	}
	if len(dims) == 0 {
		return Verdict{Allowed: true, Remaining: -1}
	}

	// Fixed acquisition order keeps concurrent checks deadlock-free.
	for _, d := range dims {
		d.w.mu.Lock()
	}
	defer func() {
		for i := len(dims) - 1; i >= 0; i-- {
			dims[i].w.mu.Unlock()
		}
	}()

	for _, d := range dims {
		count := d.w.prune(now, d.window)
		if count >= d.limit {
			resetAt := d.w.oldest().Add(d.window)
			return Verdict{
				Allowed:    false,
				Scope:      d.scope,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: resetAt.Sub(now),
				Window:     d.window,
			}
		}
	}

	// All dimensions allow: consume quota and report the tightest one.
	v := Verdict{Allowed: true, Remaining: math.MaxInt, Window: l.cfg.Window}
	for _, d := range dims {
		d.w.times = append(d.w.times, now)
		remaining := d.limit - len(d.w.times)
		if remaining < v.Remaining {
			v.Remaining = remaining
			v.ResetAt = d.w.oldest().Add(d.window)
			v.Window = d.window
		}
	}
	return v
}

// Stats reports active shard counts for the observability endpoint.
func (l *Limiter) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]any{
		"enabled":        l.cfg.Enabled,
		"client_windows": len(l.clients),
		"tool_windows":   len(l.tools),
		"burst_windows":  len(l.bursts),
		"window":         l.cfg.Window.String(),
	}
}

// Close stops the shard janitor.
func (l *Limiter) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}

// cleanup drops shards that have been idle for two windows.
func (l *Limiter) cleanup() {
	defer close(l.done)
	interval := l.cfg.Window
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := l.now()
			l.mu.Lock()
			sweep(l.clients, now, 2*l.cfg.Window)
			sweep(l.tools, now, 2*l.cfg.Window)
			sweep(l.bursts, now, 2*l.cfg.BurstWindow)
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func sweep(m map[string]*window, now time.Time, maxAge time.Duration) {
	for key, w := range m {
		w.mu.Lock()
		stale := len(w.times) == 0 || now.Sub(w.times[len(w.times)-1]) > maxAge
		w.mu.Unlock()
		if stale {
			delete(m, key)
		}
	}
}

// String renders a verdict for logs.
func (v Verdict) String() string {
	if v.Allowed {
		return fmt.Sprintf("allowed (remaining %d)", v.Remaining)
	}
	return fmt.Sprintf("rejected by %s window, retry in %s", v.Scope, v.RetryAfter)
}

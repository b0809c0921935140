// Package metrics is the in-process metrics registry: Prometheus collectors
// for exposition plus a small sample store per metric so threshold watchers
// can require a condition to hold continuously before flagging it.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cctelegram/mcp-bridge/internal/bus"
)

// Labels is one series' label set.
type Labels map[string]string

func (l Labels) fingerprint() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	return b.String()
}

// Sample is one recorded observation.
type Sample struct {
	At    time.Time
	Value float64
}

// series keeps the last ringSize samples of one (metric, labels) pair.
type series struct {
	labels Labels
	ring   []Sample
	head   int
	count  int
	last   float64
}

func (s *series) push(sm Sample, cap_ int) {
	if len(s.ring) < cap_ {
		s.ring = append(s.ring, sm)
		s.count = len(s.ring)
	} else {
		s.ring[s.head] = sm
		s.head = (s.head + 1) % cap_
	}
	s.last = sm.Value
}

// ordered returns samples oldest-first, dropping those before since.
func (s *series) ordered(since time.Time) []Sample {
	out := make([]Sample, 0, len(s.ring))
	n := len(s.ring)
	for i := 0; i < n; i++ {
		sm := s.ring[(s.head+i)%n]
		if sm.At.Before(since) {
			continue
		}
		out = append(out, sm)
	}
	return out
}

// Watcher flags a metric when its value violates a threshold continuously
// for Duration. Condition is one of gt, gte, lt, lte (default gt).
type Watcher struct {
	Metric    string
	Condition string
	Warning   float64
	Critical  float64
	Duration  time.Duration
}

func (w Watcher) exceeds(value, threshold float64) bool {
	switch w.Condition {
	case "", "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	default:
		return false
	}
}

// level classifies value against the watcher thresholds.
func (w Watcher) level(value float64) string {
	if w.exceeds(value, w.Critical) {
		return "critical"
	}
	if w.exceeds(value, w.Warning) {
		return "warning"
	}
	return ""
}

type watchState struct {
	firstExceeded time.Time
	emittedLevel  string
}

// Config bounds the sample store.
type Config struct {
	RingSize int           // samples kept per series, default 512
	MaxAge   time.Duration // samples older than this are ignored, default 2h
}

// Registry owns the Prometheus registry, the sample store, and the threshold
// watchers. Safe for concurrent use.
type Registry struct {
	prom *prometheus.Registry

	mu       sync.Mutex
	vecs     map[string]any // *prometheus.CounterVec / GaugeVec / HistogramVec
	series   map[string]map[string]*series
	watchers []Watcher
	states   map[int]map[string]*watchState // watcher index -> series fp

	ringSize int
	maxAge   time.Duration
	now      func() time.Time
	bus      bus.Bus

	// Domain holds the pre-declared collectors used on hot paths.
	Domain *Domain
}

// NewRegistry builds a registry with Go and process collectors attached.
func NewRegistry(cfg Config, b bus.Bus) *Registry {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 512
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Hour
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		prom:     promReg,
		vecs:     make(map[string]any),
		series:   make(map[string]map[string]*series),
		states:   make(map[int]map[string]*watchState),
		ringSize: cfg.RingSize,
		maxAge:   cfg.MaxAge,
		now:      time.Now,
		bus:      b,
	}
	r.Domain = newDomain(promReg, r)
	return r
}

// Watch registers a threshold watcher.
func (r *Registry) Watch(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)
}

// Handler serves the Prometheus text exposition.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// IncCounter adds delta to a named counter series.
func (r *Registry) IncCounter(name string, labels Labels, delta float64) {
	vec := r.counterVec(name, labels)
	vec.With(prometheus.Labels(labels)).Add(delta)

	r.mu.Lock()
	s := r.seriesLocked(name, labels)
	value := s.last + delta
	r.recordLocked(name, s, value)
	r.mu.Unlock()
}

// SetGauge sets a named gauge series.
func (r *Registry) SetGauge(name string, labels Labels, value float64) {
	vec := r.gaugeVec(name, labels)
	vec.With(prometheus.Labels(labels)).Set(value)

	r.mu.Lock()
	s := r.seriesLocked(name, labels)
	r.recordLocked(name, s, value)
	r.mu.Unlock()
}

// ObserveHistogram records a named histogram observation.
func (r *Registry) ObserveHistogram(name string, labels Labels, value float64) {
	vec := r.histogramVec(name, labels)
	vec.With(prometheus.Labels(labels)).Observe(value)

	r.mu.Lock()
	s := r.seriesLocked(name, labels)
	r.recordLocked(name, s, value)
	r.mu.Unlock()
}

// track lets the pre-declared domain collectors feed the watcher store
// without a second Prometheus write.
func (r *Registry) track(name string, labels Labels, value float64) {
	r.mu.Lock()
	s := r.seriesLocked(name, labels)
	r.recordLocked(name, s, value)
	r.mu.Unlock()
}

// CurrentValue returns the latest recorded value of an exact series.
func (r *Registry) CurrentValue(name string, labels Labels) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byFP, ok := r.series[name]
	if !ok {
		return 0, false
	}
	s, ok := byFP[labels.fingerprint()]
	if !ok || s.count == 0 {
		return 0, false
	}
	return s.last, true
}

// Samples returns one series' retained samples within the age bound,
// oldest first.
func (r *Registry) Samples(name string, labels Labels) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	byFP, ok := r.series[name]
	if !ok {
		return nil
	}
	s, ok := byFP[labels.fingerprint()]
	if !ok {
		return nil
	}
	return s.ordered(r.now().Add(-r.maxAge))
}

func (r *Registry) seriesLocked(name string, labels Labels) *series {
	byFP, ok := r.series[name]
	if !ok {
		byFP = make(map[string]*series)
		r.series[name] = byFP
	}
	fp := labels.fingerprint()
	s, ok := byFP[fp]
	if !ok {
		copied := make(Labels, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		s = &series{labels: copied}
		byFP[fp] = s
	}
	return s
}

func (r *Registry) recordLocked(name string, s *series, value float64) {
	now := r.now()
	s.push(Sample{At: now, Value: value}, r.ringSize)

	fp := s.labels.fingerprint()
	for i, w := range r.watchers {
		if w.Metric != name {
			continue
		}
		states, ok := r.states[i]
		if !ok {
			states = make(map[string]*watchState)
			r.states[i] = states
		}
		st, ok := states[fp]
		if !ok {
			st = &watchState{}
			states[fp] = st
		}

		level := w.level(value)
		if level == "" {
			st.firstExceeded = time.Time{}
			st.emittedLevel = ""
			continue
		}
		if st.firstExceeded.IsZero() {
			st.firstExceeded = now
		}
		if now.Sub(st.firstExceeded) < w.Duration {
			continue
		}
		if st.emittedLevel == level {
			continue
		}
		st.emittedLevel = level

		threshold := w.Warning
		if level == "critical" {
			threshold = w.Critical
		}
		payload := map[string]any{
			"metric":      name,
			"level":       level,
			"value":       value,
			"threshold":   threshold,
			"condition":   coalesce(w.Condition, "gt"),
			"duration_ms": w.Duration.Milliseconds(),
		}
		for k, v := range s.labels {
			payload["label_"+k] = v
		}
		go bus.Emit(nil, r.bus, bus.TopicThresholdViolation, "metrics", payload)
	}
}

func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (r *Registry) counterVec(name string, labels Labels) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vecs[name]; ok {
		return v.(*prometheus.CounterVec)
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: fmt.Sprintf("%s (registered at first use)", name),
	}, labelKeys(labels))
	r.prom.MustRegister(vec)
	r.vecs[name] = vec
	return vec
}

func (r *Registry) gaugeVec(name string, labels Labels) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vecs[name]; ok {
		return v.(*prometheus.GaugeVec)
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: fmt.Sprintf("%s (registered at first use)", name),
	}, labelKeys(labels))
	r.prom.MustRegister(vec)
	r.vecs[name] = vec
	return vec
}

func (r *Registry) histogramVec(name string, labels Labels) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vecs[name]; ok {
		return v.(*prometheus.HistogramVec)
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    fmt.Sprintf("%s (registered at first use)", name),
		Buckets: prometheus.DefBuckets,
	}, labelKeys(labels))
	r.prom.MustRegister(vec)
	r.vecs[name] = vec
	return vec
}

func labelKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

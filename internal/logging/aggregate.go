package logging

import (
	"regexp"
	"sync"
	"time"
)

// AggregationSignal is emitted once per window when a normalized message
// pattern crosses the repetition threshold.
type AggregationSignal struct {
	Pattern     string    `json:"pattern"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Exemplars   []string  `json:"exemplars"`
}

var (
	reUUID   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	reIP     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	rePath   = regexp.MustCompile(`(/[\w.\-]+){2,}`)
	reDigits = regexp.MustCompile(`\d+`)
)

// Normalize collapses variable parts of a log message so that repeats of the
// same event with different identifiers aggregate together. Order matters:
// UUIDs and IPs contain digits and must be replaced first.
func Normalize(msg string) string {
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reIP.ReplaceAllString(msg, "IP")
	msg = rePath.ReplaceAllString(msg, "/PATH")
	msg = reDigits.ReplaceAllString(msg, "N")
	return msg
}

const maxExemplars = 5

type patternWindow struct {
	start     time.Time
	count     int
	exemplars []string
	signaled  bool
}

// Aggregator counts normalized message patterns over a sliding window and
// fires a signal when a pattern repeats past the threshold.
type Aggregator struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	patterns  map[string]*patternWindow
	onSignal  func(AggregationSignal)
	now       func() time.Time
}

// NewAggregator builds an aggregator with the given window in seconds.
func NewAggregator(windowSeconds, threshold int) *Aggregator {
	return &Aggregator{
		window:    time.Duration(windowSeconds) * time.Second,
		threshold: threshold,
		patterns:  make(map[string]*patternWindow),
		now:       time.Now,
	}
}

// OnSignal registers the sink invoked when a pattern crosses the threshold.
// Only one sink is supported; later calls replace earlier ones.
func (a *Aggregator) OnSignal(fn func(AggregationSignal)) {
	a.mu.Lock()
	a.onSignal = fn
	a.mu.Unlock()
}

// Observe records one occurrence of msg. When the normalized pattern reaches
// the threshold within the current window the sink fires exactly once for
// that window.
func (a *Aggregator) Observe(msg string) {
	pattern := Normalize(msg)

	a.mu.Lock()
	now := a.now()
	pw := a.patterns[pattern]
	if pw == nil || now.Sub(pw.start) >= a.window {
		pw = &patternWindow{start: now}
		a.patterns[pattern] = pw
	}
	pw.count++
	if len(pw.exemplars) < maxExemplars {
		pw.exemplars = append(pw.exemplars, msg)
	}

	var sig *AggregationSignal
	if !pw.signaled && pw.count >= a.threshold && a.onSignal != nil {
		pw.signaled = true
		sig = &AggregationSignal{
			Pattern:     pattern,
			Count:       pw.count,
			WindowStart: pw.start,
			WindowEnd:   pw.start.Add(a.window),
			Exemplars:   append([]string(nil), pw.exemplars...),
		}
	}
	fn := a.onSignal
	a.mu.Unlock()

	if sig != nil && fn != nil {
		fn(*sig)
	}
}

// Snapshot returns current per-pattern counts for the active windows. Stale
// windows are pruned as a side effect.
func (a *Aggregator) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make(map[string]int, len(a.patterns))
	for p, pw := range a.patterns {
		if now.Sub(pw.start) >= a.window {
			delete(a.patterns, p)
			continue
		}
		out[p] = pw.count
	}
	return out
}

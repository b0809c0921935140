// Package health probes configured HTTP endpoints, derives per-endpoint
// state from consecutive outcomes, and keeps a short result history for
// trend classification. State transitions are published on the bus so the
// alerting engine can react without a direct dependency.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/httppool"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// State is one endpoint's derived condition.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
	StateUnknown   State = "unknown"
)

// rank orders states for the overall aggregation, worst last.
func rank(s State) int {
	switch s {
	case StateHealthy:
		return 0
	case StateUnknown:
		return 1
	case StateDegraded:
		return 2
	case StateUnhealthy:
		return 3
	default:
		return 1
	}
}

// Endpoint is one probe target.
type Endpoint struct {
	Name           string
	URL            string
	Method         string
	ExpectedStatus []int
	Timeout        time.Duration
	Retries        int
	Critical       bool
}

func (e Endpoint) accepts(code int) bool {
	if len(e.ExpectedStatus) == 0 {
		return code >= 200 && code <= 299
	}
	for _, want := range e.ExpectedStatus {
		if code == want {
			return true
		}
	}
	return false
}

// Result is one probe outcome.
type Result struct {
	At       time.Time     `json:"at"`
	OK       bool          `json:"ok"`
	Code     int           `json:"code,omitempty"`
	Duration time.Duration `json:"duration_ms"`
	Error    string        `json:"error,omitempty"`
}

// Trend classifies the recent history direction.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

const historySize = 100

// endpointState is the mutable record per endpoint.
type endpointState struct {
	endpoint     Endpoint
	state        State
	consecFails  int
	consecOKs    int
	history      []Result
	lastResult   Result
	stateChanged time.Time
}

// EndpointStatus is the exported per-endpoint view.
type EndpointStatus struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Critical     bool          `json:"critical"`
	SuccessRate  float64       `json:"success_rate"`
	AvgDuration  time.Duration `json:"avg_duration_ms"`
	Trend        Trend         `json:"trend"`
	LastResult   Result        `json:"last_result"`
	StateChanged time.Time     `json:"state_changed"`
}

// Config tunes state derivation and probe cadence.
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
}

// Checker runs the probe loop. Safe for concurrent use.
type Checker struct {
	cfg      Config
	pool     *httppool.Pool
	breakers *resilience.BreakerSet
	log      *logging.Logger
	bus      bus.Bus

	mu        sync.Mutex
	endpoints map[string]*endpointState

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, pool *httppool.Pool, breakers *resilience.BreakerSet, log *logging.Logger, b bus.Bus) *Checker {
	cfg.withDefaults()
	return &Checker{
		cfg:       cfg,
		pool:      pool,
		breakers:  breakers,
		log:       log.Named("health"),
		bus:       b,
		endpoints: make(map[string]*endpointState),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Register adds an endpoint to the probe set. Registration after Start is
// picked up on the next cycle.
func (c *Checker) Register(e Endpoint) {
	if e.Method == "" {
		e.Method = http.MethodGet
	}
	if e.Timeout <= 0 {
		e.Timeout = 2 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[e.Name] = &endpointState{endpoint: e, state: StateUnknown, stateChanged: c.now()}
}

// Start launches the background probe loop.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CheckAll(ctx)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the probe loop.
func (c *Checker) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

// CheckAll probes every registered endpoint concurrently and folds results
// into per-endpoint state.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.Lock()
	targets := make([]Endpoint, 0, len(c.endpoints))
	for _, st := range c.endpoints {
		targets = append(targets, st.endpoint)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range targets {
		e := e
		g.Go(func() error {
			c.record(e.Name, c.Probe(ctx, e))
			return nil
		})
	}
	_ = g.Wait()
}

// Probe performs one endpoint check, honoring the configured retry count.
// The per-endpoint breaker fails fast while the target is clearly down.
func (c *Checker) Probe(ctx context.Context, e Endpoint) Result {
	breaker := c.breakers.Get("health:" + e.Name)
	if err := breaker.Allow(); err != nil {
		return Result{At: c.now(), OK: false, Error: err.Error()}
	}

	var res Result
	for attempt := 0; attempt <= e.Retries; attempt++ {
		res = c.probeOnce(ctx, e)
		if res.OK || ctx.Err() != nil {
			break
		}
	}
	breaker.Record(res.OK)
	return res
}

func (c *Checker) probeOnce(ctx context.Context, e Endpoint) Result {
	started := c.now()
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, nil)
	if err != nil {
		return Result{At: started, OK: false, Error: err.Error()}
	}
	resp, err := c.pool.Client(httppool.PurposeHealth).Do(req)
	elapsed := c.now().Sub(started)
	if err != nil {
		return Result{At: started, OK: false, Duration: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	res := Result{At: started, Code: resp.StatusCode, Duration: elapsed}
	if !e.accepts(resp.StatusCode) {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}
	res.OK = true
	return res
}

// record folds one result into the endpoint state and publishes transitions.
func (c *Checker) record(name string, res Result) {
	c.mu.Lock()
	st, ok := c.endpoints[name]
	if !ok {
		c.mu.Unlock()
		return
	}

	st.lastResult = res
	st.history = append(st.history, res)
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}
	if res.OK {
		st.consecOKs++
		st.consecFails = 0
	} else {
		st.consecFails++
		st.consecOKs = 0
	}

	prev := st.state
	next := c.derive(st)
	if next != prev {
		st.state = next
		st.stateChanged = c.now()
	}
	critical := st.endpoint.Critical
	c.mu.Unlock()

	if next != prev {
		c.log.Info(context.Background(), "endpoint state changed",
			zap.String("endpoint", name),
			zap.String("from", string(prev)),
			zap.String("to", string(next)))
		bus.Emit(context.Background(), c.bus, bus.TopicHealthTransition, "health", map[string]any{
			"endpoint": name,
			"from":     string(prev),
			"to":       string(next),
			"critical": critical,
		})
	}
}

func (c *Checker) derive(st *endpointState) State {
	switch {
	case st.consecFails >= c.cfg.FailureThreshold:
		return StateUnhealthy
	case st.consecFails > 0:
		return StateDegraded
	case st.consecOKs >= c.cfg.RecoveryThreshold:
		return StateHealthy
	default:
		return StateUnknown
	}
}

// Status snapshots every endpoint with rolling stats and trend.
func (c *Checker) Status() map[string]EndpointStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]EndpointStatus, len(c.endpoints))
	for name, st := range c.endpoints {
		rate, avg := rolling(st.history)
		out[name] = EndpointStatus{
			Name:         name,
			State:        st.state,
			Critical:     st.endpoint.Critical,
			SuccessRate:  rate,
			AvgDuration:  avg,
			Trend:        trend(st.history),
			LastResult:   st.lastResult,
			StateChanged: st.stateChanged,
		}
	}
	return out
}

// Overall aggregates endpoint states: any unhealthy critical endpoint makes
// the system unhealthy; a non-critical unhealthy endpoint degrades it unless
// at least half of all endpoints are unhealthy.
func (c *Checker) Overall() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) == 0 {
		return StateUnknown
	}

	unhealthy := 0
	worst := StateHealthy
	for _, st := range c.endpoints {
		if st.state == StateUnhealthy {
			if st.endpoint.Critical {
				return StateUnhealthy
			}
			unhealthy++
		}
		if rank(st.state) > rank(worst) {
			worst = st.state
		}
	}
	if unhealthy*2 >= len(c.endpoints) && unhealthy > 0 {
		return StateUnhealthy
	}
	if worst == StateUnhealthy {
		return StateDegraded
	}
	return worst
}

func rolling(history []Result) (successRate float64, avg time.Duration) {
	if len(history) == 0 {
		return 0, 0
	}
	ok := 0
	var total time.Duration
	for _, r := range history {
		if r.OK {
			ok++
		}
		total += r.Duration
	}
	return float64(ok) / float64(len(history)), total / time.Duration(len(history))
}

// trend compares success rates of the two halves of the history window; a
// ten percentage point swing in either direction leaves "stable".
func trend(history []Result) Trend {
	if len(history) < 4 {
		return TrendStable
	}
	mid := len(history) / 2
	older, _ := rolling(history[:mid])
	newer, _ := rolling(history[mid:])
	switch {
	case newer-older > 0.10:
		return TrendImproving
	case older-newer > 0.10:
		return TrendDegrading
	default:
		return TrendStable
	}
}

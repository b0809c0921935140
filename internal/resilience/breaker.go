// Package resilience wraps outbound calls with retry and circuit breaking.
// Every HTTP interaction with the external bridge goes through both: the
// retry executor absorbs transient faults, the breaker fails fast once a
// dependency is clearly down.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrTooManyTrials = errors.New("too many trial requests in half-open state")
)

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold uint32

	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open trials.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the consecutive-success count in half-open that
	// closes the breaker; it also bounds concurrent trial requests.
	SuccessThreshold uint32

	// OnStateChange fires on every transition.
	OnStateChange func(name string, from, to State)
}

func (c *BreakerConfig) withDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine. The generation counter
// discards results of requests that started before the last transition.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.withDefaults()
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, promoting OPEN to HALF_OPEN when the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	return state
}

// Counts returns the counts of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn under the breaker. Rejections return ErrCircuitOpen or
// ErrTooManyTrials without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.after(generation, err == nil)
	return err
}

// Allow reports whether a request may proceed right now, without reserving a
// slot. Probe-style callers pair it with Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.SuccessThreshold {
		return ErrTooManyTrials
	}
	return nil
}

// Record feeds an externally executed outcome into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	gen := b.generation
	b.counts.Requests++
	b.mu.Unlock()
	b.after(gen, success)
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.SuccessThreshold {
		return generation, ErrTooManyTrials
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && b.expiry.Before(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state

	b.generation++
	b.counts.clear()
	if state == StateOpen {
		b.expiry = now.Add(b.cfg.RecoveryTimeout)
	} else {
		b.expiry = time.Time{}
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

// BreakerSet manages named breakers sharing one default configuration, one
// per HTTP purpose class or probed endpoint.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	cfg.withDefaults()
	return &BreakerSet{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker named name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	cfg := s.cfg
	cfg.Name = name
	b = NewBreaker(cfg)
	s.breakers[name] = b
	return b
}

// BreakerStats is the exported view of one breaker.
type BreakerStats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats snapshots every breaker in the set.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerStats, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = BreakerStats{Name: name, State: b.State().String(), Counts: b.Counts()}
	}
	return out
}

package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// Signal is one incoming observation: a threshold violation, a security
// event, a health transition, or an SLA breach.
type Signal struct {
	Metric      string
	Source      string
	Value       float64
	Labels      map[string]string
	Annotations map[string]string
}

// Config tunes engine behavior.
type Config struct {
	DedupWindow        time.Duration // default 5m
	MaxPerMinute       int           // default 10
	EscalationInterval time.Duration // default 1m
	QueueSize          int
	Workers            int
	Retry              resilience.Policy
}

func (c *Config) withDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = 10
	}
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = time.Minute
	}
}

// Engine owns alert state. Safe for concurrent use.
type Engine struct {
	cfg      Config
	rules    []Rule
	channels map[string]Channel

	mu        sync.Mutex
	alerts    map[string]*Alert // by id
	activeFP  map[string]*Alert // fingerprint -> the one non-resolved alert
	lastFired map[string]time.Time
	recent    []time.Time // creation times inside the per-minute ceiling

	disp *dispatcher
	log  *logging.Logger
	bus  bus.Bus
	now  func() time.Time

	// onTransition feeds the metrics domain without a package dependency.
	onTransition func(state string)

	stop chan struct{}
	done chan struct{}
}

func NewEngine(cfg Config, rules []Rule, channels []Channel, log *logging.Logger, b bus.Bus) *Engine {
	cfg.withDefaults()
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	e := &Engine{
		cfg:       cfg,
		rules:     rules,
		channels:  byName,
		alerts:    make(map[string]*Alert),
		activeFP:  make(map[string]*Alert),
		lastFired: make(map[string]time.Time),
		disp:      newDispatcher(cfg.QueueSize, cfg.Workers, cfg.Retry, log),
		log:       log.Named("alerting"),
		bus:       b,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.escalationLoop()
	return e
}

// OnTransition registers the state-change hook (metrics wiring).
func (e *Engine) OnTransition(fn func(state string)) { e.onTransition = fn }

// OnQueueDepth registers the dispatch queue depth hook (metrics wiring).
func (e *Engine) OnQueueDepth(fn func(int)) { e.disp.onDepth = fn }

// BindBus subscribes the engine to the signal-bearing topics.
func (e *Engine) BindBus(b bus.Bus) {
	b.Subscribe(bus.TopicThresholdViolation, func(ctx context.Context, msg *bus.Message) error {
		e.Process(ctx, signalFromThreshold(msg))
		return nil
	})
	b.Subscribe(bus.TopicSecurityEvent, func(ctx context.Context, msg *bus.Message) error {
		e.Process(ctx, signalFromSecurity(msg))
		return nil
	})
	b.Subscribe(bus.TopicHealthTransition, func(ctx context.Context, msg *bus.Message) error {
		e.Process(ctx, signalFromHealth(msg))
		return nil
	})
}

func signalFromThreshold(msg *bus.Message) Signal {
	labels := make(map[string]string)
	for k, v := range msg.Payload {
		if s, ok := v.(string); ok {
			labels[k] = s
		}
	}
	return Signal{
		Metric: str(msg.Payload["metric"]),
		Source: msg.Source,
		Value:  num(msg.Payload["value"]),
		Labels: labels,
	}
}

func signalFromSecurity(msg *bus.Message) Signal {
	sevValue := float64(severityRank(Severity(str(msg.Payload["severity"]))))
	return Signal{
		Metric: "security_event",
		Source: msg.Source,
		Value:  sevValue,
		Labels: map[string]string{
			"type":   str(msg.Payload["type"]),
			"client": str(msg.Payload["client"]),
		},
		Annotations: map[string]string{"detail": str(msg.Payload["detail"])},
	}
}

func signalFromHealth(msg *bus.Message) Signal {
	// unhealthy=3, degraded=2, unknown=1, healthy=0; rules compare on rank.
	rankOf := map[string]float64{"healthy": 0, "unknown": 1, "degraded": 2, "unhealthy": 3}
	return Signal{
		Metric: "health_state",
		Source: msg.Source,
		Value:  rankOf[str(msg.Payload["to"])],
		Labels: map[string]string{
			"endpoint": str(msg.Payload["endpoint"]),
			"state":    str(msg.Payload["to"]),
		},
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return 0
	}
}

// Process evaluates one signal against every matching rule.
func (e *Engine) Process(ctx context.Context, sig Signal) {
	for i := range e.rules {
		rule := e.rules[i]
		if rule.Metric != "" && rule.Metric != sig.Metric {
			continue
		}
		if rule.Source != "" && rule.Source != sig.Source {
			continue
		}
		e.evaluate(ctx, rule, sig)
	}
}

func (e *Engine) evaluate(ctx context.Context, rule Rule, sig Signal) {
	holds := rule.compare(sig.Value)
	labels := mergeLabels(rule.Labels, sig.Labels)
	fp := fingerprint(rule.Name, sig.Metric, sig.Source, labels)
	now := e.now()

	e.mu.Lock()
	if existing, ok := e.activeFP[fp]; ok {
		existing.CurrentValue = sig.Value
		existing.UpdatedAt = now
		if !holds {
			e.resolveLocked(existing, now)
			e.mu.Unlock()
			e.announce(ctx, existing, bus.TopicAlertResolved)
			return
		}
		e.mu.Unlock()
		return
	}
	if !holds {
		e.mu.Unlock()
		return
	}

	alert := &Alert{
		ID:             uuid.NewString(),
		Rule:           rule.Name,
		Title:          coalesce(rule.Title, fmt.Sprintf("%s: %s %s %.4g", rule.Name, sig.Metric, rule.Condition, rule.Threshold)),
		Description:    rule.Description,
		Severity:       rule.Severity,
		Status:         StatusFiring,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metric:         sig.Metric,
		CurrentValue:   sig.Value,
		ThresholdValue: rule.Threshold,
		Labels:         labels,
		Annotations:    sig.Annotations,
		Fingerprint:    fp,
		Channels:       append([]string(nil), rule.Channels...),
		notified:       make(map[string]bool),
	}

	if reason := e.suppressionReasonLocked(rule, alert, now); reason != "" {
		alert.Status = StatusSuppressed
		alert.SuppressionReason = reason
		e.alerts[alert.ID] = alert
		e.activeFP[fp] = alert
		e.mu.Unlock()
		e.transition("suppressed")
		e.log.Info(ctx, "alert suppressed",
			zap.String("rule", rule.Name),
			zap.String("fingerprint", fp),
			zap.String("reason", reason))
		return
	}

	e.alerts[alert.ID] = alert
	e.activeFP[fp] = alert
	e.lastFired[fp] = now
	e.recent = append(e.recent, now)
	toNotify := e.eligibleChannelsLocked(alert, rule.Channels)
	e.mu.Unlock()

	e.transition("firing")
	e.log.Warn(ctx, "alert firing",
		zap.String("rule", rule.Name),
		zap.String("alert", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("current_value", sig.Value),
		zap.Float64("threshold", rule.Threshold))
	e.announce(ctx, alert, bus.TopicAlertFiring)
	for _, ch := range toNotify {
		e.disp.enqueue(alert, ch)
	}
}

func (e *Engine) transition(state string) {
	if e.onTransition != nil {
		e.onTransition(state)
	}
}

// suppressionReasonLocked checks rule conditions, the duplicate window, and
// the per-minute ceiling, in that order.
func (e *Engine) suppressionReasonLocked(rule Rule, a *Alert, now time.Time) string {
	for _, cond := range rule.Suppression {
		if cond.matches(a) {
			return fmt.Sprintf("rule condition %s %s %q", cond.Field, cond.Operator, cond.Value)
		}
	}
	if last, ok := e.lastFired[a.Fingerprint]; ok && now.Sub(last) < e.cfg.DedupWindow {
		return fmt.Sprintf("duplicate within %s", e.cfg.DedupWindow)
	}
	cutoff := now.Add(-time.Minute)
	kept := e.recent[:0]
	for _, t := range e.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recent = kept
	if len(e.recent) >= e.cfg.MaxPerMinute {
		return fmt.Sprintf("per-minute ceiling %d reached", e.cfg.MaxPerMinute)
	}
	return ""
}

// eligibleChannelsLocked resolves channel names to implementations accepting
// the alert's severity, marking them notified.
func (e *Engine) eligibleChannelsLocked(a *Alert, names []string) []Channel {
	var out []Channel
	for _, name := range names {
		ch, ok := e.channels[name]
		if !ok || !ch.Accepts(a.Severity) || a.notified[name] {
			continue
		}
		a.notified[name] = true
		out = append(out, ch)
	}
	return out
}

func (e *Engine) resolveLocked(a *Alert, now time.Time) {
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.UpdatedAt = now
	delete(e.activeFP, a.Fingerprint)
	e.transition("resolved")
}

func (e *Engine) announce(ctx context.Context, a *Alert, topic bus.Topic) {
	bus.Emit(ctx, e.bus, topic, "alerting", map[string]any{
		"alert_id":    a.ID,
		"rule":        a.Rule,
		"severity":    string(a.Severity),
		"status":      string(a.Status),
		"fingerprint": a.Fingerprint,
		"title":       a.Title,
	})
}

// Acknowledge moves a firing alert to acknowledged. Resolved alerts cannot
// be acknowledged.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return fmt.Errorf("unknown alert %s", id)
	}
	if a.Status != StatusFiring {
		return fmt.Errorf("alert %s is %s, only firing alerts can be acknowledged", id, a.Status)
	}
	now := e.now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.UpdatedAt = now
	return nil
}

// Resolve force-resolves an active alert.
func (e *Engine) Resolve(ctx context.Context, id string) error {
	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok || !a.active() {
		e.mu.Unlock()
		return fmt.Errorf("no active alert %s", id)
	}
	e.resolveLocked(a, e.now())
	e.mu.Unlock()
	e.announce(ctx, a, bus.TopicAlertResolved)
	return nil
}

// Active returns the non-resolved alerts.
func (e *Engine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.activeFP))
	for _, a := range e.activeFP {
		out = append(out, *a)
	}
	return out
}

// ChannelStats exposes per-channel delivery counters.
func (e *Engine) ChannelStats() map[string]ChannelStats { return e.disp.Stats() }

// escalationLoop raises escalation levels of firing alerts once their level
// delay has elapsed, adding the level's channels.
func (e *Engine) escalationLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.EscalationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.escalateDue()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) escalateDue() {
	now := e.now()
	type pending struct {
		alert    *Alert
		channels []Channel
	}
	var due []pending

	e.mu.Lock()
	for _, a := range e.activeFP {
		if a.Status != StatusFiring {
			continue
		}
		rule, ok := e.ruleByName(a.Rule)
		if !ok || a.EscalationLevel >= len(rule.Escalation) {
			continue
		}
		next := rule.Escalation[a.EscalationLevel]
		if now.Sub(a.CreatedAt) < next.Delay() {
			continue
		}
		a.EscalationLevel++
		a.UpdatedAt = now
		for _, name := range next.Channels {
			if !contains(a.Channels, name) {
				a.Channels = append(a.Channels, name)
			}
		}
		chans := e.eligibleChannelsLocked(a, next.Channels)
		if len(chans) > 0 {
			due = append(due, pending{alert: a, channels: chans})
		}
	}
	e.mu.Unlock()

	for _, p := range due {
		e.log.Warn(context.Background(), "alert escalated",
			zap.String("alert", p.alert.ID),
			zap.Int("level", p.alert.EscalationLevel))
		for _, ch := range p.channels {
			e.disp.enqueue(p.alert, ch)
		}
	}
}

func (e *Engine) ruleByName(name string) (Rule, bool) {
	for _, r := range e.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mergeLabels(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Close stops the escalation loop and the dispatcher.
func (e *Engine) Close() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
	e.disp.close()
}

func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

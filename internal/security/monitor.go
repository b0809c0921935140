// Package security inspects tool requests before dispatch: configured
// suspicious patterns, built-in injection detection, a source-IP blocklist,
// and a per-client behavioral baseline. Detections accumulate as threat
// indicators and flow through the escalation ladder, which decides whether a
// request is merely logged or blocked outright.
package security

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// Severity grades a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Action is the mitigation chosen by the escalation ladder.
type Action string

const (
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

// builtinInjections always run, regardless of configured patterns.
var builtinInjections = []struct {
	name     string
	severity Severity
	pattern  string
}{
	{"sql-injection", SeverityCritical, `(?i)\b(union\s+select|insert\s+into|drop\s+table|delete\s+from|update\s+\w+\s+set|exec\s*\(|or\s+1\s*=\s*1)\b`},
	{"script-tag", SeverityCritical, `(?i)<\s*script[^>]*>`},
	{"path-traversal", SeverityHigh, `\.\./|\.\.\\`},
	{"shell-metacharacters", SeverityHigh, "[;&|`$]\\s*\\(|\\$\\{|&&\\s*(rm|curl|wget|nc)\\b"},
	{"event-handler-injection", SeverityHigh, `(?i)\bon(error|load|click|mouseover)\s*=`},
}

// Request is the inspected surface of one tool call.
type Request struct {
	ClientID string
	SourceIP string
	Tool     string
	// Body is the serialized argument payload.
	Body string
	URL  string
}

// Event is one detection.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	ClientID string         `json:"client_id,omitempty"`
	SourceIP string         `json:"source_ip,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Detail   string         `json:"detail"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Verdict is the outcome of one inspection.
type Verdict struct {
	Threat bool
	// Blocked is set when the ladder selected block or quarantine; the
	// dispatcher must reject the request.
	Blocked bool
	Action  Action
	Events  []Event
}

// Indicator tracks one recurring threat observation.
type Indicator struct {
	Type       string    `json:"type"` // ip | hash | domain | pattern | behavior
	Value      string    `json:"value"`
	Confidence int       `json:"confidence"`
	Source     string    `json:"source"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Count      int       `json:"count"`
}

// LadderRule maps a minimum severity to a mitigation action. Rules are
// evaluated in order; the first match wins.
type LadderRule struct {
	MinSeverity Severity
	Action      Action
}

// Config tunes the monitor.
type Config struct {
	Enabled bool
	// SuspiciousPatterns maps rule name to a case-insensitive regex applied
	// to body and URL.
	SuspiciousPatterns map[string]string
	BlockDuration      time.Duration
	// BaselineMinEvents is the observation count below which the behavioral
	// baseline stays silent.
	BaselineMinEvents int
	Ladder            []LadderRule
}

type compiledRule struct {
	name  string
	regex *regexp.Regexp
}

type blockEntry struct {
	until  time.Time
	reason string
}

// baseline is one client's hourly request histogram.
type baseline struct {
	hours map[int64]int // unix hour -> count
	total int
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg        Config
	configured []compiledRule
	builtins   []compiledRule
	builtinSev map[string]Severity

	mu         sync.Mutex
	blocklist  map[string]blockEntry
	baselines  map[string]*baseline
	indicators map[string]*Indicator

	log *logging.Logger
	bus bus.Bus
	now func() time.Time
}

// defaultLadder blocks critical detections and alerts on high.
var defaultLadder = []LadderRule{
	{MinSeverity: SeverityCritical, Action: ActionBlock},
	{MinSeverity: SeverityHigh, Action: ActionAlert},
	{MinSeverity: SeverityLow, Action: ActionLog},
}

func New(cfg Config, log *logging.Logger, b bus.Bus) *Monitor {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if cfg.BaselineMinEvents <= 0 {
		cfg.BaselineMinEvents = 10
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = defaultLadder
	}

	m := &Monitor{
		cfg:        cfg,
		builtinSev: make(map[string]Severity, len(builtinInjections)),
		blocklist:  make(map[string]blockEntry),
		baselines:  make(map[string]*baseline),
		indicators: make(map[string]*Indicator),
		log:        log.Named("security"),
		bus:        b,
		now:        time.Now,
	}
	for name, expr := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			m.log.Warn(context.Background(), "skipping invalid suspicious pattern",
				zap.String("rule", name), zap.Error(err))
			continue
		}
		m.configured = append(m.configured, compiledRule{name: name, regex: re})
	}
	for _, bi := range builtinInjections {
		re, err := regexp.Compile(bi.pattern)
		if err != nil {
			continue
		}
		m.builtins = append(m.builtins, compiledRule{name: bi.name, regex: re})
		m.builtinSev[bi.name] = bi.severity
	}
	return m
}

// Inspect evaluates one request and applies the escalation ladder to the
// worst detection. Disabled monitors allow everything.
func (m *Monitor) Inspect(ctx context.Context, req Request) Verdict {
	if !m.cfg.Enabled {
		return Verdict{}
	}
	now := m.now()
	var events []Event

	if req.SourceIP != "" && m.isBlocked(req.SourceIP, now) {
		events = append(events, m.newEvent(req, "blocklist", SeverityCritical,
			fmt.Sprintf("source %s is blocklisted", req.SourceIP), nil))
	}

	haystack := req.Body
	if req.URL != "" {
		haystack += "\n" + req.URL
	}
	for _, rule := range m.configured {
		if match := rule.regex.FindString(haystack); match != "" {
			events = append(events, m.newEvent(req, "suspicious-pattern", SeverityCritical,
				fmt.Sprintf("matched configured rule %q", rule.name),
				map[string]any{"rule": rule.name, "match": truncate(match)}))
			m.observeIndicator("pattern", rule.name, "configured")
		}
	}
	for _, rule := range m.builtins {
		if match := rule.regex.FindString(haystack); match != "" {
			events = append(events, m.newEvent(req, "injection", m.builtinSev[rule.name],
				fmt.Sprintf("matched injection rule %q", rule.name),
				map[string]any{"rule": rule.name, "match": truncate(match)}))
			m.observeIndicator("pattern", rule.name, "builtin")
		}
	}
	if ev, ok := m.observeBaseline(req, now); ok {
		events = append(events, ev)
	}

	if len(events) == 0 {
		return Verdict{}
	}

	worst := events[0].Severity
	for _, ev := range events[1:] {
		if severityRank(ev.Severity) > severityRank(worst) {
			worst = ev.Severity
		}
	}
	action := m.actionFor(worst)

	verdict := Verdict{Threat: true, Action: action, Events: events}
	if action == ActionBlock || action == ActionQuarantine {
		verdict.Blocked = true
		if req.SourceIP != "" {
			m.Block(req.SourceIP, events[0].Type, m.cfg.BlockDuration)
		}
	}

	for _, ev := range events {
		m.log.Warn(ctx, "security detection",
			zap.String("type", ev.Type),
			zap.String("severity", string(ev.Severity)),
			zap.String("client_id", ev.ClientID),
			zap.String("tool", ev.Tool),
			zap.String("detail", ev.Detail),
			zap.String("action", string(action)))
		bus.Emit(ctx, m.bus, bus.TopicSecurityEvent, "security", map[string]any{
			"event_id": ev.ID,
			"type":     ev.Type,
			"severity": string(ev.Severity),
			"client":   ev.ClientID,
			"tool":     ev.Tool,
			"detail":   ev.Detail,
			"action":   string(action),
		})
	}
	return verdict
}

func (m *Monitor) actionFor(sev Severity) Action {
	for _, rule := range m.cfg.Ladder {
		if severityRank(sev) >= severityRank(rule.MinSeverity) {
			return rule.Action
		}
	}
	return ActionLog
}

func (m *Monitor) newEvent(req Request, typ string, sev Severity, detail string, meta map[string]any) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     typ,
		Severity: sev,
		ClientID: req.ClientID,
		SourceIP: req.SourceIP,
		Tool:     req.Tool,
		Detail:   detail,
		Metadata: meta,
		At:       m.now(),
	}
}

// Block adds ip to the blocklist until now+duration.
func (m *Monitor) Block(ip, reason string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocklist[ip] = blockEntry{until: m.now().Add(duration), reason: reason}
	m.observeIndicatorLocked("ip", ip, reason)
}

func (m *Monitor) isBlocked(ip string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.blocklist[ip]
	if !ok {
		return false
	}
	if now.After(entry.until) {
		delete(m.blocklist, ip)
		return false
	}
	return true
}

// Blocklist snapshots the active entries.
func (m *Monitor) Blocklist() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]time.Time)
	for ip, entry := range m.blocklist {
		if now.After(entry.until) {
			delete(m.blocklist, ip)
			continue
		}
		out[ip] = entry.until
	}
	return out
}

// observeBaseline folds the request into the client's hourly histogram and
// flags a deviation above twice the historical hourly average.
func (m *Monitor) observeBaseline(req Request, now time.Time) (Event, bool) {
	if req.ClientID == "" {
		return Event{}, false
	}
	m.mu.Lock()
	bl, ok := m.baselines[req.ClientID]
	if !ok {
		bl = &baseline{hours: make(map[int64]int)}
		m.baselines[req.ClientID] = bl
	}
	hour := now.Unix() / 3600
	bl.hours[hour]++
	bl.total++

	if bl.total < m.cfg.BaselineMinEvents || len(bl.hours) < 2 {
		m.mu.Unlock()
		return Event{}, false
	}
	avg := float64(bl.total) / float64(len(bl.hours))
	current := float64(bl.hours[hour])
	m.mu.Unlock()

	if current <= 2*avg {
		return Event{}, false
	}
	deviation := current / avg
	confidence := int(deviation * 20)
	if confidence > 100 {
		confidence = 100
	}
	m.observeIndicator("behavior", req.ClientID, "baseline")
	return m.newEvent(req, "behavioral-anomaly", SeverityMedium,
		fmt.Sprintf("hourly request count %.0f exceeds 2x baseline %.1f", current, avg),
		map[string]any{"confidence": confidence, "deviation": deviation}), true
}

func (m *Monitor) observeIndicator(typ, value, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeIndicatorLocked(typ, value, source)
}

// observeIndicatorLocked raises confidence by 5 per recurrence, capped at 100.
func (m *Monitor) observeIndicatorLocked(typ, value, source string) {
	key := typ + ":" + value
	now := m.now()
	ind, ok := m.indicators[key]
	if !ok {
		m.indicators[key] = &Indicator{
			Type: typ, Value: value, Confidence: 50, Source: source,
			FirstSeen: now, LastSeen: now, Count: 1,
		}
		return
	}
	ind.Count++
	ind.LastSeen = now
	if ind.Confidence += 5; ind.Confidence > 100 {
		ind.Confidence = 100
	}
}

// Indicators snapshots the accumulated threat indicators.
func (m *Monitor) Indicators() []Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Indicator, 0, len(m.indicators))
	for _, ind := range m.indicators {
		out = append(out, *ind)
	}
	return out
}

func truncate(s string) string {
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain holds the collectors every hot path touches, declared once so the
// call sites stay allocation-free. Each write is mirrored into the sample
// store through track so threshold watchers see the same values Prometheus
// exposes.
type Domain struct {
	reg *Registry

	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	eventsWritten *prometheus.CounterVec
	eventBytes    prometheus.Histogram
	bridgeStarts  *prometheus.CounterVec
	responses     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	securityHits  *prometheus.CounterVec
	alertsFired   *prometheus.CounterVec
	queueDepth    prometheus.Gauge

	toolCallCounts map[string]float64
}

func newDomain(promReg *prometheus.Registry, r *Registry) *Domain {
	d := &Domain{
		reg: r,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_tool_duration_seconds",
			Help:    "Tool handler latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool"}),
		eventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_events_written_total",
			Help: "Durable event files committed to the drop-zone.",
		}, []string{"type"}),
		eventBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcp_event_bytes",
			Help:    "Serialized event sizes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		bridgeStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_starts_total",
			Help: "Bridge start attempts by result.",
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_responses_total",
			Help: "Response records surfaced by view.",
		}, []string{"view"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_rate_limited_total",
			Help: "Requests rejected by the limiter, by window scope.",
		}, []string{"scope"}),
		securityHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_security_events_total",
			Help: "Security monitor detections by type and severity.",
		}, []string{"type", "severity"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_alerts_total",
			Help: "Alerting engine transitions by state.",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_notification_queue_depth",
			Help: "Pending alert notifications.",
		}),
		toolCallCounts: make(map[string]float64),
	}
	promReg.MustRegister(
		d.toolCalls, d.toolDuration, d.eventsWritten, d.eventBytes,
		d.bridgeStarts, d.responses, d.rateLimited, d.securityHits,
		d.alertsFired, d.queueDepth,
	)
	return d
}

// ToolCall records one dispatcher invocation.
func (d *Domain) ToolCall(tool, outcome string, elapsed time.Duration) {
	d.toolCalls.WithLabelValues(tool, outcome).Inc()
	d.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())

	d.reg.mu.Lock()
	key := tool + "\x00" + outcome
	d.toolCallCounts[key]++
	count := d.toolCallCounts[key]
	d.reg.mu.Unlock()
	d.reg.track("mcp_tool_calls_total", Labels{"tool": tool, "outcome": outcome}, count)
	d.reg.track("mcp_tool_duration_seconds", Labels{"tool": tool}, elapsed.Seconds())
}

// EventWritten records one committed event file.
func (d *Domain) EventWritten(eventType string, size int) {
	d.eventsWritten.WithLabelValues(eventType).Inc()
	d.eventBytes.Observe(float64(size))
	d.reg.track("mcp_event_bytes", nil, float64(size))
}

// BridgeStart records one start attempt outcome (started | failed).
func (d *Domain) BridgeStart(result string) {
	d.bridgeStarts.WithLabelValues(result).Inc()
}

// Responses records how many records a view surfaced.
func (d *Domain) Responses(view string, n int) {
	if n <= 0 {
		return
	}
	d.responses.WithLabelValues(view).Add(float64(n))
}

// RateLimited records one limiter rejection.
func (d *Domain) RateLimited(scope string) {
	d.rateLimited.WithLabelValues(scope).Inc()
}

// SecurityHit records one monitor detection.
func (d *Domain) SecurityHit(eventType, severity string) {
	d.securityHits.WithLabelValues(eventType, severity).Inc()
}

// AlertTransition records one alert state change (firing | resolved | suppressed).
func (d *Domain) AlertTransition(state string) {
	d.alertsFired.WithLabelValues(state).Inc()
}

// QueueDepth publishes the alert notification backlog.
func (d *Domain) QueueDepth(n int) {
	d.queueDepth.Set(float64(n))
	d.reg.track("mcp_notification_queue_depth", nil, float64(n))
}

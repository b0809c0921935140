package bridge

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cctelegram/mcp-bridge/internal/httppool"
)

// Status is the bridge view assembled from the health and metrics
// endpoints.
type Status struct {
	Running              bool       `json:"running"`
	Health               string     `json:"health"` // healthy | degraded | unhealthy | unknown
	UptimeSeconds        float64    `json:"uptime_seconds"`
	EventsProcessed      int64      `json:"events_processed"`
	TelegramMessagesSent int64      `json:"telegram_messages_sent"`
	ErrorCount           int64      `json:"error_count"`
	MemoryMB             float64    `json:"memory_mb"`
	CPUPct               float64    `json:"cpu_pct"`
	LastEventTime        *time.Time `json:"last_event_time,omitempty"`
}

type healthResponse struct {
	Status        string `json:"status"`
	LastEventTime string `json:"last_event_time"`
	BuildInfo     string `json:"build_info"`
}

// Status queries the bridge endpoints. A bridge that answers neither
// endpoint reports {running:false, health:unknown}; a running process whose
// health endpoint is down reports degraded.
func (m *Manager) Status(ctx context.Context) *Status {
	st := &Status{Health: "unknown"}

	var health healthResponse
	if err := m.pool.GetJSON(ctx, httppool.PurposeStatus, m.cfg.HealthURL(), &health); err == nil {
		st.Running = true
		st.Health = coalesce(health.Status, "healthy")
		if ts, err := time.Parse(time.RFC3339, health.LastEventTime); err == nil {
			st.LastEventTime = &ts
		}
	} else if pids, err := FindPIDs(m.cfg.Executable); err == nil && len(pids) > 0 {
		st.Running = true
		st.Health = "degraded"
	}
	m.setCache(st.Running)
	if !st.Running {
		return st
	}

	if _, body, err := m.pool.Get(ctx, httppool.PurposeStatus, m.cfg.MetricsURL()); err == nil {
		applyMetrics(st, string(body))
	}
	return st
}

// applyMetrics folds the recognized series of the Prometheus exposition into
// the status. Unknown series are ignored.
func applyMetrics(st *Status, exposition string) {
	for _, line := range strings.Split(exposition, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := parseSample(line)
		if !ok {
			continue
		}
		switch name {
		case "process_uptime_seconds":
			st.UptimeSeconds = value
		case "events_processed_total":
			st.EventsProcessed = int64(value)
		case "telegram_messages_sent_total":
			st.TelegramMessagesSent = int64(value)
		case "errors_total":
			st.ErrorCount = int64(value)
		case "memory_usage_bytes":
			st.MemoryMB = value / (1 << 20)
		case "cpu_usage_percent":
			st.CPUPct = value
		}
	}
}

// parseSample splits one exposition line into metric name (labels dropped)
// and value.
func parseSample(line string) (string, float64, bool) {
	sep := strings.LastIndexByte(line, ' ')
	if sep <= 0 {
		return "", 0, false
	}
	name := line[:sep]
	if brace := strings.IndexByte(name, '{'); brace >= 0 {
		name = name[:brace]
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(line[sep+1:]), 64)
	if err != nil {
		return "", 0, false
	}
	return strings.TrimSpace(name), value, true
}

func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

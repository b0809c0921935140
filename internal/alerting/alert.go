// Package alerting turns threshold violations, security detections, and
// health transitions into managed alerts: fingerprint deduplication,
// suppression, escalation, and multi-channel notification dispatch.
package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Severity grades an alert.
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

// Status is the alert lifecycle position. Permitted transitions:
// firing→resolved, firing→acknowledged, firing→suppressed, resolved→firing.
type Status string

const (
	StatusFiring       Status = "firing"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
	StatusAcknowledged Status = "acknowledged"
)

// Alert is one managed alert instance.
type Alert struct {
	ID          string   `json:"id"`
	Rule        string   `json:"rule"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	Metric         string            `json:"metric"`
	CurrentValue   float64           `json:"current_value"`
	ThresholdValue float64           `json:"threshold_value"`
	Duration       time.Duration     `json:"duration_ms"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`

	Fingerprint       string   `json:"fingerprint"`
	EscalationLevel   int      `json:"escalation_level"`
	Channels          []string `json:"channels"`
	SuppressionReason string   `json:"suppression_reason,omitempty"`

	// notified tracks channels already used for this alert so escalation
	// never double-sends.
	notified map[string]bool
}

// active reports whether the alert occupies its fingerprint slot.
func (a *Alert) active() bool { return a.Status != StatusResolved }

// fingerprint is the 16-character dedup key over rule, metric, source, and
// the sorted label set.
func fingerprint(rule, metric, source string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rule)
	b.WriteByte('|')
	b.WriteString(metric)
	b.WriteByte('|')
	b.WriteString(source)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

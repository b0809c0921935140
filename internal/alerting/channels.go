package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"

	"github.com/slack-go/slack"
	"gopkg.in/yaml.v2"

	"github.com/cctelegram/mcp-bridge/internal/httppool"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	// Accepts reports whether the channel wants alerts of this severity.
	Accepts(sev Severity) bool
	Send(ctx context.Context, a *Alert) error
}

// EventSink lets the telegram channel hand alerts to the outbound event
// pipeline without importing it (the pipeline depends on alerting's
// consumers transitively via the bus).
type EventSink interface {
	NotifyAlert(ctx context.Context, title, description string, data map[string]any) error
}

// ChannelConfig is one declarative channel entry.
type ChannelConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"` // telegram | email | slack | webhook | pagerduty
	Severities []Severity        `yaml:"severities"`
	Settings   map[string]string `yaml:"settings"`
}

type channelsDoc struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// LoadChannels parses the declarative channels document. An empty path
// yields an empty set.
func LoadChannels(path string) ([]ChannelConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels %s: %w", path, err)
	}
	var doc channelsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse channels %s: %w", path, err)
	}
	return doc.Channels, nil
}

// BuildChannels constructs channel implementations from their configs.
func BuildChannels(cfgs []ChannelConfig, sink EventSink, pool *httppool.Pool) ([]Channel, error) {
	out := make([]Channel, 0, len(cfgs))
	for _, cfg := range cfgs {
		base := baseChannel{name: cfg.Name, severities: cfg.Severities}
		switch cfg.Type {
		case "telegram":
			out = append(out, &telegramChannel{baseChannel: base, sink: sink})
		case "email":
			out = append(out, &emailChannel{
				baseChannel: base,
				addr:        cfg.Settings["addr"],
				from:        cfg.Settings["from"],
				to:          strings.Split(cfg.Settings["to"], ","),
				username:    cfg.Settings["username"],
				password:    cfg.Settings["password"],
			})
		case "slack":
			out = append(out, &slackChannel{baseChannel: base, webhookURL: cfg.Settings["webhook_url"]})
		case "webhook":
			out = append(out, &webhookChannel{baseChannel: base, url: cfg.Settings["url"], pool: pool})
		case "pagerduty":
			out = append(out, &pagerdutyChannel{baseChannel: base, routingKey: cfg.Settings["routing_key"], pool: pool})
		default:
			return nil, fmt.Errorf("channel %q: unknown type %q", cfg.Name, cfg.Type)
		}
	}
	return out, nil
}

type baseChannel struct {
	name       string
	severities []Severity
}

func (c baseChannel) Name() string { return c.name }

func (c baseChannel) Accepts(sev Severity) bool {
	if len(c.severities) == 0 {
		return true
	}
	for _, s := range c.severities {
		if s == sev {
			return true
		}
	}
	return false
}

// telegramChannel routes the alert through the event pipeline so the
// external bridge delivers it like any other notification.
type telegramChannel struct {
	baseChannel
	sink EventSink
}

func (c *telegramChannel) Send(ctx context.Context, a *Alert) error {
	if c.sink == nil {
		return fmt.Errorf("telegram channel %q has no event sink", c.name)
	}
	return c.sink.NotifyAlert(ctx, a.Title, a.Description, map[string]any{
		"severity":      string(a.Severity),
		"current_value": a.CurrentValue,
		"threshold":     a.ThresholdValue,
		"rule":          a.Rule,
		"fingerprint":   a.Fingerprint,
	})
}

type emailChannel struct {
	baseChannel
	addr     string // host:port
	from     string
	to       []string
	username string
	password string
}

func (c *emailChannel) Send(_ context.Context, a *Alert) error {
	if c.addr == "" || c.from == "" || len(c.to) == 0 {
		return fmt.Errorf("email channel %q is missing addr/from/to", c.name)
	}
	var auth smtp.Auth
	if c.username != "" {
		host := c.addr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", c.username, c.password, host)
	}
	body := fmt.Sprintf("To: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n\r\nmetric=%s current=%.4g threshold=%.4g status=%s\r\n",
		strings.Join(c.to, ", "), strings.ToUpper(string(a.Severity)), a.Title,
		a.Description, a.Metric, a.CurrentValue, a.ThresholdValue, a.Status)
	err := smtp.SendMail(c.addr, auth, c.from, c.to, []byte(body))
	if err != nil {
		return resilience.MarkTransient(err)
	}
	return nil
}

type slackChannel struct {
	baseChannel
	webhookURL string
}

func (c *slackChannel) Send(ctx context.Context, a *Alert) error {
	if c.webhookURL == "" {
		return fmt.Errorf("slack channel %q has no webhook_url", c.name)
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*[%s]* %s", strings.ToUpper(string(a.Severity)), a.Title),
		Attachments: []slack.Attachment{{
			Color: slackColor(a.Severity),
			Text:  a.Description,
			Fields: []slack.AttachmentField{
				{Title: "Metric", Value: a.Metric, Short: true},
				{Title: "Current", Value: fmt.Sprintf("%.4g", a.CurrentValue), Short: true},
				{Title: "Threshold", Value: fmt.Sprintf("%.4g", a.ThresholdValue), Short: true},
				{Title: "Status", Value: string(a.Status), Short: true},
			},
		}},
	}
	if err := slack.PostWebhookContext(ctx, c.webhookURL, msg); err != nil {
		return resilience.MarkTransient(err)
	}
	return nil
}

func slackColor(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "danger"
	case SeverityHigh:
		return "warning"
	default:
		return "#439FE0"
	}
}

type webhookChannel struct {
	baseChannel
	url  string
	pool *httppool.Pool
}

func (c *webhookChannel) Send(ctx context.Context, a *Alert) error {
	if c.url == "" {
		return fmt.Errorf("webhook channel %q has no url", c.name)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return postJSON(ctx, c.pool, c.url, payload)
}

type pagerdutyChannel struct {
	baseChannel
	routingKey string
	pool       *httppool.Pool
}

const pagerdutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func (c *pagerdutyChannel) Send(ctx context.Context, a *Alert) error {
	if c.routingKey == "" {
		return fmt.Errorf("pagerduty channel %q has no routing_key", c.name)
	}
	action := "trigger"
	if a.Status == StatusResolved {
		action = "resolve"
	}
	payload, err := json.Marshal(map[string]any{
		"routing_key":  c.routingKey,
		"event_action": action,
		"dedup_key":    a.Fingerprint,
		"payload": map[string]any{
			"summary":  a.Title,
			"source":   "cctelegram-mcp",
			"severity": pagerdutySeverity(a.Severity),
			"custom_details": map[string]any{
				"description":   a.Description,
				"metric":        a.Metric,
				"current_value": a.CurrentValue,
				"threshold":     a.ThresholdValue,
			},
		},
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, c.pool, pagerdutyEventsURL, payload)
}

// pagerdutySeverity maps to the Events API enum (no "high" or "medium").
func pagerdutySeverity(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "error"
	case SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

func postJSON(ctx context.Context, pool *httppool.Pool, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := pool.Client(httppool.PurposeDefault).Do(req)
	if err != nil {
		return resilience.MarkTransient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return resilience.MarkTransient(fmt.Errorf("%s returned %d", url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}

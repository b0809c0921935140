package alerting

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Rule declares when a signal becomes an alert and where it goes.
type Rule struct {
	Name        string            `yaml:"name"`
	Metric      string            `yaml:"metric"`
	Source      string            `yaml:"source,omitempty"`
	Condition   string            `yaml:"condition"` // gt | gte | lt | lte | eq | ne
	Threshold   float64           `yaml:"threshold"`
	Severity    Severity          `yaml:"severity"`
	Title       string            `yaml:"title,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Channels    []string          `yaml:"channels"`
	Labels      map[string]string `yaml:"labels,omitempty"`

	Escalation  []EscalationLevel `yaml:"escalation,omitempty"`
	Suppression []SuppressionCond `yaml:"suppression,omitempty"`
}

// EscalationLevel adds channels once the alert has been firing for Delay.
type EscalationLevel struct {
	DelayS   int      `yaml:"delay_s"`
	Channels []string `yaml:"channels"`
}

func (l EscalationLevel) Delay() time.Duration { return time.Duration(l.DelayS) * time.Second }

// SuppressionCond silences a matching alert. Operator is one of equals,
// contains, regex, gt, lt; Field addresses an alert field, a label, or an
// annotation.
type SuppressionCond struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
}

func (c SuppressionCond) matches(a *Alert) bool {
	fieldValue := alertField(a, c.Field)
	switch c.Operator {
	case "equals":
		return fieldValue == c.Value
	case "contains":
		return fieldValue != "" && strings.Contains(fieldValue, c.Value)
	case "regex":
		re, err := regexp.Compile(c.Value)
		return err == nil && re.MatchString(fieldValue)
	case "gt", "lt":
		have, err1 := strconv.ParseFloat(fieldValue, 64)
		want, err2 := strconv.ParseFloat(c.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if c.Operator == "gt" {
			return have > want
		}
		return have < want
	default:
		return false
	}
}

func alertField(a *Alert, field string) string {
	switch field {
	case "rule":
		return a.Rule
	case "metric":
		return a.Metric
	case "severity":
		return string(a.Severity)
	case "title":
		return a.Title
	case "current_value":
		return strconv.FormatFloat(a.CurrentValue, 'f', -1, 64)
	default:
		if v, ok := a.Labels[field]; ok {
			return v
		}
		return a.Annotations[field]
	}
}

// compare applies the rule condition to value vs threshold.
func (r Rule) compare(value float64) bool {
	switch r.Condition {
	case "gt":
		return value > r.Threshold
	case "gte":
		return value >= r.Threshold
	case "lt":
		return value < r.Threshold
	case "lte":
		return value <= r.Threshold
	case "eq":
		return value == r.Threshold
	case "ne":
		return value != r.Threshold
	default:
		return false
	}
}

type rulesDoc struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules parses the declarative rules document. An empty path yields an
// empty set.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var doc rulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	for i := range doc.Rules {
		if doc.Rules[i].Name == "" || doc.Rules[i].Condition == "" {
			return nil, fmt.Errorf("rule %d: name and condition are required", i)
		}
		if doc.Rules[i].Severity == "" {
			doc.Rules[i].Severity = SeverityMedium
		}
	}
	return doc.Rules, nil
}

// Package events defines the outbound notification record and the pipeline
// that persists it durably into the events drop-zone consumed by the
// external delivery bridge.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks schema violations so callers can separate caller
// mistakes from infrastructure failures.
var ErrInvalid = errors.New("invalid event")

// Type enumerates the recognized event categories.
type Type string

const (
	TypeTaskCompletion    Type = "task_completion"
	TypeTaskStarted       Type = "task_started"
	TypeTaskFailed        Type = "task_failed"
	TypeTaskProgress      Type = "task_progress"
	TypeCodeGeneration    Type = "code_generation"
	TypeCodeAnalysis      Type = "code_analysis"
	TypeCodeRefactoring   Type = "code_refactoring"
	TypeBuildCompleted    Type = "build_completed"
	TypeBuildFailed       Type = "build_failed"
	TypeTestSuiteRun      Type = "test_suite_run"
	TypeLintCheck         Type = "lint_check"
	TypePerformanceAlert  Type = "performance_alert"
	TypeErrorOccurred     Type = "error_occurred"
	TypeSystemHealth      Type = "system_health"
	TypeApprovalRequest   Type = "approval_request"
	TypeInfoNotification  Type = "info_notification"
	TypeAlertNotification Type = "alert_notification"
	TypeProgressUpdate    Type = "progress_update"
	TypeUserResponse      Type = "user_response"
)

// Types lists every recognized type, in the order surfaced by
// list_event_types.
var Types = []Type{
	TypeTaskCompletion, TypeTaskStarted, TypeTaskFailed, TypeTaskProgress,
	TypeCodeGeneration, TypeCodeAnalysis, TypeCodeRefactoring,
	TypeBuildCompleted, TypeBuildFailed, TypeTestSuiteRun, TypeLintCheck,
	TypePerformanceAlert, TypeErrorOccurred, TypeSystemHealth,
	TypeApprovalRequest, TypeInfoNotification, TypeAlertNotification,
	TypeProgressUpdate, TypeUserResponse,
}

// Valid reports whether t is a recognized type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// severities are the recognized data.severity values.
var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
)

// Event is the outbound notification record. Field order here is the serialized key
// order; the consumer relies on event_id and task_id both being present.
type Event struct {
	EventID     string         `json:"event_id"`
	TaskID      string         `json:"task_id"`
	Type        Type           `json:"type"`
	Source      string         `json:"source"`
	Timestamp   time.Time      `json:"timestamp"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Normalize assigns missing identity and timestamp fields: the event id
// inherits the task id when the caller supplied one, otherwise a fresh UUID;
// the task id defaults to the event id so both are always set.
func (e *Event) Normalize(now time.Time) {
	if e.EventID == "" {
		if e.TaskID != "" {
			e.EventID = e.TaskID
		} else {
			e.EventID = uuid.NewString()
		}
	}
	if e.TaskID == "" {
		e.TaskID = e.EventID
	}
	if e.Source == "" {
		e.Source = "agent"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
}

// Validate checks the schema constraints. Normalize must run first.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalid, e.Type)
	}
	if e.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if len(e.Title) > maxTitleLen {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, maxTitleLen)
	}
	if len(e.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalid, maxDescriptionLen)
	}
	if sev, ok := e.Data["severity"].(string); ok && !severities[sev] {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalid, sev)
	}
	return nil
}

// Filename is the drop-zone name: <event_id>_<epoch_ms>.json, where the
// epoch comes from the event timestamp so the consumer sees best-effort
// arrival order.
func (e *Event) Filename() string {
	return fmt.Sprintf("%s_%d.json", e.EventID, e.Timestamp.UnixMilli())
}

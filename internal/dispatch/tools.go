package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cctelegram/mcp-bridge/internal/bridge"
	"github.com/cctelegram/mcp-bridge/internal/events"
	"github.com/cctelegram/mcp-bridge/internal/responses"
	"github.com/cctelegram/mcp-bridge/internal/tasks"
)

// Capabilities gate tool groups per client.
const (
	CapEventsWrite     = "events:write"
	CapEventsRead      = "events:read"
	CapBridgeManage    = "bridge:manage"
	CapBridgeRead      = "bridge:read"
	CapResponsesRead   = "responses:read"
	CapResponsesManage = "responses:manage"
	CapTasksRead       = "tasks:read"
)

// Deps are the domain collaborators the tool handlers close over.
type Deps struct {
	Events    *events.Pipeline
	Bridge    *bridge.Manager
	Responses *responses.Engine
	Tasks     *tasks.Aggregator
}

// typeEnum renders the event type list as a JSON string array for schema
// embedding.
func typeEnum() string {
	quoted := make([]string, len(events.Types))
	for i, t := range events.Types {
		quoted[i] = `"` + string(t) + `"`
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// RegisterAll installs the complete tool surface into the registry.
func RegisterAll(r *Registry, deps Deps) error {
	type entry struct {
		name        string
		description string
		capability  string
		schema      string
		handler     Handler
	}
	table := []entry{
		{
			"send_event",
			"Send a structured notification event to Telegram",
			CapEventsWrite,
			`{
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ` + typeEnum() + `},
					"title": {"type": "string", "minLength": 1, "maxLength": 200},
					"description": {"type": "string", "maxLength": 2000},
					"task_id": {"type": "string"},
					"source": {"type": "string"},
					"data": {"type": "object"}
				},
				"required": ["type", "title"],
				"additionalProperties": false
			}`,
			deps.sendEvent,
		},
		{
			"send_message",
			"Send a plain text message to Telegram",
			CapEventsWrite,
			`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "minLength": 1, "maxLength": 2000},
					"source": {"type": "string"}
				},
				"required": ["message"],
				"additionalProperties": false
			}`,
			deps.sendMessage,
		},
		{
			"send_task_completion",
			"Notify that a task finished, with results and affected files",
			CapEventsWrite,
			`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1, "maxLength": 200},
					"results": {"type": "string", "maxLength": 2000},
					"files_affected": {"type": "array", "items": {"type": "string"}},
					"duration_ms": {"type": "number", "minimum": 0}
				},
				"required": ["task_id", "title"],
				"additionalProperties": false
			}`,
			deps.sendTaskCompletion,
		},
		{
			"send_performance_alert",
			"Send a performance alert with the measured value and threshold",
			CapEventsWrite,
			`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "minLength": 1, "maxLength": 200},
					"current_value": {"type": "number"},
					"threshold": {"type": "number"},
					"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
				},
				"required": ["title", "current_value", "threshold"],
				"additionalProperties": false
			}`,
			deps.sendPerformanceAlert,
		},
		{
			"send_approval_request",
			"Ask the Telegram user to approve or deny an action",
			CapEventsWrite,
			`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "minLength": 1, "maxLength": 200},
					"description": {"type": "string", "maxLength": 2000},
					"options": {"type": "array", "items": {"type": "string"}, "minItems": 1}
				},
				"required": ["title"],
				"additionalProperties": false
			}`,
			deps.sendApprovalRequest,
		},
		{
			"start_bridge",
			"Start the bridge process if it is not already running",
			CapBridgeManage,
			`{"type": "object", "properties": {}, "additionalProperties": false}`,
			deps.startBridge,
		},
		{
			"stop_bridge",
			"Stop all running bridge processes",
			CapBridgeManage,
			`{"type": "object", "properties": {}, "additionalProperties": false}`,
			deps.stopBridge,
		},
		{
			"restart_bridge",
			"Stop the bridge, start it again, and wait for readiness",
			CapBridgeManage,
			`{"type": "object", "properties": {}, "additionalProperties": false}`,
			deps.restartBridge,
		},
		{
			"ensure_bridge_running",
			"Start the bridge only when the health probe fails",
			CapBridgeManage,
			`{"type": "object", "properties": {}, "additionalProperties": false}`,
			deps.ensureBridge,
		},
		{
			"check_bridge_process",
			"Check whether a bridge process is alive",
			CapBridgeRead,
			`{"type": "object", "properties": {}, "additionalProperties": false}`,
			deps.checkBridgeProcess,
		},
		{
			"get_bridge_status",
			"Report bridge health and runtime metrics",
			CapBridgeRead,
			`{"type": "object", "properties": {}, "additionalProperties": false}`,
			deps.getBridgeStatus,
		},
		{
			"get_responses",
			"List the most recent user responses, newest first",
			CapResponsesRead,
			`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"additionalProperties": false
			}`,
			deps.getResponses,
		},
		{
			"process_pending",
			"Extract actionable approvals and denials from recent responses",
			CapResponsesRead,
			`{
				"type": "object",
				"properties": {
					"since_minutes": {"type": "integer", "minimum": 1, "maximum": 1440}
				},
				"additionalProperties": false
			}`,
			deps.processPending,
		},
		{
			"clear_old_responses",
			"Delete response files older than the given age",
			CapResponsesManage,
			`{
				"type": "object",
				"properties": {
					"older_than_hours": {"type": "integer", "minimum": 1}
				},
				"additionalProperties": false
			}`,
			deps.clearOldResponses,
		},
		{
			"list_event_types",
			"List available event types, optionally filtered by category",
			CapEventsRead,
			`{
				"type": "object",
				"properties": {
					"category": {"type": "string", "enum": ["task", "code", "build", "system", "notification"]}
				},
				"additionalProperties": false
			}`,
			deps.listEventTypes,
		},
		{
			"get_task_status",
			"Summarize task tracker status across taskmaster and todos",
			CapTasksRead,
			`{
				"type": "object",
				"properties": {
					"project_root": {"type": "string"},
					"task_system": {"type": "string", "enum": ["taskmaster", "todos", "both"]},
					"status_filter": {"type": "string"},
					"summary_only": {"type": "boolean"}
				},
				"additionalProperties": false
			}`,
			deps.getTaskStatus,
		},
	}

	for _, e := range table {
		if err := r.Register(e.name, e.description, e.capability, e.schema, e.handler); err != nil {
			return err
		}
	}
	return nil
}

// send wraps pipeline delivery into the uniform success shape.
func (d Deps) send(ctx context.Context, ev *events.Event) (any, error) {
	res, err := d.Events.Send(ctx, ev)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":   true,
		"event_id":  res.EventID,
		"file_path": res.FilePath,
		"type":      string(ev.Type),
	}, nil
}

func (d Deps) sendEvent(ctx context.Context, req *Request) (any, error) {
	var args struct {
		Type        string         `json:"type"`
		Title       string         `json:"title"`
		Description string         `json:"description"`
		TaskID      string         `json:"task_id"`
		Source      string         `json:"source"`
		Data        map[string]any `json:"data"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	return d.send(ctx, &events.Event{
		Type:        events.Type(args.Type),
		Title:       args.Title,
		Description: args.Description,
		TaskID:      args.TaskID,
		Source:      args.Source,
		Data:        args.Data,
	})
}

func (d Deps) sendMessage(ctx context.Context, req *Request) (any, error) {
	return d.send(ctx, &events.Event{
		Type:        events.TypeInfoNotification,
		Title:       "Message",
		Description: req.String("message"),
		Source:      req.String("source"),
	})
}

func (d Deps) sendTaskCompletion(ctx context.Context, req *Request) (any, error) {
	var args struct {
		TaskID        string   `json:"task_id"`
		Title         string   `json:"title"`
		Results       string   `json:"results"`
		FilesAffected []string `json:"files_affected"`
		DurationMS    float64  `json:"duration_ms"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	data := map[string]any{"status": "completed"}
	if args.Results != "" {
		data["results"] = args.Results
	}
	if len(args.FilesAffected) > 0 {
		data["files_affected"] = args.FilesAffected
	}
	if args.DurationMS > 0 {
		data["duration_ms"] = args.DurationMS
	}
	return d.send(ctx, &events.Event{
		Type:        events.TypeTaskCompletion,
		TaskID:      args.TaskID,
		Title:       args.Title,
		Description: args.Results,
		Data:        data,
	})
}

func (d Deps) sendPerformanceAlert(ctx context.Context, req *Request) (any, error) {
	severity := req.String("severity")
	if severity == "" {
		severity = "medium"
	}
	current := req.Float("current_value", 0)
	threshold := req.Float("threshold", 0)
	return d.send(ctx, &events.Event{
		Type:  events.TypePerformanceAlert,
		Title: req.String("title"),
		Description: fmt.Sprintf("Current value %.2f exceeds threshold %.2f",
			current, threshold),
		Data: map[string]any{
			"current_value": current,
			"threshold":     threshold,
			"severity":      severity,
		},
	})
}

func (d Deps) sendApprovalRequest(ctx context.Context, req *Request) (any, error) {
	var args struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Options     []string `json:"options"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if len(args.Options) == 0 {
		args.Options = []string{"Approve", "Deny"}
	}
	return d.send(ctx, &events.Event{
		Type:        events.TypeApprovalRequest,
		Title:       args.Title,
		Description: args.Description,
		Data: map[string]any{
			"requires_response": true,
			"response_options":  args.Options,
		},
	})
}

func (d Deps) startBridge(ctx context.Context, req *Request) (any, error) {
	action, err := d.Bridge.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"success": true, "message": "bridge " + string(action)}
	if pids, err := d.Bridge.Processes(); err == nil && len(pids) > 0 {
		out["pid"] = pids[0]
	}
	return out, nil
}

func (d Deps) stopBridge(ctx context.Context, req *Request) (any, error) {
	count, err := d.Bridge.Stop(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":           true,
		"message":           fmt.Sprintf("stopped %d bridge process(es)", count),
		"stopped_processes": count,
	}, nil
}

func (d Deps) restartBridge(ctx context.Context, req *Request) (any, error) {
	pid, err := d.Bridge.Restart(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "bridge restarted", "pid": pid}, nil
}

func (d Deps) ensureBridge(ctx context.Context, req *Request) (any, error) {
	action, err := d.Bridge.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "action": string(action)}, nil
}

func (d Deps) checkBridgeProcess(ctx context.Context, req *Request) (any, error) {
	pids, err := d.Bridge.Processes()
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"running":    len(pids) > 0,
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	}
	if len(pids) > 0 {
		out["pids"] = pids
	}
	return out, nil
}

func (d Deps) getBridgeStatus(ctx context.Context, req *Request) (any, error) {
	return d.Bridge.Status(ctx), nil
}

func (d Deps) getResponses(ctx context.Context, req *Request) (any, error) {
	return d.Responses.List(ctx, req.Int("limit", 10))
}

func (d Deps) processPending(ctx context.Context, req *Request) (any, error) {
	since := time.Duration(req.Int("since_minutes", 10)) * time.Minute
	return d.Responses.ProcessPending(ctx, since)
}

func (d Deps) clearOldResponses(ctx context.Context, req *Request) (any, error) {
	age := time.Duration(req.Int("older_than_hours", 24)) * time.Hour
	return d.Responses.ClearOlderThan(ctx, age)
}

// typeCategories groups event types for listing.
var typeCategories = map[events.Type]string{
	events.TypeTaskCompletion:    "task",
	events.TypeTaskStarted:       "task",
	events.TypeTaskFailed:        "task",
	events.TypeTaskProgress:      "task",
	events.TypeCodeGeneration:    "code",
	events.TypeCodeAnalysis:      "code",
	events.TypeCodeRefactoring:   "code",
	events.TypeBuildCompleted:    "build",
	events.TypeBuildFailed:       "build",
	events.TypeTestSuiteRun:      "build",
	events.TypeLintCheck:         "build",
	events.TypePerformanceAlert:  "system",
	events.TypeErrorOccurred:     "system",
	events.TypeSystemHealth:      "system",
	events.TypeApprovalRequest:   "notification",
	events.TypeInfoNotification:  "notification",
	events.TypeAlertNotification: "notification",
	events.TypeProgressUpdate:    "notification",
	events.TypeUserResponse:      "notification",
}

func (d Deps) listEventTypes(ctx context.Context, req *Request) (any, error) {
	filter := req.String("category")
	type item struct {
		Type     string `json:"type"`
		Category string `json:"category"`
	}
	items := make([]item, 0, len(events.Types))
	for _, t := range events.Types {
		cat := typeCategories[t]
		if filter != "" && cat != filter {
			continue
		}
		items = append(items, item{Type: string(t), Category: cat})
	}
	return map[string]any{"count": len(items), "event_types": items}, nil
}

func (d Deps) getTaskStatus(ctx context.Context, req *Request) (any, error) {
	return d.Tasks.Status(ctx, tasks.Query{
		ProjectRoot:  req.String("project_root"),
		System:       req.String("task_system"),
		StatusFilter: req.String("status_filter"),
		SummaryOnly:  req.Bool("summary_only", false),
	})
}

// Package tasks reads task records from external trackers (read-only) and
// merges them into a status summary: the taskmaster tasks.json with its
// hierarchical subtasks flattened, and the flat todos directory. A missing
// tracker is reported, never fatal.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cctelegram/mcp-bridge/internal/fsbatch"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/sanitize"
)

// Canonical status buckets.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

// Task is one normalized record.
type Task struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
	System   string `json:"system"` // taskmaster | todos
}

// Counts buckets tasks by canonical status.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
	Total      int `json:"total"`
}

func (c *Counts) add(status string) {
	c.Total++
	switch status {
	case StatusPending:
		c.Pending++
	case StatusInProgress:
		c.InProgress++
	case StatusCompleted:
		c.Completed++
	case StatusBlocked:
		c.Blocked++
	}
}

// TrackerView is one tracker's contribution.
type TrackerView struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Counts    Counts `json:"counts"`
	Tasks     []Task `json:"tasks,omitempty"`
}

// Config locates the trackers.
type Config struct {
	// TaskmasterRelPath is resolved against the project root.
	TaskmasterRelPath string
	// TodosDir is an absolute directory of todo JSON files.
	TodosDir string
}

// Aggregator is safe for concurrent use; it holds no mutable state.
type Aggregator struct {
	cfg Config
	fs  *fsbatch.Optimizer
	log *logging.Logger
}

func NewAggregator(cfg Config, fs *fsbatch.Optimizer, log *logging.Logger) *Aggregator {
	if cfg.TaskmasterRelPath == "" {
		cfg.TaskmasterRelPath = filepath.Join(".taskmaster", "tasks", "tasks.json")
	}
	return &Aggregator{cfg: cfg, fs: fs, log: log.Named("tasks")}
}

// Query selects what to read and how much to return.
type Query struct {
	ProjectRoot  string
	System       string // taskmaster | todos | both (default both)
	StatusFilter string
	SummaryOnly  bool
}

// Status merges the requested trackers into one result.
func (a *Aggregator) Status(ctx context.Context, q Query) (map[string]any, error) {
	if q.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		q.ProjectRoot = wd
	}
	system := q.System
	if system == "" {
		system = "both"
	}
	if q.StatusFilter != "" {
		q.StatusFilter = normalizeStatus(q.StatusFilter)
	}

	trackers := make(map[string]TrackerView, 2)
	var combined Counts

	if system == "taskmaster" || system == "both" {
		view := a.readTaskmaster(q)
		trackers["taskmaster"] = view
		combined = merge(combined, view.Counts)
	}
	if system == "todos" || system == "both" {
		view := a.readTodos(ctx, q)
		trackers["todos"] = view
		combined = merge(combined, view.Counts)
	}
	if len(trackers) == 0 {
		return nil, fmt.Errorf("unknown task system %q", q.System)
	}

	out := map[string]any{
		"project_root": q.ProjectRoot,
		"trackers":     trackers,
		"combined":     combined,
	}
	if q.StatusFilter != "" {
		out["status_filter"] = q.StatusFilter
	}
	return out, nil
}

func merge(a, b Counts) Counts {
	return Counts{
		Pending:    a.Pending + b.Pending,
		InProgress: a.InProgress + b.InProgress,
		Completed:  a.Completed + b.Completed,
		Blocked:    a.Blocked + b.Blocked,
		Total:      a.Total + b.Total,
	}
}

// taskmasterTask mirrors the tracker's file schema. IDs may be numbers.
type taskmasterTask struct {
	ID       json.Number      `json:"id"`
	Title    string           `json:"title"`
	Status   string           `json:"status"`
	Priority string           `json:"priority"`
	Subtasks []taskmasterTask `json:"subtasks,omitempty"`
}

// readTaskmaster loads tasks.json live from the project and flattens
// subtasks into synthetic <parent>.<child> ids.
func (a *Aggregator) readTaskmaster(q Query) TrackerView {
	path := filepath.Join(q.ProjectRoot, a.cfg.TaskmasterRelPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return TrackerView{Available: false, Reason: fmt.Sprintf("no taskmaster file at %s", path)}
	}

	roots, err := parseTaskmaster(data)
	if err != nil {
		return TrackerView{Available: false, Reason: "malformed taskmaster file: " + err.Error()}
	}

	view := TrackerView{Available: true}
	for _, t := range roots {
		flattenTaskmaster(t, "", &view, q)
	}
	return view
}

// parseTaskmaster accepts both layouts: a top-level {"tasks": [...]} and the
// tagged {"<tag>": {"tasks": [...]}} form.
func parseTaskmaster(data []byte) ([]taskmasterTask, error) {
	var flat struct {
		Tasks []taskmasterTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &flat); err == nil && len(flat.Tasks) > 0 {
		return flat.Tasks, nil
	}

	var tagged map[string]struct {
		Tasks []taskmasterTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, err
	}
	var all []taskmasterTask
	for _, tag := range tagged {
		all = append(all, tag.Tasks...)
	}
	return all, nil
}

func flattenTaskmaster(t taskmasterTask, parentID string, view *TrackerView, q Query) {
	id := t.ID.String()
	if parentID != "" {
		id = parentID + "." + id
	}
	status := normalizeStatus(t.Status)
	if q.StatusFilter == "" || q.StatusFilter == status {
		view.Counts.add(status)
		if !q.SummaryOnly {
			view.Tasks = append(view.Tasks, Task{
				ID:       id,
				ParentID: parentID,
				Title:    t.Title,
				Status:   status,
				Priority: t.Priority,
				System:   "taskmaster",
			})
		}
	}
	for _, sub := range t.Subtasks {
		flattenTaskmaster(sub, id, view, q)
	}
}

// todoItem mirrors one entry of a todos file.
type todoItem struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// readTodos loads every JSON file in the todos directory; each holds an
// array of items.
func (a *Aggregator) readTodos(ctx context.Context, q Query) TrackerView {
	dir := sanitize.ExpandHome(a.cfg.TodosDir)
	if dir == "" {
		return TrackerView{Available: false, Reason: "todos directory not configured"}
	}
	paths, err := a.fs.ListJSON(dir)
	if err != nil {
		return TrackerView{Available: false, Reason: "todos directory unreadable: " + err.Error()}
	}
	if len(paths) == 0 {
		return TrackerView{Available: false, Reason: fmt.Sprintf("no todo files in %s", dir)}
	}

	view := TrackerView{Available: true}
	for _, r := range a.fs.ReadAll(ctx, paths) {
		if r.Err != nil {
			continue
		}
		var items []todoItem
		if err := json.Unmarshal(r.Data, &items); err != nil {
			continue
		}
		for _, item := range items {
			status := normalizeStatus(item.Status)
			if q.StatusFilter != "" && q.StatusFilter != status {
				continue
			}
			view.Counts.add(status)
			if !q.SummaryOnly {
				id := item.ID
				if id == "" {
					id = strings.TrimSuffix(filepath.Base(r.Path), ".json")
				}
				view.Tasks = append(view.Tasks, Task{
					ID:       id,
					Title:    item.Content,
					Status:   status,
					Priority: item.Priority,
					System:   "todos",
				})
			}
		}
	}
	return view
}

// normalizeStatus folds tracker-specific vocabulary into the canonical
// buckets.
func normalizeStatus(s string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "done", "completed", "complete":
		return StatusCompleted
	case "in_progress", "active", "doing", "started":
		return StatusInProgress
	case "blocked", "deferred", "cancelled", "canceled":
		return StatusBlocked
	default:
		return StatusPending
	}
}

// Package responses surfaces user replies written by the external bridge
// into the responses drop-zone: a recency-ordered list view, an actionable
// approval/denial view over a time window, and an age-based cleanup.
// The contract is poll-based; every view rescans the directory on demand and
// tolerates concurrent deletion and malformed records.
package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/fsbatch"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// actionablePattern is the approval grammar. An empty task id after the
// prefix does not match.
var actionablePattern = regexp.MustCompile(`^(approve|deny)_(.+)$`)

// FlexID tolerates the bridge writing ids as JSON numbers or strings.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// Record is one response file written by the bridge.
type Record struct {
	ResponseID   string    `json:"response_id"`
	EventID      string    `json:"event_id,omitempty"`
	UserID       FlexID    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ResponseType string    `json:"response_type"` // text | callback_query | inline
	CallbackData string    `json:"callback_data,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	MessageID    FlexID    `json:"message_id,omitempty"`

	// Correlated is set when EventID matches an event this process sent.
	Correlated bool   `json:"correlated,omitempty"`
	file       string `json:"-"`
}

// ListView is the get_responses result.
type ListView struct {
	Count     int      `json:"count"`
	Total     int      `json:"total"`
	Skipped   int      `json:"skipped,omitempty"`
	Responses []Record `json:"responses"`
}

// Actionable is one approval/denial decision extracted from a callback.
type Actionable struct {
	Action    string    `json:"action"` // approve | deny
	TaskID    string    `json:"task_id"`
	UserID    FlexID    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Raw       Record    `json:"raw"`
}

// PendingSummary aggregates one process_pending pass.
type PendingSummary struct {
	Total         int `json:"total"`
	Actionable    int `json:"actionable"`
	Approvals     int `json:"approvals"`
	Denials       int `json:"denials"`
	Skipped       int `json:"skipped,omitempty"`
	WindowMinutes int `json:"window_minutes"`
}

// PendingView is the process_pending result.
type PendingView struct {
	Summary         PendingSummary `json:"summary"`
	Actionable      []Actionable   `json:"actionable"`
	Recommendations []string       `json:"recommendations"`
}

// CleanupResult is the clear_old_responses result.
type CleanupResult struct {
	DeletedCount int               `json:"deleted_count"`
	Failed       map[string]string `json:"failed,omitempty"`
}

// Correlator answers whether an event id belongs to a known outbound event.
type Correlator interface {
	Known(eventID string) bool
}

// Recorder receives view accounting (wired to the metrics domain).
type Recorder interface {
	Responses(view string, n int)
}

// Engine reads the responses drop-zone. Safe for concurrent use.
type Engine struct {
	dir  string
	fs   *fsbatch.Optimizer
	corr Correlator
	rec  Recorder
	log  *logging.Logger
	now  func() time.Time
}

func NewEngine(dir string, fs *fsbatch.Optimizer, corr Correlator, rec Recorder, log *logging.Logger) *Engine {
	return &Engine{
		dir:  dir,
		fs:   fs,
		corr: corr,
		rec:  rec,
		log:  log.Named("responses"),
		now:  time.Now,
	}
}

// List returns the newest limit records, newest first. Malformed files are
// skipped and counted, never fatal.
func (e *Engine) List(ctx context.Context, limit int) (*ListView, error) {
	if limit <= 0 {
		limit = 10
	}
	paths, err := e.fs.ListJSON(e.dir)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}

	records, skipped := e.load(ctx, paths)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	total := len(records)
	if len(records) > limit {
		records = records[:limit]
	}
	if e.rec != nil {
		e.rec.Responses("list", len(records))
	}
	return &ListView{Count: len(records), Total: total, Skipped: skipped, Responses: records}, nil
}

// ProcessPending extracts actionable approvals/denials from records whose
// file mtime falls inside the window.
func (e *Engine) ProcessPending(ctx context.Context, since time.Duration) (*PendingView, error) {
	if since <= 0 {
		since = 10 * time.Minute
	}
	cutoff := e.now().Add(-since)
	stats, err := e.fs.FilterByMtime(ctx, e.dir, cutoff, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("scan responses: %w", err)
	}
	paths := make([]string, 0, len(stats))
	for _, s := range stats {
		paths = append(paths, s.Path)
	}

	records, skipped := e.load(ctx, paths)
	view := &PendingView{
		Actionable: []Actionable{},
		Summary: PendingSummary{
			Total:         len(records),
			Skipped:       skipped,
			WindowMinutes: int(since / time.Minute),
		},
	}
	for _, r := range records {
		if r.ResponseType != "callback_query" {
			continue
		}
		m := actionablePattern.FindStringSubmatch(r.CallbackData)
		if m == nil {
			continue
		}
		action, taskID := m[1], m[2]
		view.Actionable = append(view.Actionable, Actionable{
			Action:    action,
			TaskID:    taskID,
			UserID:    r.UserID,
			Username:  r.Username,
			Timestamp: r.Timestamp,
			Raw:       r,
		})
		if action == "approve" {
			view.Summary.Approvals++
		} else {
			view.Summary.Denials++
		}
	}
	view.Summary.Actionable = len(view.Actionable)
	sort.Slice(view.Actionable, func(i, j int) bool {
		return view.Actionable[i].Timestamp.After(view.Actionable[j].Timestamp)
	})
	view.Recommendations = recommendations(view.Summary)
	if e.rec != nil {
		e.rec.Responses("pending", view.Summary.Actionable)
	}
	return view, nil
}

// ClearOlderThan unlinks records older than the cutoff. Per-file failures
// are collected, never fatal.
func (e *Engine) ClearOlderThan(ctx context.Context, age time.Duration) (*CleanupResult, error) {
	cutoff := e.now().Add(-age)
	old, err := e.fs.OlderThan(ctx, e.dir, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan responses: %w", err)
	}
	res := e.fs.Delete(ctx, old)

	out := &CleanupResult{DeletedCount: len(res.Deleted)}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for path, ferr := range res.Failed {
			out.Failed[filepath.Base(path)] = ferr.Error()
		}
	}
	e.log.Info(ctx, "cleared old responses",
		zap.Int("deleted", out.DeletedCount),
		zap.Int("failed", len(out.Failed)),
		zap.Duration("older_than", age))
	return out, nil
}

// load parses the batch, deduplicating on response id and skipping
// malformed or concurrently deleted files.
func (e *Engine) load(ctx context.Context, paths []string) (records []Record, skipped int) {
	seen := make(map[string]bool, len(paths))
	for _, r := range e.fs.ReadAll(ctx, paths) {
		if r.Err != nil {
			// Concurrent cleanup wins races; that is not corruption.
			continue
		}
		var rec Record
		if err := json.Unmarshal(r.Data, &rec); err != nil {
			skipped++
			e.log.Warn(ctx, "skipping malformed response record",
				zap.String("file", filepath.Base(r.Path)),
				zap.Error(err))
			continue
		}
		key := rec.ResponseID
		if key == "" {
			key = filepath.Base(r.Path)
		}
		if seen[key] {
			skipped++
			continue
		}
		seen[key] = true
		rec.file = r.Path
		if e.corr != nil && rec.EventID != "" {
			rec.Correlated = e.corr.Known(rec.EventID)
		}
		records = append(records, rec)
	}
	return records, skipped
}

func recommendations(s PendingSummary) []string {
	var recs []string
	if s.Approvals+s.Denials > 0 {
		recs = append(recs, "Process "+strconv.Itoa(s.Approvals+s.Denials)+
			" pending approval decision(s): "+strconv.Itoa(s.Approvals)+" approved, "+
			strconv.Itoa(s.Denials)+" denied")
	}
	if s.Total > 0 && s.Actionable == 0 {
		recs = append(recs, "No actionable responses in the window; widen since_minutes to look further back")
	}
	if s.Skipped > 0 {
		recs = append(recs, strconv.Itoa(s.Skipped)+" malformed or duplicate record(s) were skipped")
	}
	if len(recs) == 0 {
		recs = append(recs, "No pending responses")
	}
	return recs
}

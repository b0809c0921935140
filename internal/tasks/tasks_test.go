package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/fsbatch"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

const taskmasterDoc = `{
	"tasks": [
		{"id": 1, "title": "design", "status": "done"},
		{"id": 2, "title": "implement", "status": "in-progress", "subtasks": [
			{"id": 1, "title": "wire config", "status": "done"},
			{"id": 2, "title": "write tests", "status": "pending"}
		]},
		{"id": 3, "title": "ship", "status": "deferred"}
	]
}`

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	return NewAggregator(cfg, fsbatch.New(2, logging.NewNop()), logging.NewNop())
}

func writeTaskmaster(t *testing.T, root, doc string) {
	t.Helper()
	dir := filepath.Join(root, ".taskmaster", "tasks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.json"), []byte(doc), 0o644))
}

func TestTaskmasterFlattensSubtasks(t *testing.T) {
	root := t.TempDir()
	writeTaskmaster(t, root, taskmasterDoc)
	a := newTestAggregator(t, Config{})

	out, err := a.Status(context.Background(), Query{ProjectRoot: root, System: "taskmaster"})
	require.NoError(t, err)

	view := out["trackers"].(map[string]TrackerView)["taskmaster"]
	require.True(t, view.Available)
	assert.Equal(t, 5, view.Counts.Total)
	assert.Equal(t, 2, view.Counts.Completed)
	assert.Equal(t, 1, view.Counts.InProgress)
	assert.Equal(t, 1, view.Counts.Pending)
	assert.Equal(t, 1, view.Counts.Blocked)

	ids := map[string]string{}
	for _, task := range view.Tasks {
		ids[task.ID] = task.ParentID
	}
	assert.Contains(t, ids, "2.1")
	assert.Contains(t, ids, "2.2")
	assert.Equal(t, "2", ids["2.1"])
	assert.Equal(t, "", ids["2"])
}

func TestTaskmasterTaggedLayout(t *testing.T) {
	root := t.TempDir()
	writeTaskmaster(t, root, `{"master": {"tasks": [
		{"id": 1, "title": "only", "status": "pending"}
	]}}`)
	a := newTestAggregator(t, Config{})

	out, err := a.Status(context.Background(), Query{ProjectRoot: root, System: "taskmaster"})
	require.NoError(t, err)
	view := out["trackers"].(map[string]TrackerView)["taskmaster"]
	require.True(t, view.Available)
	assert.Equal(t, 1, view.Counts.Total)
}

func TestStatusFilter(t *testing.T) {
	root := t.TempDir()
	writeTaskmaster(t, root, taskmasterDoc)
	a := newTestAggregator(t, Config{})

	out, err := a.Status(context.Background(), Query{
		ProjectRoot: root, System: "taskmaster", StatusFilter: "completed",
	})
	require.NoError(t, err)

	view := out["trackers"].(map[string]TrackerView)["taskmaster"]
	assert.Equal(t, 2, view.Counts.Total)
	for _, task := range view.Tasks {
		assert.Equal(t, StatusCompleted, task.Status)
	}
}

func TestSummaryOnlyOmitsTasks(t *testing.T) {
	root := t.TempDir()
	writeTaskmaster(t, root, taskmasterDoc)
	a := newTestAggregator(t, Config{})

	out, err := a.Status(context.Background(), Query{
		ProjectRoot: root, System: "taskmaster", SummaryOnly: true,
	})
	require.NoError(t, err)

	view := out["trackers"].(map[string]TrackerView)["taskmaster"]
	assert.Equal(t, 5, view.Counts.Total)
	assert.Empty(t, view.Tasks)
}

func TestMissingTrackersReported(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(t, Config{TodosDir: filepath.Join(root, "missing-todos")})

	out, err := a.Status(context.Background(), Query{ProjectRoot: root})
	require.NoError(t, err)

	trackers := out["trackers"].(map[string]TrackerView)
	assert.False(t, trackers["taskmaster"].Available)
	assert.NotEmpty(t, trackers["taskmaster"].Reason)
	assert.False(t, trackers["todos"].Available)

	combined := out["combined"].(Counts)
	assert.Equal(t, 0, combined.Total)
}

func TestTodosDirectory(t *testing.T) {
	root := t.TempDir()
	todos := filepath.Join(root, "todos")
	require.NoError(t, os.MkdirAll(todos, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(todos, "session.json"), []byte(`[
		{"id": "t1", "content": "refactor", "status": "in_progress", "priority": "high"},
		{"id": "t2", "content": "cleanup", "status": "completed"}
	]`), 0o644))
	a := newTestAggregator(t, Config{TodosDir: todos})

	out, err := a.Status(context.Background(), Query{ProjectRoot: root, System: "todos"})
	require.NoError(t, err)

	view := out["trackers"].(map[string]TrackerView)["todos"]
	require.True(t, view.Available)
	assert.Equal(t, 2, view.Counts.Total)
	assert.Equal(t, 1, view.Counts.InProgress)
	assert.Equal(t, 1, view.Counts.Completed)
}

func TestCombinedMergesBothTrackers(t *testing.T) {
	root := t.TempDir()
	writeTaskmaster(t, root, `{"tasks": [{"id": 1, "title": "a", "status": "pending"}]}`)
	todos := filepath.Join(root, "todos")
	require.NoError(t, os.MkdirAll(todos, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(todos, "x.json"),
		[]byte(`[{"id": "t1", "content": "b", "status": "pending"}]`), 0o644))
	a := newTestAggregator(t, Config{TodosDir: todos})

	out, err := a.Status(context.Background(), Query{ProjectRoot: root})
	require.NoError(t, err)
	combined := out["combined"].(Counts)
	assert.Equal(t, 2, combined.Total)
	assert.Equal(t, 2, combined.Pending)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"done":        StatusCompleted,
		"Completed":   StatusCompleted,
		"in-progress": StatusInProgress,
		"active":      StatusInProgress,
		"deferred":    StatusBlocked,
		"cancelled":   StatusBlocked,
		"pending":     StatusPending,
		"weird":       StatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeStatus(in), in)
	}
}

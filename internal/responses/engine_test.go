package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/fsbatch"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

type knownSet map[string]bool

func (k knownSet) Known(id string) bool { return k[id] }

func newTestEngine(t *testing.T, corr Correlator) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e := NewEngine(dir, fsbatch.New(4, logging.NewNop()), corr, nil, logging.NewNop())
	return e, dir
}

func writeResponse(t *testing.T, dir, name string, rec map[string]any) string {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestListNewestFirstWithLimit(t *testing.T) {
	e, dir := newTestEngine(t, nil)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		writeResponse(t, dir, fmt.Sprintf("r%d.json", i), map[string]any{
			"response_id":   fmt.Sprintf("resp-%d", i),
			"user_id":       123,
			"response_type": "text",
			"message":       "hello",
			"timestamp":     base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		})
	}

	view, err := e.List(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 5, view.Total)
	require.Len(t, view.Responses, 3)
	assert.Equal(t, "resp-4", view.Responses[0].ResponseID)
	assert.Equal(t, "resp-2", view.Responses[2].ResponseID)
}

func TestListSkipsMalformedRecords(t *testing.T) {
	e, dir := newTestEngine(t, nil)
	writeResponse(t, dir, "good.json", map[string]any{
		"response_id": "ok", "user_id": "7", "response_type": "text",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	view, err := e.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Total)
	assert.Equal(t, 1, view.Skipped)
}

func TestListMarksCorrelatedResponses(t *testing.T) {
	e, dir := newTestEngine(t, knownSet{"ev-1": true})
	writeResponse(t, dir, "a.json", map[string]any{
		"response_id": "r1", "event_id": "ev-1", "user_id": 1,
		"response_type": "text", "timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	writeResponse(t, dir, "b.json", map[string]any{
		"response_id": "r2", "event_id": "ev-unknown", "user_id": 1,
		"response_type": "text", "timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	view, err := e.List(context.Background(), 10)
	require.NoError(t, err)
	byID := map[string]Record{}
	for _, r := range view.Responses {
		byID[r.ResponseID] = r
	}
	assert.True(t, byID["r1"].Correlated)
	assert.False(t, byID["r2"].Correlated)
}

func TestFlexIDAcceptsStringAndNumber(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"user_id": 42, "message_id": "m-9"}`), &rec))
	assert.Equal(t, FlexID("42"), rec.UserID)
	assert.Equal(t, FlexID("m-9"), rec.MessageID)
}

func TestProcessPendingExtractsDecisions(t *testing.T) {
	e, dir := newTestEngine(t, nil)
	now := time.Now().UTC()
	writeResponse(t, dir, "approve.json", map[string]any{
		"response_id": "r1", "user_id": 1, "response_type": "callback_query",
		"callback_data": "approve_deploy-7", "timestamp": now.Format(time.RFC3339),
	})
	writeResponse(t, dir, "deny.json", map[string]any{
		"response_id": "r2", "user_id": 1, "response_type": "callback_query",
		"callback_data": "deny_deploy-8", "timestamp": now.Format(time.RFC3339),
	})
	// Bare prefix with no task id is not actionable.
	writeResponse(t, dir, "bare.json", map[string]any{
		"response_id": "r3", "user_id": 1, "response_type": "callback_query",
		"callback_data": "approve_", "timestamp": now.Format(time.RFC3339),
	})
	// Text responses never match.
	writeResponse(t, dir, "text.json", map[string]any{
		"response_id": "r4", "user_id": 1, "response_type": "text",
		"message": "approve_deploy-9", "timestamp": now.Format(time.RFC3339),
	})

	view, err := e.ProcessPending(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Summary.Total)
	assert.Equal(t, 2, view.Summary.Actionable)
	assert.Equal(t, 1, view.Summary.Approvals)
	assert.Equal(t, 1, view.Summary.Denials)

	byTask := map[string]string{}
	for _, a := range view.Actionable {
		byTask[a.TaskID] = a.Action
	}
	assert.Equal(t, "approve", byTask["deploy-7"])
	assert.Equal(t, "deny", byTask["deploy-8"])
}

func TestProcessPendingWindowExcludesOldFiles(t *testing.T) {
	e, dir := newTestEngine(t, nil)
	now := time.Now().UTC()
	old := writeResponse(t, dir, "old.json", map[string]any{
		"response_id": "r-old", "user_id": 1, "response_type": "callback_query",
		"callback_data": "approve_stale", "timestamp": now.Add(-2 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	writeResponse(t, dir, "fresh.json", map[string]any{
		"response_id": "r-new", "user_id": 1, "response_type": "callback_query",
		"callback_data": "approve_live", "timestamp": now.Format(time.RFC3339),
	})

	view, err := e.ProcessPending(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, view.Actionable, 1)
	assert.Equal(t, "live", view.Actionable[0].TaskID)
}

func TestClearOlderThan(t *testing.T) {
	e, dir := newTestEngine(t, nil)
	now := time.Now()
	oldPath := writeResponse(t, dir, "old.json", map[string]any{"response_id": "r1", "user_id": 1})
	require.NoError(t, os.Chtimes(oldPath, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))
	freshPath := writeResponse(t, dir, "fresh.json", map[string]any{"response_id": "r2", "user_id": 1})

	res, err := e.ClearOlderThan(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Empty(t, res.Failed)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	assert.NoError(t, err)
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/logging"
)

type fakeGate struct{ err error }

func (g fakeGate) EnsureReady(context.Context) error { return g.err }

func newTestPipeline(t *testing.T, gate Gate) *Pipeline {
	t.Helper()
	return NewPipeline(Config{EventsDir: t.TempDir()}, gate, nil, nil, logging.NewNop())
}

func TestSendCommitsFile(t *testing.T) {
	p := newTestPipeline(t, fakeGate{})

	res, err := p.Send(context.Background(), &Event{
		Type:   TypeTaskCompletion,
		TaskID: "task-1",
		Title:  "built",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.EventID)

	data, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "task-1", got.EventID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, TypeTaskCompletion, got.Type)
	assert.False(t, got.Timestamp.IsZero())

	// No temp artifact survives the commit.
	entries, err := os.ReadDir(filepath.Dir(res.FilePath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestSendRejectsInvalidEvent(t *testing.T) {
	p := newTestPipeline(t, fakeGate{})

	_, err := p.Send(context.Background(), &Event{Type: "bogus", Title: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSendPropagatesGateFailure(t *testing.T) {
	gateErr := errors.New("bridge did not come up")
	p := newTestPipeline(t, fakeGate{err: gateErr})

	_, err := p.Send(context.Background(), &Event{Type: TypeInfoNotification, Title: "x"})
	assert.ErrorIs(t, err, gateErr)
}

func TestSendHonorsCanceledContext(t *testing.T) {
	p := newTestPipeline(t, fakeGate{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Send(ctx, &Event{Type: TypeInfoNotification, Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKnownTracksCommittedEvents(t *testing.T) {
	p := newTestPipeline(t, fakeGate{})

	res, err := p.Send(context.Background(), &Event{Type: TypeApprovalRequest, Title: "ok?"})
	require.NoError(t, err)

	assert.True(t, p.Known(res.EventID))
	assert.False(t, p.Known("never-sent"))
	assert.False(t, p.Known(""))
}

func TestKnownRingEvictsOldest(t *testing.T) {
	p := newTestPipeline(t, fakeGate{})

	first, err := p.Send(context.Background(), &Event{
		Type: TypeInfoNotification, TaskID: "first", Title: "x",
	})
	require.NoError(t, err)

	for i := 0; i < recentCapacity; i++ {
		_, err := p.Send(context.Background(), &Event{
			Type:   TypeInfoNotification,
			TaskID: fmt.Sprintf("filler-%d", i),
			Title:  "x",
		})
		require.NoError(t, err)
	}

	assert.False(t, p.Known(first.EventID))
	assert.True(t, p.Known(fmt.Sprintf("filler-%d", recentCapacity-1)))
}

func TestNotifyAlertEmitsAlertNotification(t *testing.T) {
	p := newTestPipeline(t, fakeGate{})

	require.NoError(t, p.NotifyAlert(context.Background(), "cpu high", "90% for 5m",
		map[string]any{"severity": "high"}))

	entries, err := os.ReadDir(p.cfg.EventsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(p.cfg.EventsDir, entries[0].Name()))
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeAlertNotification, got.Type)
	assert.Equal(t, "alerting", got.Source)
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/bufpool"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/sanitize"
)

// Gate blocks until the external bridge is ready to consume events.
type Gate interface {
	EnsureReady(ctx context.Context) error
}

// Recorder receives pipeline accounting (wired to the metrics domain).
type Recorder interface {
	EventWritten(eventType string, size int)
}

// Result is the successful outcome of one Send.
type Result struct {
	EventID  string `json:"event_id"`
	FilePath string `json:"file_path"`
}

// Config tunes the pipeline.
type Config struct {
	EventsDir string
	// PooledCutoff is the serialized size at and above which the write goes
	// through the buffer pool.
	PooledCutoff int
}

// Pipeline turns validated events into durable drop-zone files. The rename
// at the end of write is the commit point: a crashed call leaves at most a
// .tmp artifact the consumer never reads.
type Pipeline struct {
	cfg  Config
	gate Gate
	pool *bufpool.Pool
	rec  Recorder
	log  *logging.Logger
	now  func() time.Time

	// recent remembers committed event ids so response ingestion can mark
	// linkage to events the bridge has already consumed and deleted.
	recentMu   sync.Mutex
	recentIDs  map[string]struct{}
	recentRing []string
	recentHead int
}

const recentCapacity = 1024

func NewPipeline(cfg Config, gate Gate, pool *bufpool.Pool, rec Recorder, log *logging.Logger) *Pipeline {
	if cfg.PooledCutoff <= 0 {
		cfg.PooledCutoff = 1024
	}
	return &Pipeline{
		cfg:       cfg,
		gate:      gate,
		pool:      pool,
		rec:       rec,
		log:       log.Named("events"),
		now:       time.Now,
		recentIDs: make(map[string]struct{}, recentCapacity),
	}
}

// Send persists one event. It blocks on bridge readiness (cancelable via
// ctx), normalizes identity fields, and commits the file atomically.
func (p *Pipeline) Send(ctx context.Context, ev *Event) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.gate != nil {
		if err := p.gate.EnsureReady(ctx); err != nil {
			return nil, err
		}
	}

	ev.Normalize(p.now())
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize event %s: %w", ev.EventID, err)
	}
	payload = append(payload, '\n')

	if err := os.MkdirAll(p.cfg.EventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure events dir: %w", err)
	}
	finalPath, err := sanitize.ConfinePath(p.cfg.EventsDir, ev.Filename())
	if err != nil {
		return nil, err
	}

	// Large payloads stage through the pool unless it is shedding under
	// memory pressure.
	if p.pool != nil && len(payload) >= p.cfg.PooledCutoff && !p.pool.UnderPressure() {
		err = p.pool.WithBuffer(len(payload), func(buf *bufpool.Buffer) error {
			buf.B = append(buf.B, payload...)
			return writeAtomic(finalPath, buf.B)
		})
	} else {
		err = writeAtomic(finalPath, payload)
	}
	if err != nil {
		return nil, err
	}

	// Post-rename verification: the commit must be visible and non-empty.
	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("verify event file %s: %w", finalPath, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("event file %s is empty after commit", finalPath)
	}

	p.remember(ev.EventID)
	if p.rec != nil {
		p.rec.EventWritten(string(ev.Type), len(payload))
	}
	p.log.Info(ctx, "event committed",
		zap.String("event_id", ev.EventID),
		zap.String("type", string(ev.Type)),
		zap.Int("bytes", len(payload)))
	return &Result{EventID: ev.EventID, FilePath: finalPath}, nil
}

// NotifyAlert adapts the pipeline to the alerting channel contract: alerts
// leave the process as alert_notification events.
func (p *Pipeline) NotifyAlert(ctx context.Context, title, description string, data map[string]any) error {
	_, err := p.Send(ctx, &Event{
		Type:        TypeAlertNotification,
		Source:      "alerting",
		Title:       title,
		Description: description,
		Data:        data,
	})
	return err
}

// remember records an event id in the bounded recent-id ring.
func (p *Pipeline) remember(id string) {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	if _, ok := p.recentIDs[id]; ok {
		return
	}
	if len(p.recentRing) < recentCapacity {
		p.recentRing = append(p.recentRing, id)
	} else {
		delete(p.recentIDs, p.recentRing[p.recentHead])
		p.recentRing[p.recentHead] = id
		p.recentHead = (p.recentHead + 1) % recentCapacity
	}
	p.recentIDs[id] = struct{}{}
}

// Known reports whether this process committed an event with the given id.
func (p *Pipeline) Known(eventID string) bool {
	if eventID == "" {
		return false
	}
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	if _, ok := p.recentIDs[eventID]; ok {
		return true
	}
	return false
}

// writeAtomic writes data to path via a fsynced temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

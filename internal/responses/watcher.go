package responses

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// Watcher keeps a warm index of the responses drop-zone and announces new
// arrivals on the bus. It is an optimization only: the engine's views rescan
// the directory on every call, so missed notifications cost latency, not
// correctness.
type Watcher struct {
	dir string
	fw  *fsnotify.Watcher
	log *logging.Logger
	bus bus.Bus

	mu       sync.Mutex
	known    map[string]time.Time // filename -> first seen
	lastSeen time.Time

	done chan struct{}
}

func NewWatcher(dir string, log *logging.Logger, b bus.Bus) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		dir:   dir,
		fw:    fw,
		log:   log.Named("responsewatch"),
		bus:   b,
		known: make(map[string]time.Time),
		done:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				w.mu.Lock()
				_, seen := w.known[name]
				now := time.Now()
				w.known[name] = now
				w.lastSeen = now
				w.mu.Unlock()
				if !seen {
					bus.Emit(context.Background(), w.bus, bus.TopicResponseReceived, "responses",
						map[string]any{"file": name})
				}
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				w.mu.Lock()
				delete(w.known, name)
				w.mu.Unlock()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn(context.Background(), "watch error", zap.Error(err))
		}
	}
}

// Stats reports the warm index size and last arrival time.
func (w *Watcher) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := map[string]any{"indexed": len(w.known)}
	if !w.lastSeen.IsZero() {
		out["last_seen"] = w.lastSeen.UTC().Format(time.RFC3339)
	}
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

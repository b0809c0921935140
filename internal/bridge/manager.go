package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cctelegram/mcp-bridge/internal/buildinfo"
	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/config"
	"github.com/cctelegram/mcp-bridge/internal/httppool"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// readySchedule is the poll backoff inside waitForReady, capped at its last
// entry.
var readySchedule = []time.Duration{
	100 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond,
	1 * time.Second, 2 * time.Second, 4 * time.Second,
}

// startDelays spaces the start-with-retry attempts.
var startDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Recorder receives start accounting (wired to the metrics domain).
type Recorder interface {
	BridgeStart(result string)
}

// cachedRunning is the cached {running, cached_at} view.
type cachedRunning struct {
	running  bool
	cachedAt time.Time
}

// Manager drives the external bridge lifecycle. EnsureReady is single-flight:
// overlapping callers collapse onto one start attempt and share its outcome.
type Manager struct {
	cfg  config.BridgeConfig
	pool *httppool.Pool
	log  *logging.Logger
	bus  bus.Bus
	rec  Recorder

	flight singleflight.Group

	mu    sync.Mutex
	cache *cachedRunning

	now func() time.Time
}

func NewManager(cfg config.BridgeConfig, pool *httppool.Pool, log *logging.Logger, b bus.Bus, rec Recorder) *Manager {
	return &Manager{
		cfg:  cfg,
		pool: pool,
		log:  log.Named("bridge"),
		bus:  b,
		rec:  rec,
		now:  time.Now,
	}
}

// IsRunningCached answers from the cache when it is younger than the TTL,
// probing otherwise.
func (m *Manager) IsRunningCached(ctx context.Context) bool {
	m.mu.Lock()
	if m.cache != nil && m.now().Sub(m.cache.cachedAt) <= m.cfg.StatusTTL() {
		running := m.cache.running
		m.mu.Unlock()
		return running
	}
	m.mu.Unlock()
	return m.Probe(ctx)
}

// Probe checks the health endpoint; on failure it falls back to a process
// listing by executable name. The result refreshes the cache.
func (m *Manager) Probe(ctx context.Context) bool {
	running := m.probeHealth(ctx)
	if !running {
		if pids, err := FindPIDs(m.cfg.Executable); err == nil && len(pids) > 0 {
			running = true
		}
	}
	m.setCache(running)
	return running
}

// Processes lists the pids of bridge processes currently alive, matched by
// executable name.
func (m *Manager) Processes() ([]int, error) {
	return FindPIDs(m.cfg.Executable)
}

func (m *Manager) probeHealth(ctx context.Context) bool {
	status, _, err := m.pool.Get(ctx, httppool.PurposeStatus, m.cfg.HealthURL())
	return err == nil && status >= 200 && status <= 299
}

func (m *Manager) setCache(running bool) {
	m.mu.Lock()
	m.cache = &cachedRunning{running: running, cachedAt: m.now()}
	m.mu.Unlock()
}

func (m *Manager) clearCache() {
	m.mu.Lock()
	m.cache = nil
	m.mu.Unlock()
}

// EnsureAction describes what EnsureReady did.
type EnsureAction string

const (
	ActionAlreadyRunning EnsureAction = "already_running"
	ActionStarted        EnsureAction = "started"
	ActionFailed         EnsureAction = "failed"
)

// EnsureReady guarantees a ready bridge on return. Concurrent callers share
// one in-flight start; each still honors its own deadline while waiting.
func (m *Manager) EnsureReady(ctx context.Context) error {
	_, err := m.Ensure(ctx)
	return err
}

// Ensure is EnsureReady reporting which path was taken.
func (m *Manager) Ensure(ctx context.Context) (EnsureAction, error) {
	if m.probeHealth(ctx) {
		m.setCache(true)
		return ActionAlreadyRunning, nil
	}

	ch := m.flight.DoChan("ensure", func() (any, error) {
		return nil, m.startWithRetry(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return ActionFailed, res.Err
		}
		if res.Shared {
			return ActionAlreadyRunning, nil
		}
		return ActionStarted, nil
	case <-ctx.Done():
		return ActionFailed, ctx.Err()
	}
}

// startWithRetry runs up to StartRetries attempts of start + waitForReady
// with widening delays.
func (m *Manager) startWithRetry(ctx context.Context) error {
	m.clearCache()
	attempts := m.cfg.StartRetries
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pid, err := m.Start(ctx)
		if err == nil {
			if err = m.waitForReady(ctx); err == nil {
				m.setCache(true)
				if m.rec != nil {
					m.rec.BridgeStart("started")
				}
				m.log.Info(ctx, "bridge ready", zap.Int("pid", pid), zap.Int("attempt", attempt))
				bus.Emit(ctx, m.bus, bus.TopicBridgeLifecycle, "bridge", map[string]any{
					"action": "started", "pid": pid, "attempt": attempt,
				})
				go m.versionSyncCheck(context.WithoutCancel(ctx))
				return nil
			}
		}
		lastErr = err
		if m.rec != nil {
			m.rec.BridgeStart("failed")
		}
		m.log.Warn(ctx, "bridge start attempt failed",
			zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))

		// Configuration and discovery problems will not heal by retrying.
		if isFatalStartErr(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := startDelays[min(attempt-1, len(startDelays)-1)]
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrStartFailed, attempts, lastErr)
}

func isFatalStartErr(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMisconfigured)
}

// Start locates the executable, resolves the bridge environment, and spawns
// the process detached. Readiness is confirmed separately.
func (m *Manager) Start(ctx context.Context) (int, error) {
	path, err := Discover(m.cfg.Executable)
	if err != nil {
		return 0, err
	}
	env, err := config.ResolveBridgeEnv(m.cfg.EnvFiles)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	m.clearCache()
	pid, err := Spawn(path, env.Environ())
	if err != nil {
		return 0, err
	}
	m.log.Info(ctx, "bridge spawned",
		zap.String("path", path),
		zap.Int("pid", pid),
		zap.String("env_source", env.Source))
	return pid, nil
}

// waitForReady polls the health endpoint on the backoff schedule until 2xx,
// the ready deadline, or cancellation.
func (m *Manager) waitForReady(ctx context.Context) error {
	maxWait := m.cfg.ReadyWait()
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	for i := 0; ; i++ {
		if m.probeHealth(ctx) {
			return nil
		}
		delay := readySchedule[min(i, len(readySchedule)-1)]
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("bridge not ready within %s: %w", maxWait, ctx.Err())
		}
	}
}

// Stop terminates running bridge processes, politely first. The cache is
// cleared so the next probe reflects reality.
func (m *Manager) Stop(ctx context.Context) (int, error) {
	count, err := Terminate(m.cfg.Executable, time.Second)
	m.clearCache()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.log.Info(ctx, "bridge stopped", zap.Int("terminated", count))
		bus.Emit(ctx, m.bus, bus.TopicBridgeLifecycle, "bridge", map[string]any{
			"action": "stopped", "terminated": count,
		})
	}
	return count, nil
}

// Restart is stop, a short cooldown, then start + ready wait.
func (m *Manager) Restart(ctx context.Context) (int, error) {
	if _, err := m.Stop(ctx); err != nil {
		return 0, err
	}
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	pid, err := m.Start(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.waitForReady(ctx); err != nil {
		return pid, err
	}
	m.setCache(true)
	return pid, nil
}

// versionSyncCheck compares the bridge's advertised build against our own;
// a mismatch is logged, never fatal.
func (m *Manager) versionSyncCheck(ctx context.Context) {
	var health struct {
		BuildInfo string `json:"build_info"`
	}
	if err := m.pool.GetJSON(ctx, httppool.PurposeStatus, m.cfg.HealthURL(), &health); err != nil {
		return
	}
	if health.BuildInfo == "" || buildinfo.Commit == "unknown" {
		return
	}
	if health.BuildInfo != buildinfo.Commit {
		m.log.Warn(ctx, "bridge build does not match core build",
			zap.String("bridge_build", health.BuildInfo),
			zap.String("core_build", buildinfo.Commit))
	}
}

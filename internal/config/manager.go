package config

import "sync"

// Manager holds the live configuration and notifies registered components
// when it is swapped. Components keep no config copies of their own; they
// re-read through Current or react in their reload hook.
type Manager struct {
	mu    sync.RWMutex
	cur   *Config
	hooks []func(*Config)
}

func NewManager(cfg *Config) *Manager {
	return &Manager{cur: cfg}
}

// Current returns the active configuration. Callers must treat it as
// read-only.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// OnReload registers a hook invoked with each new configuration.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Reload validates the candidate and swaps it in, then runs hooks outside
// the lock. An invalid candidate leaves the active config untouched.
func (m *Manager) Reload(candidate *Config) error {
	if err := Validate(candidate); err != nil {
		return err
	}

	m.mu.Lock()
	m.cur = candidate
	hooks := make([]func(*Config), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(candidate)
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Manager hands out immutable config snapshots. Reload swaps the
// snapshot atomically; in-flight calls keep the snapshot they bound at
// call start, new calls pick up the current one.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	log     *slog.Logger
}

func NewManager(path string, cfg Config, log *slog.Logger) *Manager {
	m := &Manager{path: path, log: log}
	m.current.Store(&cfg)
	return m
}

// Snapshot returns the configuration current at this instant. The
// returned value is shared and must be treated as read-only.
func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Reload re-reads the config file and swaps the snapshot. A file that
// fails to load or validate leaves the previous snapshot in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	m.current.Store(&cfg)
	m.log.Info("configuration reloaded", slog.String("path", m.path))
	return nil
}

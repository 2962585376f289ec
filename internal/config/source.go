package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nugget/ai-persona/internal/events"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// Source holds the live configuration snapshot. Readers call Current
// once per request and use that snapshot throughout; a reload swaps
// the pointer and never mutates a published Config.
type Source struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
	bus     *events.Bus

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewSource returns a Source serving cfg, reloadable from path. bus may
// be nil.
func NewSource(path string, cfg *Config, logger *slog.Logger, bus *events.Bus) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, logger: logger.With("component", "config"), bus: bus}
	s.current.Store(cfg)
	return s
}

// Static returns a Source that always serves cfg.
func Static(cfg *Config) *Source {
	return NewSource("", cfg, nil, nil)
}

// Current returns the active snapshot. Callers must not modify it.
func (s *Source) Current() *Config {
	return s.current.Load()
}

// Path returns the file the Source reloads from, or "".
func (s *Source) Path() string {
	return s.path
}

// OnChange registers fn to run after every successful reload with the
// new snapshot.
func (s *Source) OnChange(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the file. On error the previous snapshot stays live.
func (s *Source) Reload() error {
	if s.path == "" {
		return fmt.Errorf("config source has no file")
	}

	cfg, err := Load(s.path)
	if err != nil {
		s.logger.Warn("config reload rejected, keeping previous", "path", s.path, "error", err)
		s.bus.Emit(events.SourceConfig, events.KindReloadFailed, map[string]any{
			"path":  s.path,
			"error": err.Error(),
		})
		return err
	}

	s.current.Store(cfg)
	s.logger.Info("config reloaded", "path", s.path, "provider", cfg.Provider.Name)
	s.bus.Emit(events.SourceConfig, events.KindReloaded, map[string]any{
		"path":     s.path,
		"provider": cfg.Provider.Name,
	})

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the file changes, until ctx
// is cancelled. The containing directory is watched so that editors
// which replace the file by rename are handled.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir, base := filepath.Dir(s.path), filepath.Base(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Debug("watching config for changes", "path", s.path)

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)

		case <-timer.C:
			_ = s.Reload()
		}
	}
}

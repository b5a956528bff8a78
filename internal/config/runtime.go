package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Runtime holds the live configuration snapshot. Budget limits and
// parallelism can change while the daemon runs; admission reads them
// through here.
type Runtime struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	log  zerolog.Logger
}

// NewRuntime wraps an initial config loaded from path
func NewRuntime(cfg *Config, path string, log zerolog.Logger) *Runtime {
	return &Runtime{
		cfg:  cfg,
		path: path,
		log:  log.With().Str("component", "config").Logger(),
	}
}

// Snapshot returns the current config
func (r *Runtime) Snapshot() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Provider returns the configured AI provider name
func (r *Runtime) Provider() string {
	return r.Snapshot().Agent.Provider
}

// AgentConfigured reports whether an agent command is set
func (r *Runtime) AgentConfigured() bool {
	return r.Snapshot().Agent.Command != ""
}

// DefaultMaxParallel returns the fallback parallelism cap
func (r *Runtime) DefaultMaxParallel() int {
	n := r.Snapshot().General.DefaultMaxParallel
	if n <= 0 {
		n = 1
	}
	return n
}

// Limit returns the monthly budget limit for a provider, if one is
// configured
func (r *Runtime) Limit(provider string) (float64, bool) {
	limits := r.Snapshot().Budget.MonthlyLimitsUSD
	limit, ok := limits[provider]
	return limit, ok
}

// Watch reloads the config file whenever it changes, until ctx is
// done. Reload failures keep the previous snapshot.
func (r *Runtime) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(r.path)
			if err != nil {
				r.log.Warn().Err(err).Msg("config reload failed; keeping previous")
				continue
			}
			r.mu.Lock()
			r.cfg = cfg
			r.mu.Unlock()
			r.log.Info().Str("path", r.path).Msg("config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Package watcher reloads the proxy configuration when the config file
// changes on disk.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asyrjasalo/dynamic-mcp/internal/config"
	"github.com/asyrjasalo/dynamic-mcp/internal/logging"
	"github.com/asyrjasalo/dynamic-mcp/internal/mcp"
)

// Watcher watches the exact config file path and performs a
// stop-the-world resync on change: disconnect every group, then rebuild
// from the new config. A config that fails to load aborts the reload
// and leaves the running connections untouched.
type Watcher struct {
	path    string
	manager *mcp.Manager
	watcher *fsnotify.Watcher

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex

	reloadMu sync.Mutex
}

// New creates a watcher for the given config file path.
func New(path string, manager *mcp.Manager) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(absPath); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		path:    absPath,
		manager: manager,
		watcher: w,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching for config changes. ctx bounds the lifetime of
// reconnection work triggered by reloads.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often replace the file, which drops the watch.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.rearm()
			}
			logging.Info().Str("path", w.path).Str("op", ev.Op.String()).Msg("config file changed")
			if err := w.Reload(ctx); err != nil {
				logging.Error().Err(err).Msg("config reload failed, keeping previous connections")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("config watcher error")
		}
	}
}

// rearm re-establishes the watch after the file was replaced. Editors
// write a temp file and rename it over the original, so the new inode
// may take a moment to appear.
func (w *Watcher) rearm() {
	for i := 0; i < 10; i++ {
		if err := w.watcher.Add(w.path); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	logging.Error().Str("path", w.path).Msg("could not re-establish config watch")
}

// Reload loads and validates the config file, then rebuilds every
// group. Load or validation failure aborts the reload without touching
// the running connections. Concurrent reloads are serialized.
func (w *Watcher) Reload(ctx context.Context) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := config.Load(w.path)
	if err != nil {
		return err
	}

	w.manager.DisconnectAll()
	w.manager.ConnectAll(ctx, cfg.MCPServers)
	go w.manager.RetryBurst(ctx)

	logging.Info().Int("groups", len(cfg.MCPServers)).Msg("config reloaded")
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}

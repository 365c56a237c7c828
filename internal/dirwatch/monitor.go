// Package dirwatch watches the tunnel configuration directory and coalesces
// bursts of filesystem events into a single rescan callback.
package dirwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/treykane/tunnelkeeper/internal/config"
	"github.com/treykane/tunnelkeeper/internal/util"
)

// ErrDirRemoved is returned by Run when the watched directory itself goes away.
var ErrDirRemoved = errors.New("watched directory removed")

// Monitor invokes OnChange once per burst of config file changes.
type Monitor struct {
	dir      string
	debounce time.Duration
	onChange func()
	ready    chan struct{}
}

// New creates a monitor for dir. A non-positive debounce uses util.RescanDebounce.
func New(dir string, debounce time.Duration, onChange func()) *Monitor {
	if debounce <= 0 {
		debounce = util.RescanDebounce
	}
	return &Monitor{dir: filepath.Clean(dir), debounce: debounce, onChange: onChange, ready: make(chan struct{})}
}

// Ready is closed once the watch has been established.
func (m *Monitor) Ready() <-chan struct{} { return m.ready }

// Run watches until ctx is cancelled, returning nil in that case. It returns an
// error when the watch cannot be established or the directory is removed; the
// caller is expected to recreate the directory and call Run again on a new
// Monitor.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	close(m.ready)
	slog.Debug("watching tunnels directory", "dir", m.dir, "debounce", m.debounce)

	// Single pending-rescan slot: every relevant event re-arms the same timer.
	timer := time.NewTimer(0)
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
			if filepath.Clean(event.Name) == m.dir && event.Has(fsnotify.Remove|fsnotify.Rename) {
				return ErrDirRemoved
			}
			if !m.relevant(event) {
				continue
			}
			slog.Debug("tunnels directory changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(m.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tunnels directory watch error", "dir", m.dir, "error", err)

		case <-timer.C:
			if m.onChange != nil {
				m.onChange()
			}
		}
	}
}

func (m *Monitor) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return config.IsConfigFile(event.Name)
}

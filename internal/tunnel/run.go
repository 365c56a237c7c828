package tunnel

import (
	"context"
	"log/slog"
	"time"

	"github.com/treykane/tunnelkeeper/internal/config"
	"github.com/treykane/tunnelkeeper/internal/dirwatch"
	"github.com/treykane/tunnelkeeper/internal/util"
)

// watchRetryInterval is how long the monitor waits before re-establishing a
// failed directory watch.
const watchRetryInterval = 5 * time.Second

// Run performs an initial scan, then watches the tunnels directory and runs
// the periodic reconciler until ctx is cancelled. On return every tunnel has
// been asked to stop.
func (m *Manager) Run(ctx context.Context) error {
	_ = m.Rescan()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.watchLoop(ctx)
	}()

	interval := m.opts.ReconcileInterval
	if floor := time.Duration(util.MinReconcileSeconds) * time.Second; interval < floor {
		interval = floor
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			m.StopAll(true)
			return nil
		case <-ticker.C:
			m.Reconcile()
		}
	}
}

// watchLoop keeps a directory monitor alive, recreating the directory and
// rescanning whenever the watch is lost.
func (m *Manager) watchLoop(ctx context.Context) {
	for {
		mon := dirwatch.New(m.opts.TunnelsDir, m.opts.RescanDebounce, func() { _ = m.Rescan() })
		err := mon.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("tunnels directory watch stopped", "dir", m.opts.TunnelsDir, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetryInterval):
		}
		if err := config.EnsureDir(m.opts.TunnelsDir); err != nil {
			slog.Warn("tunnels directory unavailable", "dir", m.opts.TunnelsDir, "error", err)
		}
		_ = m.Rescan()
	}
}

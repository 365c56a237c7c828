package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnelkeeper/internal/config"
	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/metrics"
	"github.com/treykane/tunnelkeeper/internal/model"
)

// Rescan re-reads the tunnels directory and merges the result into the model.
//
// Metadata of known tunnels is refreshed without touching their status, new
// configs appear as stopped, and tunnels whose file disappeared are stopped
// synchronously before removal. A directory error becomes a standing
// condition reported until a later scan succeeds, and the declared set is
// treated as empty, so every known tunnel is stopped and removed. A reconcile
// pass follows every successful scan.
func (m *Manager) Rescan() error {
	res, err := config.ScanDir(m.opts.TunnelsDir)
	if err != nil {
		m.mu.Lock()
		changed := m.dirErr == nil || m.dirErr.Error() != err.Error()
		m.dirErr = err
		if changed {
			m.notifyLocked(events.LevelError, "Tunnels directory unavailable", err.Error())
		}
		m.warnings = nil
		gone := make([]string, 0, len(m.managed))
		for path := range m.managed {
			gone = append(gone, path)
		}
		m.mu.Unlock()

		for _, path := range gone {
			m.removeManaged(path)
		}
		m.bus.Publish(events.Event{Kind: events.KindRescan, Message: err.Error()})
		slog.Warn("tunnels directory scan failed", "dir", m.opts.TunnelsDir, "error", err, "removed", len(gone))
		return err
	}

	var removed []string
	m.mu.Lock()
	m.dirErr = nil
	m.warnings = res.Warnings
	for path, scanned := range res.Tunnels {
		cur, ok := m.managed[path]
		if !ok {
			t := scanned
			t.Status = model.StatusStopped
			t.StatusSince = time.Now()
			m.managed[path] = &t
			m.publishManaged(&t)
			continue
		}
		if mergeMetadata(cur, scanned) {
			m.publishManaged(cur)
		}
	}
	for path := range m.managed {
		if _, ok := res.Tunnels[path]; !ok {
			removed = append(removed, path)
		}
	}
	m.mu.Unlock()

	for _, path := range removed {
		m.removeManaged(path)
	}

	metrics.ObserveRescan()
	m.bus.Publish(events.Event{Kind: events.KindRescan, Message: fmt.Sprintf("%d tunnels", len(res.Tunnels))})
	slog.Debug("tunnels directory scanned", "dir", m.opts.TunnelsDir, "tunnels", len(res.Tunnels), "removed", len(removed), "warnings", len(res.Warnings))
	m.Reconcile()
	return nil
}

// mergeMetadata copies file-derived fields and reports whether any changed.
func mergeMetadata(dst *model.ManagedTunnel, src model.ManagedTunnel) bool {
	changed := dst.Name != src.Name ||
		dst.TunnelID != src.TunnelID ||
		dst.CredentialsFile != src.CredentialsFile ||
		dst.Hostname != src.Hostname ||
		dst.Service != src.Service ||
		dst.Port != src.Port
	dst.Name = src.Name
	dst.TunnelID = src.TunnelID
	dst.CredentialsFile = src.CredentialsFile
	dst.Hostname = src.Hostname
	dst.Service = src.Service
	dst.Port = src.Port
	return changed
}

func (m *Manager) removeManaged(path string) {
	unlock := m.lockKey(path)
	defer unlock()
	if err := m.stopLocked(path, true); err != nil {
		slog.Warn("failed to stop removed tunnel", "path", path, "error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.managed[path]
	if !ok {
		return
	}
	delete(m.managed, path)
	delete(m.stopping, path)
	m.publishManagedRemoved(t)
	slog.Info("tunnel config removed", "tunnel", t.Name, "path", path)
}

// StopAll stops every managed and quick tunnel in parallel, including
// registered processes that drifted out of the visible collections. Managed
// stops honor wait; quick stops are always asynchronous.
func (m *Manager) StopAll(wait bool) {
	m.mu.Lock()
	paths := make(map[string]bool, len(m.managed))
	for path := range m.managed {
		paths[path] = true
	}
	quickIDs := make(map[string]bool, len(m.quick))
	for id := range m.quick {
		quickIDs[id] = true
	}
	m.mu.Unlock()
	for _, key := range m.reg.Keys() {
		if id, ok := strings.CutPrefix(key, quickKeyPrefix); ok {
			quickIDs[id] = true
		} else {
			paths[key] = true
		}
	}

	var wg sync.WaitGroup
	for path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.lockKey(path)
			defer unlock()
			if err := m.stopLocked(path, wait); err != nil {
				slog.Warn("stop failed", "path", path, "error", err)
			}
		}()
	}
	for id := range quickIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.StopQuick(id); err != nil && !errors.Is(err, ErrNotFound) {
				slog.Warn("quick stop failed", "id", id, "error", err)
			}
		}()
	}
	wg.Wait()
}

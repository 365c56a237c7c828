package tunnel

import (
	"log/slog"
	"strings"
	"time"

	"github.com/treykane/tunnelkeeper/internal/metrics"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/registry"
)

// Drift cases corrected by Reconcile, also used as metric labels.
const (
	caseAdopt   = "adopt_live"
	casePID     = "pid_mismatch"
	caseDead    = "dead_handle"
	caseMissing = "missing_handle"
	caseStuck   = "stuck_stopping"
	caseOrphan  = "orphan_handle"
)

const unexpectedExitMsg = "unexpected termination"

// Reconcile audits every tunnel against the registry and corrects drift:
//
//  1. live handle, status not running/starting: promote to running
//  2. live handle, different pid: record the live pid
//  3. dead handle: drop it; running/starting become error, stopping becomes stopped
//  4. no handle, status running/starting/stopping: mark stopped
//
// A stopping tunnel whose stop is still in flight is left alone until its
// process dies or the stuck-stopping timeout passes. Registry entries with no
// tunnel behind them are terminated. Tunnels with an operation in progress are
// skipped for this pass.
func (m *Manager) Reconcile() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.managed))
	for path := range m.managed {
		paths = append(paths, path)
	}
	m.mu.Unlock()

	for _, path := range paths {
		unlock, ok := m.tryLockKey(path)
		if !ok {
			continue
		}
		m.reconcileManaged(path)
		unlock()
	}
	m.reconcileQuick()
	m.reapOrphans()

	m.mu.Lock()
	m.updateRunningGauge()
	m.mu.Unlock()
}

func (m *Manager) reconcileManaged(path string) {
	h, registered := m.reg.Lookup(path)
	alive := registered && h.Alive()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.managed[path]
	if !ok {
		return
	}

	switch {
	case alive:
		if !t.Status.Active() {
			slog.Info("reconcile: adopting live process", "tunnel", t.Name, "status", t.Status, "pid", h.Pid())
			m.setManagedStatus(t, model.StatusRunning, "")
			t.PID = h.Pid()
			m.publishManaged(t)
			metrics.ObserveCorrection(caseAdopt)
		} else if t.PID != h.Pid() {
			slog.Info("reconcile: correcting pid", "tunnel", t.Name, "old_pid", t.PID, "pid", h.Pid())
			t.PID = h.Pid()
			m.publishManaged(t)
			metrics.ObserveCorrection(casePID)
		}

	case registered:
		if !m.reg.UnregisterIf(path, h) {
			// the exit callback got there first and will settle the state
			return
		}
		prev := t.Status
		switch {
		case prev == model.StatusStopping:
			m.setManagedStatus(t, model.StatusStopped, "")
		case prev.Active():
			m.setManagedStatus(t, model.StatusError, unexpectedExitMsg)
		}
		t.PID = 0
		m.publishManaged(t)
		metrics.ObserveCorrection(caseDead)
		slog.Warn("reconcile: dropped dead process", "tunnel", t.Name, "previous", prev, "status", t.Status)

	default:
		switch t.Status {
		case model.StatusRunning, model.StatusStarting:
			m.setManagedStatus(t, model.StatusStopped, "")
			t.PID = 0
			m.publishManaged(t)
			metrics.ObserveCorrection(caseMissing)
			slog.Info("reconcile: no process behind active tunnel", "tunnel", t.Name)
		case model.StatusStopping:
			intent, pending := m.stopping[path]
			if pending && intent.handle.Alive() && time.Since(intent.since) < m.opts.StuckStopping {
				return
			}
			driftCase := caseMissing
			if pending && intent.handle.Alive() {
				driftCase = caseStuck
				slog.Warn("reconcile: tunnel stuck stopping", "tunnel", t.Name, "pid", intent.handle.Pid(), "since", intent.since)
			}
			delete(m.stopping, path)
			m.setManagedStatus(t, model.StatusStopped, "")
			t.PID = 0
			m.publishManaged(t)
			metrics.ObserveCorrection(driftCase)
		default:
			if t.PID != 0 {
				t.PID = 0
				m.publishManaged(t)
			}
		}
	}
}

// reconcileQuick clears quick tunnels stuck stopping. Crashed quick tunnels are
// removed by their exit callbacks, which carry the captured output.
func (m *Manager) reconcileQuick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.quick {
		if e.t.Status != model.StatusStopping {
			continue
		}
		key := quickKey(id)
		if _, ok := m.reg.Lookup(key); ok {
			continue
		}
		intent, pending := m.stopping[key]
		if pending && intent.handle.Alive() && time.Since(intent.since) < m.opts.StuckStopping {
			continue
		}
		delete(m.stopping, key)
		delete(m.quick, id)
		final := e.t
		final.Status = model.StatusStopped
		final.PID = 0
		m.publishQuick(final, true)
		metrics.ObserveCorrection(caseStuck)
	}
}

// reapOrphans terminates registered processes whose tunnel no longer exists.
func (m *Manager) reapOrphans() {
	var orphans []registry.Handle
	m.mu.Lock()
	for _, key := range m.reg.Keys() {
		var known bool
		if id, ok := strings.CutPrefix(key, quickKeyPrefix); ok {
			_, known = m.quick[id]
		} else {
			_, known = m.managed[key]
		}
		if known {
			continue
		}
		if h, ok := m.reg.Unregister(key); ok {
			slog.Warn("reconcile: terminating orphaned process", "key", key, "pid", h.Pid())
			orphans = append(orphans, h)
			metrics.ObserveCorrection(caseOrphan)
		}
	}
	m.mu.Unlock()

	for _, h := range orphans {
		if err := h.Terminate(); err != nil {
			slog.Warn("failed to signal orphaned process", "pid", h.Pid(), "error", err)
		}
	}
}

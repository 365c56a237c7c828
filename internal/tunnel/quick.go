package tunnel

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/tunnelkeeper/internal/cloudflared"
	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/metrics"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/outparse"
	"github.com/treykane/tunnelkeeper/internal/registry"
	"github.com/treykane/tunnelkeeper/internal/security"
)

const quickKeyPrefix = "quick:"

type quickEntry struct {
	t      model.QuickTunnel
	parser *outparse.Parser
}

func quickKey(id string) string { return quickKeyPrefix + id }

func newNotificationID() string { return uuid.NewString() }

// ValidateLocalURL checks that raw has both a scheme and a host.
func ValidateLocalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return raw, nil
}

// Quick returns a copy of every quick tunnel, oldest first.
func (m *Manager) Quick() []model.QuickTunnel {
	m.mu.Lock()
	out := make([]model.QuickTunnel, 0, len(m.quick))
	for _, e := range m.quick {
		out = append(out, e.t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetQuick returns a copy of the quick tunnel with the given id.
func (m *Manager) GetQuick(id string) (model.QuickTunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.quick[id]
	if !ok {
		return model.QuickTunnel{}, fmt.Errorf("%w: quick tunnel %s", ErrNotFound, id)
	}
	return e.t, nil
}

// StartQuick launches an ephemeral tunnel to localURL and returns its id at
// once. The public URL is discovered later from the process output and
// announced on the bus.
func (m *Manager) StartQuick(localURL string) (string, error) {
	target, err := ValidateLocalURL(localURL)
	if err != nil {
		return "", err
	}
	if !m.opts.Online() {
		metrics.ObserveStart(string(model.KindQuick), metrics.OutcomeOffline)
		m.notify(events.LevelError, "Quick tunnel not started", "No network connection is available.")
		return "", fmt.Errorf("start quick tunnel: %w", ErrOffline)
	}

	id := uuid.NewString()
	key := quickKey(id)
	unlock := m.lockKey(key)
	defer unlock()

	entry := &quickEntry{
		t: model.QuickTunnel{
			ID:        id,
			LocalURL:  target,
			Status:    model.StatusStarting,
			StartedAt: time.Now(),
		},
		parser: outparse.New(m.opts.QuickDomains...),
	}
	m.mu.Lock()
	m.quick[id] = entry
	m.publishQuick(entry.t, false)
	m.mu.Unlock()

	proc, err := m.opts.Launcher.LaunchQuick(target, cloudflared.Hooks{
		OnOutput: func(chunk []byte) {
			up := entry.parser.Feed(chunk)
			if up.URLFound || up.ErrorChanged {
				m.onQuickOutput(id, up)
			}
		},
		OnExit: func(p *cloudflared.Process, exitErr error) {
			m.onQuickExit(id, p, entry.parser, exitErr)
		},
	})
	if err != nil {
		metrics.ObserveStart(string(model.KindQuick), metrics.OutcomeFailed)
		msg := "launch failed: " + security.UserMessage(err, false)
		m.mu.Lock()
		delete(m.quick, id)
		final := entry.t
		final.Status = model.StatusError
		final.LastError = msg
		m.publishQuick(final, true)
		m.notifyLocked(events.LevelError, "Quick tunnel failed to start", msg)
		m.mu.Unlock()
		slog.Warn("quick tunnel launch failed", "local_url", target, "error", security.DebugMessage(err))
		return "", fmt.Errorf("start quick tunnel: %w", err)
	}

	m.reg.Register(key, proc)
	m.mu.Lock()
	entry.t.PID = proc.Pid()
	m.publishQuick(entry.t, false)
	m.mu.Unlock()
	proc.Arm()

	metrics.ObserveStart(string(model.KindQuick), metrics.OutcomeLaunched)
	slog.Info("quick tunnel launched", "id", id, "local_url", target, "pid", proc.Pid())
	return id, nil
}

func (m *Manager) onQuickOutput(id string, up outparse.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.quick[id]
	if !ok {
		return
	}
	switch {
	case up.URLFound && e.t.PublicURL == "":
		e.t.PublicURL = up.URL
		e.t.LastError = ""
		if e.t.Status == model.StatusStarting {
			e.t.Status = model.StatusRunning
		}
		metrics.ObserveQuickURL(time.Since(e.t.StartedAt))
		m.publishQuick(e.t, false)
		m.updateRunningGauge()
		m.notifyLocked(events.LevelSuccess, "Quick tunnel ready", e.t.LocalURL+" is available at "+up.URL)
		slog.Info("quick tunnel url discovered", "id", id, "url", up.URL)
	case up.ErrorChanged && e.t.PublicURL == "":
		e.t.LastError = up.Err
		m.publishQuick(e.t, false)
	}
}

// onQuickExit is the exit callback for quick tunnel processes. Either way the
// entry is removed; a crash first publishes the error state and a notification
// carrying the captured output.
func (m *Manager) onQuickExit(id string, h registry.Handle, parser *outparse.Parser, exitErr error) {
	key := quickKey(id)
	crashed := m.reg.UnregisterIf(key, h)

	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.stopping[key]; ok && intent.handle == h {
		delete(m.stopping, key)
	}
	e, ok := m.quick[id]
	if !ok {
		return
	}

	if crashed {
		metrics.ObserveExit(string(model.KindQuick), metrics.ReasonUnexpected)
		e.t.Status = model.StatusError
		e.t.PID = 0
		if e.t.LastError == "" {
			e.t.LastError = exitMessage(parser, exitErr)
		}
		m.publishQuick(e.t, false)
		m.notifyLocked(events.LevelError, "Quick tunnel stopped unexpectedly", e.t.LastError)
		delete(m.quick, id)
		m.publishQuick(e.t, true)
		slog.Warn("quick tunnel exited unexpectedly", "id", id, "error", e.t.LastError)
	} else {
		metrics.ObserveExit(string(model.KindQuick), metrics.ReasonRequested)
		delete(m.quick, id)
		final := e.t
		final.Status = model.StatusStopped
		final.PID = 0
		m.publishQuick(final, true)
		slog.Info("quick tunnel stopped", "id", id)
	}
	m.updateRunningGauge()
}

// StopQuick terminates a quick tunnel. Entries with no live process are
// purged directly.
func (m *Manager) StopQuick(id string) error {
	key := quickKey(id)
	unlock := m.lockKey(key)
	defer unlock()

	h, registered := m.reg.Unregister(key)
	m.mu.Lock()
	e, ok := m.quick[id]
	if !registered {
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: quick tunnel %s", ErrNotFound, id)
		}
		delete(m.quick, id)
		final := e.t
		if final.Status != model.StatusError {
			final.Status = model.StatusStopped
		}
		final.PID = 0
		m.publishQuick(final, true)
		m.updateRunningGauge()
		m.mu.Unlock()
		return nil
	}
	m.stopping[key] = stopIntent{handle: h, since: time.Now()}
	if ok {
		e.t.Status = model.StatusStopping
		m.publishQuick(e.t, false)
		m.updateRunningGauge()
	}
	m.mu.Unlock()

	if err := h.Terminate(); err != nil {
		slog.Warn("failed to signal quick tunnel process", "id", id, "pid", h.Pid(), "error", err)
	}
	return nil
}

// publishQuick must be called with m.mu held.
func (m *Manager) publishQuick(t model.QuickTunnel, removed bool) {
	m.bus.Publish(events.Event{
		Kind:       events.KindStateChanged,
		TunnelKind: model.KindQuick,
		Key:        t.ID,
		Name:       t.LocalURL,
		Status:     t.Status,
		PID:        t.PID,
		PublicURL:  t.PublicURL,
		Message:    t.LastError,
		Removed:    removed,
	})
}

// Package tunnel manages tunnel process lifecycle, reconciliation, and
// config directory discovery.
//
// A Manager owns two collections: managed tunnels discovered from config files
// (keyed by config path) and quick tunnels created on demand (keyed by a
// generated id). Live processes are tracked in a registry.Registry; presence of
// a key there means the process is meant to be running. Every stop removes the
// key before signalling, which is how exit callbacks tell requested stops from
// crashes.
//
// Lock order: per-key operation lock, then Manager.mu, then the registry's own
// lock. Exit callbacks never take a per-key lock, because a synchronous stop
// holds that lock while waiting for the exit.
package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnelkeeper/internal/appconfig"
	"github.com/treykane/tunnelkeeper/internal/cloudflared"
	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/metrics"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/netstatus"
	"github.com/treykane/tunnelkeeper/internal/outparse"
	"github.com/treykane/tunnelkeeper/internal/registry"
	"github.com/treykane/tunnelkeeper/internal/security"
	"github.com/treykane/tunnelkeeper/internal/util"
)

var (
	// ErrNotFound is returned for unknown tunnel names, paths, or quick ids.
	ErrNotFound = errors.New("tunnel not found")
	// ErrOffline is returned by start requests while no network is available.
	ErrOffline = errors.New("no network connectivity")
	// ErrInvalidURL is returned when a quick tunnel target lacks a scheme or host.
	ErrInvalidURL = errors.New("local URL must include a scheme and host")
	// ErrStopInProgress is returned when starting a tunnel that is still stopping.
	ErrStopInProgress = errors.New("stop already in progress")
)

// Options configures a Manager.
type Options struct {
	TunnelsDir   string
	Launcher     cloudflared.Launcher
	Online       netstatus.Checker
	Bus          *events.Bus
	QuickDomains []string

	StartGrace        time.Duration
	StopTimeout       time.Duration
	RescanDebounce    time.Duration
	ReconcileInterval time.Duration
	StuckStopping     time.Duration
}

// OptionsFromConfig maps application settings to manager options.
func OptionsFromConfig(cfg appconfig.Config, launcher cloudflared.Launcher, bus *events.Bus) Options {
	return Options{
		TunnelsDir:        cfg.ResolvedTunnelsDir(),
		Launcher:          launcher,
		Online:            netstatus.Online,
		Bus:               bus,
		QuickDomains:      cfg.Cloudflared.QuickDomains,
		StartGrace:        cfg.StartGrace(),
		StopTimeout:       cfg.StopTimeout(),
		RescanDebounce:    cfg.RescanDebounce(),
		ReconcileInterval: cfg.ReconcileInterval(),
		StuckStopping:     cfg.StuckStopping(),
	}
}

// stopIntent records a stop that was requested but whose exit has not been
// observed yet.
type stopIntent struct {
	handle registry.Handle
	since  time.Time
}

// Manager coordinates tunnel processes and tracks their visible state.
type Manager struct {
	opts Options
	reg  *registry.Registry
	bus  *events.Bus

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	mu       sync.Mutex
	managed  map[string]*model.ManagedTunnel
	quick    map[string]*quickEntry
	stopping map[string]stopIntent
	dirErr   error
	warnings []string
}

// NewManager creates a manager. Zero durations fall back to the defaults in
// internal/util.
func NewManager(opts Options) *Manager {
	if opts.Online == nil {
		opts.Online = netstatus.Online
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = util.StartGracePeriod
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = util.StopTimeout
	}
	if opts.RescanDebounce <= 0 {
		opts.RescanDebounce = util.RescanDebounce
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Duration(util.DefaultReconcileSeconds) * time.Second
	}
	if opts.StuckStopping <= 0 {
		opts.StuckStopping = util.StuckStoppingTimeout
	}
	if opts.TunnelsDir != "" {
		if abs, err := filepath.Abs(opts.TunnelsDir); err == nil {
			opts.TunnelsDir = abs
		}
	}
	return &Manager{
		opts:     opts,
		reg:      registry.New(),
		bus:      opts.Bus,
		keyLocks: make(map[string]*sync.Mutex),
		managed:  make(map[string]*model.ManagedTunnel),
		quick:    make(map[string]*quickEntry),
		stopping: make(map[string]stopIntent),
	}
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// TunnelsDir returns the watched config directory.
func (m *Manager) TunnelsDir() string { return m.opts.TunnelsDir }

func (m *Manager) lockKey(key string) func() {
	m.keyMu.Lock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	m.keyMu.Unlock()
	l.Lock()
	return l.Unlock
}

// tryLockKey is used by the reconciler, which skips tunnels with an operation
// in flight rather than waiting behind it.
func (m *Manager) tryLockKey(key string) (func(), bool) {
	m.keyMu.Lock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	m.keyMu.Unlock()
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// Managed returns a copy of every managed tunnel, sorted by name.
func (m *Manager) Managed() []model.ManagedTunnel {
	m.mu.Lock()
	out := make([]model.ManagedTunnel, 0, len(m.managed))
	for _, t := range m.managed {
		out = append(out, *t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ConfigPath < out[j].ConfigPath
	})
	return out
}

// Get returns a copy of the managed tunnel matching ref.
func (m *Manager) Get(ref string) (model.ManagedTunnel, error) {
	path, err := m.Resolve(ref)
	if err != nil {
		return model.ManagedTunnel{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.managed[path]
	if !ok {
		return model.ManagedTunnel{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return *t, nil
}

// Resolve maps a tunnel name or config path to its config path.
func (m *Manager) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.managed[ref]; ok {
		return ref, nil
	}
	if abs, err := filepath.Abs(ref); err == nil {
		if _, ok := m.managed[abs]; ok {
			return abs, nil
		}
	}
	var matches []string
	for path, t := range m.managed {
		if t.Name == ref {
			matches = append(matches, path)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("tunnel name %q is ambiguous: %s", ref, strings.Join(matches, ", "))
	}
}

// DirError returns the standing config directory error, if any.
func (m *Manager) DirError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirErr
}

// Warnings returns config warnings from the latest scan.
func (m *Manager) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.warnings...)
}

// Start launches the managed tunnel matching ref. Starting a tunnel whose
// process is alive is a no-op. Starts are accepted from stopped and error; a
// tunnel that claims to be running or starting with no live process is
// reconciled first.
func (m *Manager) Start(ref string) error {
	path, err := m.Resolve(ref)
	if err != nil {
		return err
	}
	unlock := m.lockKey(path)
	defer unlock()

	if m.reg.IsAlive(path) {
		return nil
	}

	m.mu.Lock()
	t, ok := m.managed[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	status := t.Status
	name := t.Name
	m.mu.Unlock()

	if status == model.StatusStopping {
		slog.Info("start ignored while stopping", "tunnel", name)
		return fmt.Errorf("%s: %w", name, ErrStopInProgress)
	}
	if !status.CanStart() {
		slog.Info("start found no live process behind tunnel", "tunnel", name, "status", status)
		m.reconcileManaged(path)
	}

	if !m.opts.Online() {
		metrics.ObserveStart(string(model.KindManaged), metrics.OutcomeOffline)
		m.notify(events.LevelError, name+" not started", "No network connection is available.")
		return fmt.Errorf("start %s: %w", name, ErrOffline)
	}

	// A dead handle left behind by a crash that the exit callback has not
	// processed yet must not survive into the new launch.
	if h, ok := m.reg.Lookup(path); ok && !h.Alive() {
		m.reg.UnregisterIf(path, h)
	}

	m.mu.Lock()
	m.setManagedStatus(t, model.StatusStarting, "")
	t.PID = 0
	snapshot := *t
	m.publishManaged(t)
	m.mu.Unlock()

	parser := outparse.New(m.opts.QuickDomains...)
	proc, err := m.opts.Launcher.LaunchManaged(snapshot, cloudflared.Hooks{
		OnOutput: func(chunk []byte) { parser.Feed(chunk) },
		OnExit: func(p *cloudflared.Process, exitErr error) {
			m.onManagedExit(path, p, parser, exitErr)
		},
	})
	if err != nil {
		metrics.ObserveStart(string(model.KindManaged), metrics.OutcomeFailed)
		msg := "launch failed: " + security.UserMessage(err, false)
		m.mu.Lock()
		m.setManagedStatus(t, model.StatusError, msg)
		m.publishManaged(t)
		m.mu.Unlock()
		m.notify(events.LevelError, name+" failed to start", msg)
		slog.Warn("tunnel launch failed", "tunnel", name, "error", security.DebugMessage(err))
		return fmt.Errorf("start %s: %w", name, err)
	}

	m.reg.Register(path, proc)
	m.mu.Lock()
	t.PID = proc.Pid()
	m.publishManaged(t)
	m.mu.Unlock()
	proc.Arm()

	metrics.ObserveStart(string(model.KindManaged), metrics.OutcomeLaunched)
	slog.Info("tunnel launched", "tunnel", name, "pid", proc.Pid())
	go m.confirmStart(path, proc)
	return nil
}

// confirmStart promotes a tunnel to running once it survived the grace period.
// Deaths inside the window are reported by the exit callback.
func (m *Manager) confirmStart(path string, proc *cloudflared.Process) {
	timer := time.NewTimer(m.opts.StartGrace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return
	case <-timer.C:
	}

	if !proc.Alive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reg.Lookup(path)
	if !ok || cur != registry.Handle(proc) {
		return
	}
	t, ok := m.managed[path]
	if !ok || t.Status != model.StatusStarting {
		return
	}
	m.setManagedStatus(t, model.StatusRunning, "")
	t.PID = proc.Pid()
	m.publishManaged(t)
	m.updateRunningGauge()
	m.notifyLocked(events.LevelSuccess, t.Name+" is running", util.DefaultString(t.Hostname, t.Name)+" is connected.")
}

// Stop terminates the managed tunnel matching ref. With wait set it blocks up to
// the stop timeout for the process to exit; either way the exit callback
// finalizes the state.
func (m *Manager) Stop(ref string, wait bool) error {
	path, err := m.Resolve(ref)
	if err != nil {
		return err
	}
	unlock := m.lockKey(path)
	defer unlock()
	return m.stopLocked(path, wait)
}

func (m *Manager) stopLocked(path string, wait bool) error {
	// Unregister before signalling: the exit callback relies on it.
	h, registered := m.reg.Unregister(path)

	m.mu.Lock()
	t, ok := m.managed[path]
	if !registered {
		if ok {
			switch t.Status {
			case model.StatusRunning, model.StatusStarting:
				m.setManagedStatus(t, model.StatusStopped, "")
				t.PID = 0
				m.publishManaged(t)
				m.updateRunningGauge()
			case model.StatusStopping:
				slog.Info("stop already in progress", "tunnel", t.Name)
			}
		}
		m.mu.Unlock()
		return nil
	}
	m.stopping[path] = stopIntent{handle: h, since: time.Now()}
	name := path
	if ok {
		name = t.Name
		m.setManagedStatus(t, model.StatusStopping, "")
		m.publishManaged(t)
		m.updateRunningGauge()
	}
	m.mu.Unlock()

	slog.Info("stopping tunnel", "tunnel", name, "pid", h.Pid(), "wait", wait)
	if err := h.Terminate(); err != nil {
		slog.Warn("failed to signal tunnel process", "tunnel", name, "pid", h.Pid(), "error", err)
	}
	if wait {
		m.waitExit(name, h)
	}
	return nil
}

// waitExit polls until h exits or the stop timeout elapses. It never escalates
// beyond the termination signal already sent.
func (m *Manager) waitExit(name string, h registry.Handle) {
	deadline := time.NewTimer(m.opts.StopTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(util.StopPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-h.Done():
			return
		case <-tick.C:
			if h.Alive() {
				continue
			}
			// dead; give the exit callback a chance to settle the state
			select {
			case <-h.Done():
			case <-deadline.C:
			}
			return
		case <-deadline.C:
			slog.Warn("tunnel still running after stop timeout", "tunnel", name, "pid", h.Pid(), "timeout", m.opts.StopTimeout)
			return
		}
	}
}

// Toggle starts a stopped or failed tunnel and stops a running or starting one.
// It does nothing while the tunnel is stopping.
func (m *Manager) Toggle(ref string) error {
	t, err := m.Get(ref)
	if err != nil {
		return err
	}
	switch t.Status {
	case model.StatusRunning, model.StatusStarting:
		return m.Stop(t.ConfigPath, false)
	case model.StatusStopping:
		slog.Info("toggle ignored while stopping", "tunnel", t.Name)
		return nil
	default:
		return m.Start(t.ConfigPath)
	}
}

// onManagedExit is the exit callback for managed tunnel processes.
func (m *Manager) onManagedExit(path string, h registry.Handle, parser *outparse.Parser, exitErr error) {
	// The registry still holding this exact handle means nobody asked for the
	// exit: that is a crash.
	crashed := m.reg.UnregisterIf(path, h)

	m.mu.Lock()
	defer m.mu.Unlock()

	intent, pending := m.stopping[path]
	requested := pending && intent.handle == h
	if requested {
		delete(m.stopping, path)
	}
	t, ok := m.managed[path]
	if !ok {
		return
	}

	switch {
	case crashed:
		reason := metrics.ReasonUnexpected
		msg := exitMessage(parser, exitErr)
		if t.Status == model.StatusStarting {
			reason = metrics.ReasonStartup
			msg = "exited during startup: " + msg
		}
		metrics.ObserveExit(string(model.KindManaged), reason)
		m.setManagedStatus(t, model.StatusError, msg)
		t.PID = 0
		m.publishManaged(t)
		m.notifyLocked(events.LevelError, t.Name+" stopped unexpectedly", msg)
		slog.Warn("tunnel exited unexpectedly", "tunnel", t.Name, "pid", h.Pid(), "error", msg)
	case requested:
		metrics.ObserveExit(string(model.KindManaged), metrics.ReasonRequested)
		if t.Status == model.StatusStopping {
			m.setManagedStatus(t, model.StatusStopped, "")
			t.PID = 0
			m.publishManaged(t)
			m.notifyLocked(events.LevelInfo, t.Name+" stopped", "")
		}
		slog.Info("tunnel stopped", "tunnel", t.Name, "pid", h.Pid())
	default:
		// Already settled by the reconciler, or a newer process owns the tunnel.
		if t.PID == h.Pid() {
			t.PID = 0
			m.publishManaged(t)
		}
	}
	m.updateRunningGauge()
}

// exitMessage prefers the parsed failure line and falls back to the output tail.
func exitMessage(parser *outparse.Parser, exitErr error) string {
	if msg := parser.Err(); msg != "" {
		return msg
	}
	if tail := parser.Tail(util.ErrorTailLength); tail != "" {
		return tail
	}
	if exitErr != nil {
		return exitErr.Error()
	}
	return "process exited"
}

// setManagedStatus must be called with m.mu held.
func (m *Manager) setManagedStatus(t *model.ManagedTunnel, status model.Status, lastError string) {
	if t.Status != status {
		t.StatusSince = time.Now()
	}
	t.Status = status
	t.LastError = lastError
}

// publishManaged must be called with m.mu held, which keeps events for one
// tunnel in transition order.
func (m *Manager) publishManaged(t *model.ManagedTunnel) {
	m.bus.Publish(events.Event{
		Kind:       events.KindStateChanged,
		TunnelKind: model.KindManaged,
		Key:        t.ConfigPath,
		Name:       t.Name,
		Status:     t.Status,
		PID:        t.PID,
		Message:    t.LastError,
	})
}

func (m *Manager) publishManagedRemoved(t *model.ManagedTunnel) {
	m.bus.Publish(events.Event{
		Kind:       events.KindStateChanged,
		TunnelKind: model.KindManaged,
		Key:        t.ConfigPath,
		Name:       t.Name,
		Status:     t.Status,
		Removed:    true,
	})
}

func (m *Manager) notify(level events.Level, title, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyLocked(level, title, body)
}

func (m *Manager) notifyLocked(level events.Level, title, body string) {
	m.bus.Publish(events.Event{
		Kind: events.KindNotification,
		Notification: &events.Notification{
			ID:    newNotificationID(),
			Title: title,
			Body:  security.RedactMessage(body),
			Level: level,
		},
	})
}

// updateRunningGauge must be called with m.mu held.
func (m *Manager) updateRunningGauge() {
	var managed, quick int
	for _, t := range m.managed {
		if t.Status == model.StatusRunning {
			managed++
		}
	}
	for _, e := range m.quick {
		if e.t.Status == model.StatusRunning {
			quick++
		}
	}
	metrics.SetRunning(string(model.KindManaged), managed)
	metrics.SetRunning(string(model.KindQuick), quick)
}

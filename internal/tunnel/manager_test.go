// Package tunnel tests exercise the manager against real child processes.
//
// Instead of launching cloudflared, the scriptLauncher runs small `sh -c`
// scripts through cloudflared.Spawn. Each script stands in for one behavior
// of the real binary: running forever, printing a quick tunnel URL, or failing
// to bind its port. Durations are shortened so the grace period and stop
// timeout elapse in milliseconds.
//
// Drift scenarios that are hard to provoke with real processes use fakeHandle
// registry entries and drive the reconciler directly.
package tunnel

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/treykane/tunnelkeeper/internal/cloudflared"
	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/security"
)

const (
	sleepScript    = "exec sleep 30"
	bindFailScript = `echo "ERR Failed to serve: listen tcp 127.0.0.1:5173: bind: address already in use" >&2; exit 1`
	quickURLScript = `echo "INF Requesting new quick Tunnel on trycloudflare.com..."; echo "INF |  https://quiet-river-bend.trycloudflare.com  |"; exec sleep 30`
)

const blogConfig = `tunnel: blog-tunnel
credentials-file: /home/user/.cloudflared/abc.json
ingress:
  - hostname: blog.example.com
    service: http://localhost:4000
  - service: http_status:404
`

// scriptLauncher implements cloudflared.Launcher with shell scripts.
type scriptLauncher struct {
	mu       sync.Mutex
	managed  string
	quick    string
	fail     error
	launches int
	procs    []*cloudflared.Process
}

func (l *scriptLauncher) launch(script string, hooks cloudflared.Hooks) (*cloudflared.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.fail != nil {
		return nil, l.fail
	}
	p, err := cloudflared.Spawn("sh", []string{"-c", script}, "", nil, hooks)
	if err == nil {
		l.procs = append(l.procs, p)
	}
	return p, err
}

func (l *scriptLauncher) LaunchManaged(_ model.ManagedTunnel, hooks cloudflared.Hooks) (*cloudflared.Process, error) {
	l.mu.Lock()
	script := l.managed
	l.mu.Unlock()
	return l.launch(script, hooks)
}

func (l *scriptLauncher) LaunchQuick(_ string, hooks cloudflared.Hooks) (*cloudflared.Process, error) {
	l.mu.Lock()
	script := l.quick
	l.mu.Unlock()
	return l.launch(script, hooks)
}

func (l *scriptLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// killAll SIGKILLs every spawned process so no test leaks a sleep.
func (l *scriptLauncher) killAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		_ = syscall.Kill(p.Pid(), syscall.SIGKILL)
	}
}

func newTestManager(t *testing.T, dir string, l *scriptLauncher) *Manager {
	t.Helper()
	m := NewManager(Options{
		TunnelsDir:        dir,
		Launcher:          l,
		Online:            func() bool { return true },
		StartGrace:        150 * time.Millisecond,
		StopTimeout:       time.Second,
		RescanDebounce:    20 * time.Millisecond,
		ReconcileInterval: time.Hour,
		StuckStopping:     time.Hour,
	})
	t.Cleanup(func() {
		m.StopAll(true)
		l.killAll()
	})
	return m
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(t *testing.T, m *Manager, ref string) model.ManagedTunnel {
	t.Helper()
	tun, err := m.Get(ref)
	if err != nil {
		t.Fatalf("get %s: %v", ref, err)
	}
	return tun
}

func hasStatus(m *Manager, ref string, want model.Status) func() bool {
	return func() bool {
		tun, err := m.Get(ref)
		return err == nil && tun.Status == want
	}
}

func TestBlogTunnelLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)

	if err := m.Rescan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	blog := statusOf(t, m, "blog")
	if blog.Status != model.StatusStopped || blog.Port != 4000 || blog.TunnelID != "blog-tunnel" || blog.Hostname != "blog.example.com" {
		t.Fatalf("unexpected scanned tunnel: %+v", blog)
	}

	if err := m.Start("blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := statusOf(t, m, "blog").Status; got != model.StatusStarting {
		t.Fatalf("status right after start = %s, want starting", got)
	}
	waitFor(t, "blog running", hasStatus(m, "blog", model.StatusRunning))
	if pid := statusOf(t, m, "blog").PID; pid <= 0 {
		t.Fatalf("expected pid after promotion, got %d", pid)
	}

	if err := m.Stop("blog", true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := statusOf(t, m, "blog")
	if got.Status != model.StatusStopped || got.LastError != "" || got.PID != 0 {
		t.Fatalf("after synchronous stop: %+v", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	for i := 0; i < 3; i++ {
		if err := m.Start("blog"); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if n := l.count(); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}
	if n := m.reg.Len(); n != 1 {
		t.Fatalf("registry entries = %d, want 1", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	if err := m.Stop("blog", true); err != nil {
		t.Fatalf("stop of stopped tunnel: %v", err)
	}
	if got := statusOf(t, m, "blog").Status; got != model.StatusStopped {
		t.Fatalf("status = %s", got)
	}

	_ = m.Start("blog")
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))
	_ = m.Stop("blog", true)
	_ = m.Stop("blog", true)
	got := statusOf(t, m, "blog")
	if got.Status != model.StatusStopped || got.LastError != "" {
		t.Fatalf("after double stop: %+v", got)
	}
	if l.count() != 1 {
		t.Fatalf("stop must not launch anything, launches = %d", l.count())
	}
}

func TestRequestedStopIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()
	_ = m.Start("blog")
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))

	if err := m.Stop("blog", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "stopped", hasStatus(m, "blog", model.StatusStopped))
	if msg := statusOf(t, m, "blog").LastError; msg != "" {
		t.Fatalf("requested stop recorded error %q", msg)
	}
}

func TestExternalKillIsReportedAsError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()
	_ = m.Start("blog")
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))

	pid := statusOf(t, m, "blog").PID
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, "error", hasStatus(m, "blog", model.StatusError))
	got := statusOf(t, m, "blog")
	if got.LastError == "" || got.PID != 0 {
		t.Fatalf("crash not recorded: %+v", got)
	}
	if m.reg.Len() != 0 {
		t.Fatal("crashed process left in registry")
	}
}

func TestStartupFailureCarriesOutput(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: bindFailScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	if err := m.Start("blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "error", hasStatus(m, "blog", model.StatusError))
	msg := statusOf(t, m, "blog").LastError
	if !strings.HasPrefix(msg, "exited during startup") || !strings.Contains(msg, "address already in use") {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestStartOfflineFailsFast(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	m.opts.Online = func() bool { return false }
	_ = m.Rescan()

	if err := m.Start("blog"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if l.count() != 0 {
		t.Fatal("offline start must not launch")
	}
	if got := statusOf(t, m, "blog").Status; got != model.StatusStopped {
		t.Fatalf("offline start changed status to %s", got)
	}
	if _, err := m.StartQuick("http://localhost:5173"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline for quick tunnel, got %v", err)
	}
}

func TestLaunchFailureSetsError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{fail: errors.New("cloudflared not found")}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	if err := m.Start("blog"); err == nil {
		t.Fatal("expected launch error")
	}
	got := statusOf(t, m, "blog")
	if got.Status != model.StatusError || !strings.Contains(got.LastError, "cloudflared not found") {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestUnknownTunnel(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &scriptLauncher{managed: sleepScript})
	_ = m.Rescan()
	if err := m.Start("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("start: expected ErrNotFound, got %v", err)
	}
	if err := m.Stop("nope", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stop: expected ErrNotFound, got %v", err)
	}
}

func TestToggle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	if err := m.Toggle("blog"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))
	if err := m.Toggle("blog"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stopped", hasStatus(m, "blog", model.StatusStopped))
}

func TestStopTimeoutLeavesStoppingUntilHealed(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	// ignored signals stay ignored across exec
	l := &scriptLauncher{managed: "trap '' TERM; exec sleep 30"}
	m := newTestManager(t, dir, l)
	m.opts.StopTimeout = 100 * time.Millisecond
	m.opts.StuckStopping = 800 * time.Millisecond
	_ = m.Rescan()
	_ = m.Start("blog")
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))

	if err := m.Stop("blog", true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := statusOf(t, m, "blog").Status; got != model.StatusStopping {
		t.Fatalf("status after ignored signal = %s, want stopping", got)
	}
	if err := m.Start("blog"); !errors.Is(err, ErrStopInProgress) {
		t.Fatalf("start while stopping: expected ErrStopInProgress, got %v", err)
	}
	if err := m.Stop("blog", false); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	m.Reconcile()
	if got := statusOf(t, m, "blog").Status; got != model.StatusStopping {
		t.Fatalf("reconcile healed a fresh stop: %s", got)
	}
	time.Sleep(850 * time.Millisecond)
	m.Reconcile()
	if got := statusOf(t, m, "blog").Status; got != model.StatusStopped {
		t.Fatalf("stuck stop not healed: %s", got)
	}
}

func TestRescanMergesMetadataAndRemovesTunnels(t *testing.T) {
	dir := t.TempDir()
	blogPath := writeConfig(t, dir, "blog.yml", blogConfig)
	writeConfig(t, dir, "api.yaml", "tunnel: api\ningress:\n  - hostname: api.example.com\n    service: http://localhost:8080\n")
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	_ = m.Start("api")
	waitFor(t, "api running", hasStatus(m, "api", model.StatusRunning))

	m.mu.Lock()
	m.managed[blogPath].Status = model.StatusError
	m.managed[blogPath].LastError = "boom"
	m.mu.Unlock()

	writeConfig(t, dir, "blog.yml", strings.Replace(blogConfig, "blog.example.com", "www.example.com", 1))
	if err := os.Remove(filepath.Join(dir, "api.yaml")); err != nil {
		t.Fatal(err)
	}
	if err := m.Rescan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	blog := statusOf(t, m, "blog")
	if blog.Hostname != "www.example.com" {
		t.Fatalf("hostname not refreshed: %q", blog.Hostname)
	}
	if blog.Status != model.StatusError || blog.LastError != "boom" {
		t.Fatalf("rescan clobbered status: %+v", blog)
	}
	if _, err := m.Get("api"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed tunnel still listed: %v", err)
	}
	if m.reg.Len() != 0 {
		t.Fatal("removed tunnel's process still registered")
	}
}

func TestRescanDirectoryError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tunnels")
	if err := os.WriteFile(dir, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, dir, &scriptLauncher{managed: sleepScript})
	ch, cancel := m.Bus().Subscribe(16)
	defer cancel()

	if err := m.Rescan(); err == nil {
		t.Fatal("expected scan error")
	}
	if err := m.Rescan(); err == nil {
		t.Fatal("expected scan error")
	}
	if m.DirError() == nil {
		t.Fatal("directory error not recorded")
	}
	notifications := 0
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == events.KindNotification {
			notifications++
		}
	}
	if notifications != 1 {
		t.Fatalf("repeated error notified %d times, want 1", notifications)
	}

	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := m.Rescan(); err != nil {
		t.Fatalf("rescan after recovery: %v", err)
	}
	if m.DirError() != nil {
		t.Fatal("directory error not cleared")
	}
}

func TestRescanDirectoryErrorEmptiesDeclaredSet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tunnels")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "blog.yml", blogConfig)
	writeConfig(t, dir, "api.yaml", "tunnel: api\n")
	m := newTestManager(t, dir, &scriptLauncher{managed: sleepScript})
	if err := m.Rescan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if err := m.Start("blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "blog running", hasStatus(m, "blog", model.StatusRunning))

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Rescan(); err == nil {
		t.Fatal("expected scan error")
	}
	if m.DirError() == nil {
		t.Fatal("directory error not recorded")
	}
	if got := m.Managed(); len(got) != 0 {
		t.Fatalf("declared set has %d tunnels after directory error, want empty", len(got))
	}
	if m.reg.Len() != 0 {
		t.Fatal("tunnel process still registered after directory error")
	}
}

func TestStopAllStopsEverything(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	writeConfig(t, dir, "api.yml", "tunnel: api\n")
	l := &scriptLauncher{managed: sleepScript, quick: quickURLScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()
	_ = m.Start("blog")
	_ = m.Start("api")
	id, err := m.StartQuick("http://localhost:5173")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "blog running", hasStatus(m, "blog", model.StatusRunning))

	m.StopAll(true)
	for _, tun := range m.Managed() {
		if tun.Status != model.StatusStopped {
			t.Fatalf("%s left in %s", tun.Name, tun.Status)
		}
	}
	waitFor(t, "quick removed", func() bool {
		_, err := m.GetQuick(id)
		return errors.Is(err, ErrNotFound)
	})
	if m.reg.Len() != 0 {
		t.Fatalf("registry still holds %v", m.reg.Keys())
	}
}

func TestStateEventsArePublishedInOrder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()
	ch, cancel := m.Bus().Subscribe(64)
	defer cancel()

	_ = m.Start("blog")
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))
	_ = m.Stop("blog", true)

	var seen []model.Status
	for len(ch) > 0 {
		ev := <-ch
		if ev.Kind != events.KindStateChanged || ev.Name != "blog" {
			continue
		}
		if len(seen) == 0 || seen[len(seen)-1] != ev.Status {
			seen = append(seen, ev.Status)
		}
	}
	want := []model.Status{model.StatusStarting, model.StatusRunning, model.StatusStopping, model.StatusStopped}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestStartSettlesActiveTunnelWithoutProcess(t *testing.T) {
	dir := t.TempDir()
	blogPath := writeConfig(t, dir, "blog.yml", blogConfig)
	l := &scriptLauncher{managed: sleepScript}
	m := newTestManager(t, dir, l)
	_ = m.Rescan()

	m.mu.Lock()
	m.managed[blogPath].Status = model.StatusRunning
	m.managed[blogPath].PID = 4242
	m.mu.Unlock()

	ch, cancel := m.Bus().Subscribe(64)
	defer cancel()
	if err := m.Start("blog"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "running", hasStatus(m, "blog", model.StatusRunning))
	if got := statusOf(t, m, "blog"); got.PID == 4242 || got.PID == 0 {
		t.Fatalf("expected a fresh pid, got %d", got.PID)
	}
	if l.count() != 1 {
		t.Fatalf("expected one launch, got %d", l.count())
	}

	var seq []model.Status
	for len(ch) > 0 {
		if ev := <-ch; ev.Key == blogPath && ev.Kind == events.KindStateChanged {
			seq = append(seq, ev.Status)
		}
	}
	if len(seq) < 2 || seq[0] != model.StatusStopped || seq[1] != model.StatusStarting {
		t.Fatalf("expected stale state settled before launch, got %v", seq)
	}
}

func TestStartLaunchFailureShowsSafeMessage(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "blog.yml", blogConfig)
	binDir := t.TempDir()
	t.Setenv("PATH", binDir)
	m := NewManager(Options{
		TunnelsDir:        dir,
		Launcher:          cloudflared.New(cloudflared.Options{Binary: "definitely-not-installed", ExtraPath: []string{}}),
		Online:            func() bool { return true },
		StartGrace:        150 * time.Millisecond,
		StopTimeout:       time.Second,
		ReconcileInterval: time.Hour,
		StuckStopping:     time.Hour,
	})
	_ = m.Rescan()

	err := m.Start("blog")
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if got := security.UserMessage(err, true); !strings.Contains(got, "cloudflared binary not found") || strings.Contains(got, binDir) {
		t.Fatalf("unexpected user message %q", got)
	}
	if !strings.Contains(security.DebugMessage(err), binDir) {
		t.Fatalf("debug message lost the searched path: %q", security.DebugMessage(err))
	}
	blog := statusOf(t, m, "blog")
	if blog.Status != model.StatusError || !strings.HasPrefix(blog.LastError, "launch failed: cloudflared binary not found") || strings.Contains(blog.LastError, binDir) {
		t.Fatalf("unexpected tunnel after launch failure: %+v", blog)
	}

	if _, err := m.StartQuick("http://localhost:5173"); err == nil || !strings.Contains(security.UserMessage(err, true), "cloudflared binary not found") {
		t.Fatalf("unexpected quick launch error: %v", err)
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/treykane/tunnelkeeper/internal/cloudflared"
	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/tunnel"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// sleepLauncher runs `sleep` in place of cloudflared.
type sleepLauncher struct {
	mu    sync.Mutex
	procs []*cloudflared.Process
}

func (l *sleepLauncher) spawn(hooks cloudflared.Hooks) (*cloudflared.Process, error) {
	p, err := cloudflared.Spawn("sleep", []string{"30"}, "", nil, hooks)
	if err == nil {
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
	}
	return p, err
}

func (l *sleepLauncher) LaunchManaged(_ model.ManagedTunnel, hooks cloudflared.Hooks) (*cloudflared.Process, error) {
	return l.spawn(hooks)
}

func (l *sleepLauncher) LaunchQuick(_ string, hooks cloudflared.Hooks) (*cloudflared.Process, error) {
	return l.spawn(hooks)
}

type fixture struct {
	mgr    *tunnel.Manager
	online bool
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	body := "tunnel: blog-tunnel\ningress:\n  - hostname: blog.example.com\n    service: http://localhost:4000\n"
	if err := os.WriteFile(filepath.Join(dir, "blog.yml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	f := &fixture{online: true}
	l := &sleepLauncher{}
	f.mgr = tunnel.NewManager(tunnel.Options{
		TunnelsDir:  dir,
		Launcher:    l,
		Online:      func() bool { return f.online },
		StartGrace:  500 * time.Millisecond,
		StopTimeout: time.Second,
	})
	if err := f.mgr.Rescan(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.mgr.StopAll(true)
		l.mu.Lock()
		for _, p := range l.procs {
			_ = syscall.Kill(p.Pid(), syscall.SIGKILL)
		}
		l.mu.Unlock()
	})
	f.router = New(f.mgr, events.NewStore()).Router()
	return f
}

func (f *fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestListTunnels(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/tunnels", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp tunnelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Managed) != 1 || resp.Managed[0].Name != "blog" || resp.Managed[0].Port != 4000 {
		t.Fatalf("unexpected managed list: %+v", resp.Managed)
	}
	if resp.Managed[0].Status != model.StatusStopped {
		t.Fatalf("status = %s", resp.Managed[0].Status)
	}
}

func TestStartAndStopOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/tunnels/blog/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var started model.ManagedTunnel
	_ = json.Unmarshal(rec.Body.Bytes(), &started)
	if started.Status != model.StatusStarting {
		t.Fatalf("start response status = %s", started.Status)
	}

	rec = f.do(http.MethodPost, "/api/v1/tunnels/blog/stop?sync=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	var stopped model.ManagedTunnel
	_ = json.Unmarshal(rec.Body.Bytes(), &stopped)
	if stopped.Status != model.StatusStopped {
		t.Fatalf("stop response status = %s", stopped.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodPost, "/api/v1/tunnels/nope/start", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tunnel: %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/quick", []byte(`{"url":"localhost:5173"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid url: %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/quick", []byte(`{}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url: %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/api/v1/quick/unknown", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown quick: %d", rec.Code)
	}

	f.online = false
	rec := f.do(http.MethodPost, "/api/v1/tunnels/blog/start", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("offline start: %d", rec.Code)
	}
	var e errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &e)
	if !strings.Contains(e.Error, "network") {
		t.Fatalf("offline error body = %q", e.Error)
	}
}

func TestQuickTunnelOverHTTP(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/quick", []byte(`{"url":"http://localhost:5173"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start quick: %d %s", rec.Code, rec.Body.String())
	}
	var resp quickResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ID == "" {
		t.Fatal("missing id")
	}

	rec = f.do(http.MethodGet, "/api/v1/quick", nil)
	if !strings.Contains(rec.Body.String(), resp.ID) {
		t.Fatalf("quick list does not contain %s: %s", resp.ID, rec.Body.String())
	}
	if rec := f.do(http.MethodDelete, "/api/v1/quick/"+resp.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("stop quick: %d", rec.Code)
	}
}

func TestRescanAndMetrics(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodPost, "/api/v1/rescan", nil); rec.Code != http.StatusOK {
		t.Fatalf("rescan: %d", rec.Code)
	}
	rec := f.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tunnelkeeper_rescans_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestEventHistory(t *testing.T) {
	f := newFixture(t)
	store := events.NewStore()
	for _, status := range []model.Status{model.StatusStarting, model.StatusRunning} {
		if err := store.Append(events.Event{Kind: events.KindStateChanged, Name: "blog", Status: status}); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(http.MethodGet, "/api/v1/events/history?name=blog&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
	var got []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != model.StatusRunning {
		t.Fatalf("history = %+v", got)
	}
	if rec := f.do(http.MethodGet, "/api/v1/events/history?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first events.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Name != "blog" || first.Status != model.StatusStopped {
		t.Fatalf("snapshot event = %+v", first)
	}

	if err := f.mgr.Rescan(); err != nil {
		t.Fatal(err)
	}
	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.Kind == events.KindRescan {
			return
		}
	}
}

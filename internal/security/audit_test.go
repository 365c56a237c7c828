package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/tunnelkeeper/internal/appconfig"
)

func TestAudit_FindsPublicAPI(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := appconfig.Default()
	cfg.TunnelsDir = t.TempDir()
	cfg.API.Addr = "0.0.0.0:7787"

	report := Audit(cfg)
	if !report.HasHigh() {
		t.Fatalf("expected high severity finding for public API bind, got %+v", report.Findings)
	}

	cfg.API.Addr = "127.0.0.1:7787"
	if Audit(cfg).HasHigh() {
		t.Fatal("loopback bind must not be flagged")
	}
}

func TestAudit_FindsLoosePermissions(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cert := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(cert, []byte("-----BEGIN ARGO TUNNEL TOKEN-----\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	creds := filepath.Join(dir, "abc.json")
	if err := os.WriteFile(creds, []byte(`{"TunnelSecret":"x"}`), 0o640); err != nil {
		t.Fatal(err)
	}
	// umask may have narrowed the modes above
	if err := os.Chmod(cert, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(creds, 0o640); err != nil {
		t.Fatal(err)
	}
	cfgBody := "tunnel: abc\ncredentials-file: " + creds + "\n"
	if err := os.WriteFile(filepath.Join(dir, "blog.yml"), []byte(cfgBody), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := appconfig.Default()
	cfg.TunnelsDir = dir
	report := Audit(cfg)

	targets := map[string]Severity{}
	for _, f := range report.Findings {
		targets[f.Target] = f.Severity
	}
	if targets[dir] != SeverityMedium {
		t.Errorf("tunnels dir finding = %q", targets[dir])
	}
	if targets[cert] != SeverityHigh {
		t.Errorf("world-readable cert finding = %q", targets[cert])
	}
	if targets[creds] != SeverityMedium {
		t.Errorf("credentials finding = %q", targets[creds])
	}
	if report.Findings[0].Severity != SeverityHigh {
		t.Errorf("findings not sorted by severity: %+v", report.Findings)
	}
}

func TestAudit_MissingCredentials(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	body := "tunnel: abc\ncredentials-file: missing.json\n"
	if err := os.WriteFile(filepath.Join(dir, "blog.yml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := appconfig.Default()
	cfg.TunnelsDir = dir

	var found bool
	for _, f := range Audit(cfg).Findings {
		if f.Target == filepath.Join(dir, "missing.json") && strings.Contains(f.Message, "does not exist") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected finding for missing credentials file")
	}
}

func TestRunLocalAudit_CreatesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TUNNELKEEPER_TUNNELS_DIR", t.TempDir())
	if _, err := RunLocalAudit(); err != nil {
		t.Fatal(err)
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got := RedactMessage(home + "/.cloudflared/cert.pem: permission denied")
	if got != "~/.cloudflared/cert.pem: permission denied" {
		t.Fatalf("home not shortened: %q", got)
	}

	got = RedactMessage(`failed to parse token="eyJhIjoiYiJ9" for tunnel`)
	if strings.Contains(got, "eyJhIjoiYiJ9") || !strings.Contains(got, "[redacted]") {
		t.Fatalf("token not redacted: %q", got)
	}
}

func TestUserMessage(t *testing.T) {
	err := NewClassifiedError("tunnel failed to start", "exec: cloudflared: not found in /secret/path")
	if got := UserMessage(err, true); got != "tunnel failed to start" {
		t.Fatalf("user message = %q", got)
	}
	if got := DebugMessage(err); !strings.Contains(got, "/secret/path") {
		t.Fatalf("debug message = %q", got)
	}
}

// Package cloudflared launches and supervises tunneling CLI processes.
//
// This package is responsible for starting the external "cloudflared" binary.
// It does NOT implement any tunnel protocol itself. Two invocations are
// supported:
//
//   - Managed tunnels: `tunnel --config <path> run <id>`, run from the tunnels
//     directory with TUNNEL_ORIGIN_CERT pointing at the certificate stored
//     next to the configs.
//
//   - Quick tunnels: `tunnel --url <localURL> --no-autoupdate`, whose public URL
//     is only known once it appears in the process output.
//
// All arguments are passed via exec.Command's argv (not via shell
// interpolation), so config paths or URLs containing shell metacharacters
// cannot inject commands.
package cloudflared

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/security"
	"github.com/treykane/tunnelkeeper/internal/util"
)

// DefaultBinary is the executable looked up when no explicit binary is configured.
const DefaultBinary = "cloudflared"

// DefaultExtraPath lists the directories appended to PATH for the child process.
var DefaultExtraPath = []string{"/opt/homebrew/bin", "/usr/local/bin"}

// Options configures how tunnel processes are launched.
type Options struct {
	// Binary is the executable name or path. Bare names are resolved against
	// the extended PATH.
	Binary string
	// ExtraPath directories are appended to the inherited PATH.
	ExtraPath []string
	// TunnelsDir is the working directory for managed tunnels.
	TunnelsDir string
	// OriginCert is the certificate filename inside TunnelsDir.
	OriginCert string
}

// Launcher starts tunnel processes. The tunnel manager depends on this
// interface so tests can substitute scripted processes.
type Launcher interface {
	LaunchManaged(t model.ManagedTunnel, hooks Hooks) (*Process, error)
	LaunchQuick(localURL string, hooks Hooks) (*Process, error)
}

// Client launches the real tunneling CLI.
//
// Client is stateless beyond its options and safe for concurrent use; each
// launch creates an independent exec.Cmd.
type Client struct {
	opts Options
}

// New creates a client, filling unset options with defaults.
func New(opts Options) *Client {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = DefaultBinary
	}
	if opts.ExtraPath == nil {
		opts.ExtraPath = DefaultExtraPath
	}
	if strings.TrimSpace(opts.OriginCert) == "" {
		opts.OriginCert = "cert.pem"
	}
	return &Client{opts: opts}
}

// ManagedArgs returns the argument list for a config-backed tunnel.
//
// Example output: ["tunnel", "--config", "/home/me/.cloudflared/blog.yml", "run", "abc-123"]
func ManagedArgs(configPath, tunnelID string) []string {
	args := []string{"tunnel", "--config", configPath, "run"}
	if tunnelID != "" {
		args = append(args, tunnelID)
	}
	return args
}

// QuickArgs returns the argument list for an ephemeral tunnel.
func QuickArgs(localURL string) []string {
	return []string{"tunnel", "--url", localURL, "--no-autoupdate"}
}

// Env returns the child environment: the current environment with PATH
// extended and, when a tunnels directory is given, TUNNEL_ORIGIN_CERT set to
// the certificate inside it.
func (c *Client) Env(tunnelsDir string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, "TUNNEL_ORIGIN_CERT=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "PATH="+c.searchPath())
	if tunnelsDir != "" {
		env = append(env, "TUNNEL_ORIGIN_CERT="+filepath.Join(tunnelsDir, c.opts.OriginCert))
	}
	return env
}

func (c *Client) searchPath() string {
	return util.ExtendPath(os.Getenv("PATH"), c.opts.ExtraPath...)
}

// LaunchManaged starts `cloudflared tunnel --config <path> run <id>`.
func (c *Client) LaunchManaged(t model.ManagedTunnel, hooks Hooks) (*Process, error) {
	bin, err := c.Binary()
	if err != nil {
		return nil, err
	}
	dir := c.opts.TunnelsDir
	if dir == "" {
		dir = filepath.Dir(t.ConfigPath)
	}
	return Spawn(bin, ManagedArgs(t.ConfigPath, t.TunnelID), dir, c.Env(dir), hooks)
}

// LaunchQuick starts `cloudflared tunnel --url <localURL> --no-autoupdate`.
func (c *Client) LaunchQuick(localURL string, hooks Hooks) (*Process, error) {
	bin, err := c.Binary()
	if err != nil {
		return nil, err
	}
	return Spawn(bin, QuickArgs(localURL), "", c.Env(""), hooks)
}

// Binary resolves the configured executable against the extended PATH.
//
// exec.Command resolves bare names against the parent's PATH, not the child
// environment, so the lookup over the extra directories happens here. Lookup
// failures are classified: the searched directories only go to the debug text.
func (c *Client) Binary() (string, error) {
	name := c.opts.Binary
	if strings.ContainsRune(name, os.PathSeparator) {
		if err := checkExecutable(name); err != nil {
			return "", security.NewClassifiedError(
				"configured cloudflared binary is not usable; check cloudflared.binary",
				fmt.Sprintf("%s: %v", name, err))
		}
		return name, nil
	}
	path := c.searchPath()
	for _, dir := range filepath.SplitList(path) {
		candidate := filepath.Join(dir, name)
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", security.NewClassifiedError(
		"cloudflared binary not found; install it or set cloudflared.binary",
		fmt.Sprintf("%s not found in PATH=%s", name, path))
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	if info.Mode().Perm()&0o111 == 0 {
		return errors.New("not executable")
	}
	return nil
}

// Version runs `<binary> --version` and returns its first output line.
func (c *Client) Version(ctx context.Context) (string, error) {
	bin, err := c.Binary()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", bin, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}

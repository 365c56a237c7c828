package doctor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/treykane/tunnelkeeper/internal/appconfig"
	"github.com/treykane/tunnelkeeper/internal/cloudflared"
	"github.com/treykane/tunnelkeeper/internal/config"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/netstatus"
	"github.com/treykane/tunnelkeeper/internal/security"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	CloudflaredVersion string  `json:"cloudflared_version,omitempty"`
	TunnelsDir         string  `json:"tunnels_dir"`
	Tunnels            int     `json:"tunnels"`
	Issues             []Issue `json:"issues"`
}

// Run loads the application config and executes local diagnostics.
func Run(ctx context.Context) (Report, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return Report{}, err
	}
	return Check(ctx, cfg, netstatus.Online), nil
}

// Check diagnoses the cloudflared installation, the tunnels directory and its
// configs, network reachability, and file permissions.
func Check(ctx context.Context, cfg appconfig.Config, online netstatus.Checker) Report {
	dir := cfg.ResolvedTunnelsDir()
	report := Report{TunnelsDir: dir}
	var issues []Issue

	client := cloudflared.New(cloudflared.Options{
		Binary:     cfg.Cloudflared.Binary,
		ExtraPath:  cfg.Cloudflared.ExtraPath,
		TunnelsDir: dir,
		OriginCert: cfg.Cloudflared.OriginCert,
	})
	version, err := client.Version(ctx)
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "cloudflared-binary",
			Target:         cfg.Cloudflared.Binary,
			Message:        err.Error(),
			Recommendation: "install cloudflared or set cloudflared.binary / cloudflared.extra_path",
		})
	}
	report.CloudflaredVersion = version

	st, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "tunnels-dir",
			Target:         dir,
			Message:        "tunnels directory does not exist",
			Recommendation: "run `cloudflared tunnel login` or create the directory",
		})
	case err != nil:
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "tunnels-dir",
			Target:         dir,
			Message:        err.Error(),
			Recommendation: "check that the directory is readable",
		})
	case !st.IsDir():
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "tunnels-dir",
			Target:         dir,
			Message:        "tunnels path is not a directory",
			Recommendation: "point tunnels_dir at a directory",
		})
	default:
		res, err := config.ScanDir(dir)
		if err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "tunnels-dir",
				Target:         dir,
				Message:        err.Error(),
				Recommendation: "check that the directory is readable",
			})
			break
		}
		report.Tunnels = len(res.Tunnels)
		for _, w := range res.Warnings {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "config-warning",
				Target:         dir,
				Message:        w,
				Recommendation: "add the missing field to the tunnel config",
			})
		}
		tunnels := make([]model.ManagedTunnel, 0, len(res.Tunnels))
		for _, path := range res.Paths() {
			tunnels = append(tunnels, res.Tunnels[path])
		}
		issues = append(issues, duplicateIssues(tunnels)...)
	}

	if online != nil && !online() {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "network",
			Target:         "interfaces",
			Message:        "no usable network interface",
			Recommendation: "connect to a network before starting tunnels",
		})
	}

	for _, f := range security.Audit(cfg).Findings {
		sev := SeverityLow
		if f.Severity == security.SeverityMedium {
			sev = SeverityMedium
		}
		if f.Severity == security.SeverityHigh {
			sev = SeverityHigh
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	report.Issues = issues
	return report
}

// duplicateIssues flags hostnames routed by more than one config and local
// ports targeted by more than one tunnel.
func duplicateIssues(tunnels []model.ManagedTunnel) []Issue {
	hosts := map[string][]string{}
	ports := map[int][]string{}
	for _, t := range tunnels {
		if h := strings.ToLower(strings.TrimSpace(t.Hostname)); h != "" {
			hosts[h] = append(hosts[h], t.Name)
		}
		if t.Port > 0 {
			ports[t.Port] = append(ports[t.Port], t.Name)
		}
	}
	var issues []Issue
	for host, names := range hosts {
		if len(names) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-hostname",
			Target:         host,
			Message:        fmt.Sprintf("hostname is routed by %d tunnels: %s", len(names), strings.Join(names, ", ")),
			Recommendation: "keep each public hostname in a single tunnel config",
		})
	}
	for port, names := range ports {
		if len(names) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "shared-local-port",
			Target:         fmt.Sprintf("localhost:%d", port),
			Message:        fmt.Sprintf("local port is targeted by %d tunnels: %s", len(names), strings.Join(names, ", ")),
			Recommendation: "confirm the tunnels are meant to expose the same service",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

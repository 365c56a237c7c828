package security

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/tunnelkeeper/internal/appconfig"
	"github.com/treykane/tunnelkeeper/internal/config"
	"github.com/treykane/tunnelkeeper/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit loads the application config and audits it.
func RunLocalAudit() (AuditReport, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return AuditReport{}, err
	}
	return Audit(cfg), nil
}

// Audit inspects the control API bind address and the permissions of the
// tunnels directory, origin certificate, tunnel credentials, and the
// application's own files.
func Audit(cfg appconfig.Config) AuditReport {
	var findings []Finding

	if addr := strings.TrimSpace(cfg.API.Addr); addr != "" && !loopbackAddr(addr) {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("control API listens on non-loopback address %s", addr),
			Recommendation: "set api.addr to 127.0.0.1:<port>",
		})
	}

	tunnelsDir := cfg.ResolvedTunnelsDir()
	checkPathPerm(&findings, tunnelsDir, 0o700, false)
	checkPathPerm(&findings, filepath.Join(tunnelsDir, util.DefaultString(cfg.Cloudflared.OriginCert, "cert.pem")), 0o600, true)

	if res, err := config.ScanDir(tunnelsDir); err == nil {
		seen := map[string]struct{}{}
		for _, path := range res.Paths() {
			t := res.Tunnels[path]
			creds := strings.TrimSpace(t.CredentialsFile)
			if creds == "" {
				continue
			}
			creds = util.ExpandHome(creds)
			if !filepath.IsAbs(creds) {
				creds = filepath.Join(tunnelsDir, creds)
			}
			if _, ok := seen[creds]; ok {
				continue
			}
			seen[creds] = struct{}{}
			if _, err := os.Stat(creds); os.IsNotExist(err) {
				findings = append(findings, Finding{
					Severity:       SeverityMedium,
					Target:         creds,
					Message:        fmt.Sprintf("credentials file for %s does not exist", t.Name),
					Recommendation: "recreate the credentials with `cloudflared tunnel token` or fix credentials-file",
				})
				continue
			}
			checkPathPerm(&findings, creds, 0o600, true)
		}
	}

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true)
		checkPathPerm(&findings, filepath.Join(cfgDir, "events.jsonl"), 0o600, true)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		severity := SeverityMedium
		if isFile {
			kind = "file"
			if mode&0o004 != 0 {
				severity = SeverityHigh
			}
		}
		*findings = append(*findings, Finding{
			Severity:       severity,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}

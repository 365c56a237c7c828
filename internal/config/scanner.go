// Package config discovers managed tunnels from the tunnel configuration
// directory.
//
// The config files are YAML, but only a handful of fields are needed, and
// files being edited are often half-written. Instead of a full YAML decode the
// scanner walks lines and indentation, so a broken file still yields whatever
// fields precede the damage.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/util"
)

// Extensions recognised as tunnel configuration files.
var Extensions = []string{".yml", ".yaml"}

// ScanResult is the declared set of managed tunnels, keyed by absolute config path.
type ScanResult struct {
	Tunnels  map[string]model.ManagedTunnel
	Warnings []string
}

// Paths returns the config paths in sorted order.
func (r ScanResult) Paths() []string {
	paths := make([]string, 0, len(r.Tunnels))
	for p := range r.Tunnels {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type ingressRule struct {
	hostname string
	service  string
}

// IsConfigFile reports whether name has a recognised config extension and is
// not a hidden or editor backup file.
func IsConfigFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// EnsureDir creates dir when it is absent. An existing non-directory is an error.
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// ScanDir ensures dir exists and parses every config file in it. Files that
// cannot be read are still listed by name, with a warning.
func ScanDir(dir string) (ScanResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ScanResult{}, err
	}
	if err := EnsureDir(abs); err != nil {
		return ScanResult{}, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return ScanResult{}, fmt.Errorf("read %s: %w", abs, err)
	}

	res := ScanResult{Tunnels: make(map[string]model.ManagedTunnel)}
	for _, e := range entries {
		if e.IsDir() || !IsConfigFile(e.Name()) {
			continue
		}
		path := filepath.Join(abs, e.Name())
		t, warnings, err := ParseFile(path)
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		}
		res.Tunnels[path] = t
	}
	return res, nil
}

// TunnelName derives the display name from a config path: the filename
// without its extension.
func TunnelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseFile extracts tunnel metadata from one config file. The returned tunnel
// always carries Name and ConfigPath, even when err is non-nil.
func ParseFile(path string) (model.ManagedTunnel, []string, error) {
	t := model.ManagedTunnel{
		Name:       TunnelName(path),
		ConfigPath: path,
		Status:     model.StatusStopped,
	}
	f, err := os.Open(path)
	if err != nil {
		return t, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		rules     []ingressRule
		inIngress bool
		inItem    bool
		dashCol   int
		keyCol    int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		raw := scanner.Text()
		indent := leadingSpace(raw)
		line := stripInlineComment(strings.TrimSpace(raw))
		if line == "" || line == "---" {
			continue
		}

		isItem := line == "-" || strings.HasPrefix(line, "- ")
		if indent == 0 && !isItem {
			key, value, ok := splitKey(line)
			if !ok {
				continue
			}
			inIngress, inItem = false, false
			switch key {
			case "tunnel":
				t.TunnelID = unquote(value)
			case "credentials-file":
				t.CredentialsFile = util.ExpandHome(unquote(value))
			case "ingress":
				inIngress = true
			}
			continue
		}
		if !inIngress {
			continue
		}

		if isItem {
			if inItem && indent > dashCol {
				// nested sequence inside an item
				continue
			}
			rest := strings.TrimLeft(strings.TrimPrefix(line, "-"), " ")
			rules = append(rules, ingressRule{})
			inItem = true
			dashCol = indent
			keyCol = indent + (len(line) - len(rest))
			if rest != "" {
				applyRuleKey(&rules[len(rules)-1], rest)
			}
			continue
		}
		if inItem && indent == keyCol {
			applyRuleKey(&rules[len(rules)-1], line)
		}
	}
	if err := scanner.Err(); err != nil {
		return t, nil, fmt.Errorf("scan %s: %w", path, err)
	}

	for _, r := range rules {
		if r.hostname != "" {
			t.Hostname = r.hostname
			t.Service = r.service
			break
		}
	}
	if t.Service == "" {
		for _, r := range rules {
			if r.service != "" && !strings.HasPrefix(r.service, "http_status") {
				t.Service = r.service
				break
			}
		}
	}
	t.Port = servicePort(t.Service)

	var warnings []string
	if t.TunnelID == "" {
		warnings = append(warnings, fmt.Sprintf("%s: no tunnel identifier", path))
	}
	if t.Hostname == "" {
		warnings = append(warnings, fmt.Sprintf("%s: no ingress hostname", path))
	}
	return t, warnings, nil
}

func applyRuleKey(r *ingressRule, line string) {
	key, value, ok := splitKey(line)
	if !ok {
		return
	}
	switch key {
	case "hostname":
		if r.hostname == "" {
			r.hostname = unquote(value)
		}
	case "service":
		if r.service == "" {
			r.service = unquote(value)
		}
	}
}

// servicePort returns the explicit port of an ingress service, or 0 when the
// service names none. Default ports are never inferred from the scheme.
func servicePort(service string) int {
	if service == "" {
		return 0
	}
	var portStr string
	if strings.Contains(service, "://") {
		u, err := url.Parse(service)
		if err != nil {
			return 0
		}
		portStr = u.Port()
	} else if _, p, err := net.SplitHostPort(service); err == nil {
		portStr = p
	}
	if portStr == "" {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || util.ValidatePort(port) != nil {
		return 0
	}
	return port
}

func leadingSpace(s string) int {
	n := 0
	for n < len(s) && (s[n] == ' ' || s[n] == '\t') {
		n++
	}
	return n
}

func splitKey(line string) (key, value string, ok bool) {
	i := strings.Index(line, ":")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if strings.ContainsAny(key, " \t\"'") {
		return "", "", false
	}
	return key, value, true
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// stripInlineComment drops a trailing "# ..." comment. A '#' only starts a
// comment at the beginning of the line or after whitespace, and never inside
// quotes.
func stripInlineComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

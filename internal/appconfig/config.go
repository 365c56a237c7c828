// Package appconfig manages application configuration and runtime file paths.
//
// Settings are layered with viper: built-in defaults, then config.yaml in the
// config directory, then TUNNELKEEPER_* environment variables (for example
// TUNNELKEEPER_TUNNELS_DIR or TUNNELKEEPER_TUNNEL_START_GRACE_MS).
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/treykane/tunnelkeeper/internal/util"
)

// AppName names the config directory and the environment prefix.
const AppName = "tunnelkeeper"

// CloudflaredConfig controls how the tunneling CLI is launched.
type CloudflaredConfig struct {
	Binary       string   `yaml:"binary" mapstructure:"binary"`
	ExtraPath    []string `yaml:"extra_path" mapstructure:"extra_path"`
	OriginCert   string   `yaml:"origin_cert" mapstructure:"origin_cert"`
	QuickDomains []string `yaml:"quick_domains" mapstructure:"quick_domains"`
}

// TunnelConfig holds lifecycle timings.
type TunnelConfig struct {
	StartGraceMS         int `yaml:"start_grace_ms" mapstructure:"start_grace_ms"`
	StopTimeoutMS        int `yaml:"stop_timeout_ms" mapstructure:"stop_timeout_ms"`
	RescanDebounceMS     int `yaml:"rescan_debounce_ms" mapstructure:"rescan_debounce_ms"`
	ReconcileSeconds     int `yaml:"reconcile_seconds" mapstructure:"reconcile_seconds"`
	StuckStoppingSeconds int `yaml:"stuck_stopping_seconds" mapstructure:"stuck_stopping_seconds"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures the rotating log file.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds" mapstructure:"refresh_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	TunnelsDir  string            `yaml:"tunnels_dir" mapstructure:"tunnels_dir"`
	Cloudflared CloudflaredConfig `yaml:"cloudflared" mapstructure:"cloudflared"`
	Tunnel      TunnelConfig      `yaml:"tunnel" mapstructure:"tunnel"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	UI          UIConfig          `yaml:"ui" mapstructure:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		TunnelsDir: "~/.cloudflared",
		Cloudflared: CloudflaredConfig{
			Binary:       "cloudflared",
			ExtraPath:    []string{"/opt/homebrew/bin", "/usr/local/bin"},
			OriginCert:   "cert.pem",
			QuickDomains: []string{"trycloudflare.com"},
		},
		Tunnel: TunnelConfig{
			StartGraceMS:         int(util.StartGracePeriod / time.Millisecond),
			StopTimeoutMS:        int(util.StopTimeout / time.Millisecond),
			RescanDebounceMS:     int(util.RescanDebounce / time.Millisecond),
			ReconcileSeconds:     util.DefaultReconcileSeconds,
			StuckStoppingSeconds: int(util.StuckStoppingTimeout / time.Second),
		},
		API: APIConfig{Addr: "127.0.0.1:7787"},
		Log: LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
		UI:  UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/tunnelkeeper.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", AppName), nil
}

// FilePath returns the path of config.yaml.
func FilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// EventsFilePath returns the full path to the event journal.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// LogFilePath returns the full path to the rotating log file.
func LogFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "logs", AppName+".log"), nil
}

// Load reads config.yaml from the config directory, layered over defaults and
// under environment overrides. If the file doesn't exist, it is created with
// defaults.
func Load() (Config, error) {
	path, err := FilePath()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(Default()); err != nil {
			return Default(), err
		}
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return normalize(cfg), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("tunnels_dir", d.TunnelsDir)
	v.SetDefault("cloudflared.binary", d.Cloudflared.Binary)
	v.SetDefault("cloudflared.extra_path", d.Cloudflared.ExtraPath)
	v.SetDefault("cloudflared.origin_cert", d.Cloudflared.OriginCert)
	v.SetDefault("cloudflared.quick_domains", d.Cloudflared.QuickDomains)
	v.SetDefault("tunnel.start_grace_ms", d.Tunnel.StartGraceMS)
	v.SetDefault("tunnel.stop_timeout_ms", d.Tunnel.StopTimeoutMS)
	v.SetDefault("tunnel.rescan_debounce_ms", d.Tunnel.RescanDebounceMS)
	v.SetDefault("tunnel.reconcile_seconds", d.Tunnel.ReconcileSeconds)
	v.SetDefault("tunnel.stuck_stopping_seconds", d.Tunnel.StuckStoppingSeconds)
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("ui.refresh_seconds", d.UI.RefreshSeconds)
	return v
}

// normalize replaces invalid or missing values with defaults.
func normalize(cfg Config) Config {
	d := Default()
	if strings.TrimSpace(cfg.TunnelsDir) == "" {
		cfg.TunnelsDir = d.TunnelsDir
	}
	if strings.TrimSpace(cfg.Cloudflared.Binary) == "" {
		cfg.Cloudflared.Binary = d.Cloudflared.Binary
	}
	if strings.TrimSpace(cfg.Cloudflared.OriginCert) == "" {
		cfg.Cloudflared.OriginCert = d.Cloudflared.OriginCert
	}
	if len(cfg.Cloudflared.QuickDomains) == 0 {
		cfg.Cloudflared.QuickDomains = d.Cloudflared.QuickDomains
	}
	if cfg.Tunnel.StartGraceMS <= 0 {
		cfg.Tunnel.StartGraceMS = d.Tunnel.StartGraceMS
	}
	if cfg.Tunnel.StopTimeoutMS <= 0 {
		cfg.Tunnel.StopTimeoutMS = d.Tunnel.StopTimeoutMS
	}
	if cfg.Tunnel.RescanDebounceMS <= 0 {
		cfg.Tunnel.RescanDebounceMS = d.Tunnel.RescanDebounceMS
	}
	if cfg.Tunnel.ReconcileSeconds <= 0 {
		cfg.Tunnel.ReconcileSeconds = d.Tunnel.ReconcileSeconds
	} else if cfg.Tunnel.ReconcileSeconds < util.MinReconcileSeconds {
		cfg.Tunnel.ReconcileSeconds = util.MinReconcileSeconds
	}
	if cfg.Tunnel.StuckStoppingSeconds <= 0 {
		cfg.Tunnel.StuckStoppingSeconds = d.Tunnel.StuckStoppingSeconds
	}
	if strings.TrimSpace(cfg.API.Addr) == "" {
		cfg.API.Addr = d.API.Addr
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = d.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups < 0 {
		cfg.Log.MaxBackups = d.Log.MaxBackups
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = d.UI.RefreshSeconds
	}
	return cfg
}

// ResolvedTunnelsDir returns TunnelsDir with a leading "~" expanded.
func (c Config) ResolvedTunnelsDir() string {
	return util.ExpandHome(c.TunnelsDir)
}

// StartGrace returns the start grace period.
func (c Config) StartGrace() time.Duration {
	return time.Duration(c.Tunnel.StartGraceMS) * time.Millisecond
}

// StopTimeout returns the synchronous stop timeout.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.Tunnel.StopTimeoutMS) * time.Millisecond
}

// RescanDebounce returns the directory monitor debounce.
func (c Config) RescanDebounce() time.Duration {
	return time.Duration(c.Tunnel.RescanDebounceMS) * time.Millisecond
}

// ReconcileInterval returns the reconciler period.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Tunnel.ReconcileSeconds) * time.Second
}

// StuckStopping returns how long a tunnel may stay stopping without an exit.
func (c Config) StuckStopping() time.Duration {
	return time.Duration(c.Tunnel.StuckStoppingSeconds) * time.Second
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	path, err := FilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

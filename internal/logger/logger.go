// Package logger configures the process-wide slog default: a text handler
// writing to a size-rotated file in the config directory, optionally mirrored
// to stderr for foreground commands.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/treykane/tunnelkeeper/internal/appconfig"
)

// Options controls logger setup.
type Options struct {
	Level      string
	MaxSizeMB  int
	MaxBackups int
	// Stderr mirrors log output to the terminal.
	Stderr bool
}

// FromConfig builds Options from application settings.
func FromConfig(cfg appconfig.Config) Options {
	return Options{Level: cfg.Log.Level, MaxSizeMB: cfg.Log.MaxSizeMB, MaxBackups: cfg.Log.MaxBackups}
}

// Init installs the default logger. The returned closer flushes and closes the
// log file.
func Init(opts Options) (io.Closer, error) {
	path, err := appconfig.LogFilePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	var w io.Writer = file
	if opts.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	slog.SetDefault(slog.New(h))
	return file, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns the default logger tagged with a component name.
func WithComponent(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

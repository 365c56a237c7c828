// Package util provides common utility functions and constants used across the
// tunnelkeeper application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// StartGracePeriod is how long a freshly spawned tunnel must stay alive
	// before it is reported as running. Tunneling CLIs fail fast on bad
	// credentials or config errors, usually well inside this window.
	// Used by: internal/tunnel (Manager.Start) and internal/appconfig (Default).
	StartGracePeriod = 2 * time.Second

	// StopTimeout bounds how long a synchronous stop polls for the process to
	// exit. After it elapses control returns and the exit callback finalizes
	// state whenever the process actually goes away.
	StopTimeout = 2500 * time.Millisecond

	// StopPollInterval is the liveness polling period during a synchronous stop.
	StopPollInterval = 100 * time.Millisecond

	// RescanDebounce is the quiet period the directory monitor waits for after
	// the last filesystem event before re-scanning the tunnels directory.
	RescanDebounce = 1500 * time.Millisecond

	// DefaultReconcileSeconds is the default period of the status reconciler.
	DefaultReconcileSeconds = 30

	// MinReconcileSeconds is the floor enforced on the reconciler period so a
	// misconfigured value cannot turn it into a busy loop.
	MinReconcileSeconds = 5

	// StuckStoppingTimeout is how long a tunnel may sit in the stopping state
	// without an exit callback before the reconciler declares it stopped.
	StuckStoppingTimeout = 15 * time.Second

	// ErrorTailLength bounds the captured output attached to a crash report.
	ErrorTailLength = 240

	// DefaultRefreshSeconds is the fallback interval (in seconds) for the TUI
	// dashboard's periodic redraw. Used when config.yaml has an invalid or
	// missing refresh_seconds value.
	// Used by: internal/ui/ui.go (tickCmd, clampRefresh) and
	//          internal/appconfig/config.go (Default, Load).
	DefaultRefreshSeconds = 3
)

package model

import "time"

// Status is the lifecycle state of a tunnel.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Active reports whether the status represents a process that should be alive.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusStarting
}

// CanStart reports whether a start request is accepted from this status.
func (s Status) CanStart() bool {
	return s == StatusStopped || s == StatusError || s == ""
}

// TunnelKind distinguishes config-backed tunnels from ephemeral ones.
type TunnelKind string

const (
	KindManaged TunnelKind = "managed"
	KindQuick   TunnelKind = "quick"
)

// ManagedTunnel is a long-lived tunnel declared by a config file on disk.
// Optional fields are left empty/zero when they could not be extracted.
type ManagedTunnel struct {
	Name            string    `json:"name"`
	TunnelID        string    `json:"tunnel_id,omitempty"`
	ConfigPath      string    `json:"config_path"`
	CredentialsFile string    `json:"credentials_file,omitempty"`
	Hostname        string    `json:"hostname,omitempty"`
	Service         string    `json:"service,omitempty"`
	Port            int       `json:"port,omitempty"`
	Status          Status    `json:"status"`
	PID             int       `json:"pid,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	StatusSince     time.Time `json:"status_since"`
}

// QuickTunnel is an ephemeral tunnel whose public URL is scraped from output.
type QuickTunnel struct {
	ID        string    `json:"id"`
	LocalURL  string    `json:"local_url"`
	PublicURL string    `json:"public_url,omitempty"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

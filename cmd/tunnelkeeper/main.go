// Package main is the entry point for the tunnelkeeper binary.
//
// tunnelkeeper supervises cloudflared tunnel processes: long-lived tunnels
// declared by config files in a watched directory, and ephemeral quick
// tunnels whose public URL is discovered from process output.
//
// When invoked without arguments, it launches the interactive TUI dashboard.
// Subcommands run a single tunnel in the foreground, serve the local HTTP API,
// or inspect configs, events, and the local installation.
//
// Usage:
//
//	tunnelkeeper                  # launch the TUI dashboard
//	tunnelkeeper list             # list tunnel configs
//	tunnelkeeper run blog         # run one managed tunnel until Ctrl+C
//	tunnelkeeper quick http://localhost:5173
//	tunnelkeeper serve            # headless manager with the HTTP API
package main

import (
	"fmt"
	"os"

	"github.com/treykane/tunnelkeeper/internal/cli"
	"github.com/treykane/tunnelkeeper/internal/security"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", security.UserMessage(err, true))
		os.Exit(1)
	}
}

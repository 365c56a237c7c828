// Package cli provides the command-line interface for tunnelkeeper.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/tunnelkeeper/internal/api"
	"github.com/treykane/tunnelkeeper/internal/appconfig"
	"github.com/treykane/tunnelkeeper/internal/cloudflared"
	"github.com/treykane/tunnelkeeper/internal/config"
	"github.com/treykane/tunnelkeeper/internal/doctor"
	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/group"
	"github.com/treykane/tunnelkeeper/internal/logger"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/tunnel"
	"github.com/treykane/tunnelkeeper/internal/ui"
	"github.com/treykane/tunnelkeeper/internal/util"
)

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tunnelkeeper",
		Short:         "Cloudflare tunnel process manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard("")
		},
	}

	root.AddCommand(newDashboardCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newQuickCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newGroupCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

// runtime is the wiring shared by long-running commands: one manager, its bus,
// and the journal recording that bus.
type runtime struct {
	cfg     appconfig.Config
	mgr     *tunnel.Manager
	journal *events.Store
	logs    io.Closer

	closeOnce sync.Once
}

// closeLogs releases the log file. Safe to call more than once.
func (rt *runtime) closeLogs() {
	rt.closeOnce.Do(func() { _ = rt.logs.Close() })
}

func newRuntime(stderrLogs bool) (*runtime, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	opts := logger.FromConfig(cfg)
	opts.Stderr = stderrLogs
	logs, err := logger.Init(opts)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	dir := cfg.ResolvedTunnelsDir()
	client := cloudflared.New(cloudflared.Options{
		Binary:     cfg.Cloudflared.Binary,
		ExtraPath:  cfg.Cloudflared.ExtraPath,
		TunnelsDir: dir,
		OriginCert: cfg.Cloudflared.OriginCert,
	})
	bus := events.NewBus()
	return &runtime{
		cfg:     cfg,
		mgr:     tunnel.NewManager(tunnel.OptionsFromConfig(cfg, client, bus)),
		journal: events.NewStore(),
		logs:    logs,
	}, nil
}

// start launches the journal recorder and the manager's watch loop. The
// returned wait blocks until both have returned after ctx is cancelled; by
// then every tunnel has been stopped.
func (rt *runtime) start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rt.journal.Record(ctx, rt.mgr.Bus())
	}()
	go func() {
		defer wg.Done()
		_ = rt.mgr.Run(ctx)
	}()
	return func() {
		wg.Wait()
		rt.closeLogs()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDashboard(groupName string) error {
	rt, err := newRuntime(false)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	wait := rt.start(ctx)
	defer func() {
		cancel()
		wait()
	}()
	if err := autostart(rt.mgr, groupName); err != nil {
		return err
	}
	return ui.Run(rt.mgr, rt.cfg.UI.RefreshSeconds)
}

func newDashboardCmd() *cobra.Command {
	var groupName string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Open the interactive dashboard (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(groupName)
		},
	}
	cmd.Flags().StringVar(&groupName, "group", "", "start every tunnel in this group on launch")
	return cmd
}

func newListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tunnel configs in the tunnels directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			res, err := config.ScanDir(cfg.ResolvedTunnelsDir())
			if err != nil {
				return err
			}
			tunnels := make([]model.ManagedTunnel, 0, len(res.Tunnels))
			for _, p := range res.Paths() {
				tunnels = append(tunnels, res.Tunnels[p])
			}
			sort.SliceStable(tunnels, func(i, j int) bool { return tunnels[i].Name < tunnels[j].Name })
			if jsonOut {
				return printJSON(tunnels)
			}
			fmt.Printf("%-20s %-38s %-28s %-6s %s\n", "NAME", "TUNNEL", "HOSTNAME", "PORT", "CONFIG")
			for _, t := range tunnels {
				fmt.Printf("%-20s %-38s %-28s %-6s %s\n", t.Name, util.EmptyDash(t.TunnelID), util.EmptyDash(t.Hostname), util.PortString(t.Port), t.ConfigPath)
			}
			if len(res.Warnings) > 0 {
				fmt.Fprintln(os.Stderr, "warnings:")
				for _, w := range res.Warnings {
					fmt.Fprintf(os.Stderr, "  - %s\n", w)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newRunCmd() *cobra.Command {
	var groupName string
	cmd := &cobra.Command{
		Use:   "run [name|config-path]...",
		Short: "Run managed tunnels in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := collectRefs(args, groupName)
			if err != nil {
				return err
			}
			rt, err := newRuntime(true)
			if err != nil {
				return err
			}
			defer rt.closeLogs()
			if err := rt.mgr.Rescan(); err != nil {
				return err
			}
			keys := make(map[string]bool)
			var paths []string
			for _, ref := range refs {
				path, err := rt.mgr.Resolve(ref)
				if err != nil {
					return err
				}
				if !keys[path] {
					keys[path] = true
					paths = append(paths, path)
				}
			}
			ch, unsubscribe := rt.mgr.Bus().Subscribe(events.DefaultBuffer)
			defer unsubscribe()

			ctx, cancel := signalContext()
			wait := rt.start(ctx)
			defer func() {
				cancel()
				wait()
			}()

			for _, path := range paths {
				if err := rt.mgr.Start(path); err != nil {
					return err
				}
			}
			for {
				select {
				case <-ctx.Done():
					fmt.Println("stopping")
					return nil
				case evt, ok := <-ch:
					if !ok {
						return nil
					}
					if evt.Kind != events.KindStateChanged || !keys[evt.Key] {
						continue
					}
					printStateLine(evt)
					if evt.Removed {
						delete(keys, evt.Key)
						if len(keys) == 0 {
							return fmt.Errorf("%s: config removed", evt.Name)
						}
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&groupName, "group", "", "also run every tunnel in this group")
	return cmd
}

// collectRefs merges positional tunnel references with a group's members.
func collectRefs(args []string, groupName string) ([]string, error) {
	refs := append([]string(nil), args...)
	if groupName != "" {
		g, err := group.Get(groupName)
		if err != nil {
			return nil, err
		}
		refs = append(refs, g.Tunnels...)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("name a tunnel or pass --group")
	}
	return refs, nil
}

// autostart starts a group's tunnels, logging the ones that fail.
func autostart(mgr *tunnel.Manager, groupName string) error {
	if groupName == "" {
		return nil
	}
	g, err := group.Get(groupName)
	if err != nil {
		return err
	}
	if err := mgr.Rescan(); err != nil {
		return err
	}
	for _, ref := range g.Tunnels {
		if err := mgr.Start(ref); err != nil {
			slog.Warn("autostart failed", "group", groupName, "tunnel", ref, "error", err)
		}
	}
	return nil
}

func newQuickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quick <local-url>",
		Short: "Expose a local URL through an ephemeral quick tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := tunnel.ValidateLocalURL(args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(true)
			if err != nil {
				return err
			}
			ch, unsubscribe := rt.mgr.Bus().Subscribe(events.DefaultBuffer)
			defer unsubscribe()

			ctx, cancel := signalContext()
			wait := rt.start(ctx)
			defer func() {
				cancel()
				wait()
			}()

			id, err := rt.mgr.StartQuick(target)
			if err != nil {
				return err
			}
			fmt.Printf("quick tunnel %s starting for %s\n", id, target)
			announced := false
			for {
				select {
				case <-ctx.Done():
					fmt.Println("stopping")
					return nil
				case evt, ok := <-ch:
					if !ok {
						return nil
					}
					if evt.Kind != events.KindStateChanged || evt.Key != id {
						continue
					}
					if evt.PublicURL != "" && !announced {
						announced = true
						fmt.Printf("public URL: %s\n", evt.PublicURL)
					}
					if evt.Status == model.StatusError {
						return fmt.Errorf("quick tunnel failed: %s", util.DefaultString(evt.Message, "process exited"))
					}
				}
			}
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr, groupName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager headless with the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(true)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = rt.cfg.API.Addr
			}
			ctx, cancel := signalContext()
			wait := rt.start(ctx)
			defer func() {
				cancel()
				wait()
			}()

			if err := autostart(rt.mgr, groupName); err != nil {
				return err
			}
			return api.New(rt.mgr, rt.journal).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&groupName, "group", "", "start every tunnel in this group on launch")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		name    string
		kind    string
		limit   int
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := events.Query{Name: name, Kind: events.Kind(kind), Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return printJSON(evts)
			}
			fmt.Printf("%-20s %-14s %-24s %-9s %s\n", "TIME", "KIND", "NAME", "STATUS", "DETAIL")
			for _, e := range evts {
				fmt.Printf("%-20s %-14s %-24s %-9s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Kind, util.EmptyDash(e.Name), util.EmptyDash(string(e.Status)), eventDetail(e))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by tunnel name")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind (state_changed, notification, rescan)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration, e.g. 1h")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newGroupCmd() *cobra.Command {
	root := &cobra.Command{Use: "group", Short: "Manage named sets of tunnels started together"}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := group.LoadAll()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(groups)
			}
			fmt.Printf("%-20s %s\n", "GROUP", "TUNNELS")
			for _, g := range groups {
				fmt.Printf("%-20s %s\n", g.Name, strings.Join(g.Tunnels, ", "))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	create := &cobra.Command{
		Use:   "create <group> <tunnel>...",
		Short: "Create or replace a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := group.Create(args[0], args[1:]); err != nil {
				return err
			}
			fmt.Printf("saved group %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <group>",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := group.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted group %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(list, create, del)
	return root
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose cloudflared, tunnel configs, and local permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(report)
			}
			fmt.Printf("cloudflared: %s\n", util.DefaultString(report.CloudflaredVersion, "not found"))
			fmt.Printf("tunnels dir: %s (%d configs)\n", report.TunnelsDir, report.Tunnels)
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, i := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", i.Severity, i.Check, i.Target, i.Message)
				if i.Recommendation != "" {
					fmt.Printf("    -> %s\n", i.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStateLine(evt events.Event) {
	line := fmt.Sprintf("%s %s", evt.Name, evt.Status)
	if evt.PID > 0 {
		line += fmt.Sprintf(" pid=%d", evt.PID)
	}
	if evt.Message != "" {
		line += ": " + evt.Message
	}
	fmt.Println(line)
}

func eventDetail(e events.Event) string {
	switch {
	case e.Notification != nil:
		if e.Notification.Body != "" {
			return e.Notification.Title + ": " + e.Notification.Body
		}
		return e.Notification.Title
	case e.PublicURL != "":
		return e.PublicURL
	default:
		return util.EmptyDash(e.Message)
	}
}

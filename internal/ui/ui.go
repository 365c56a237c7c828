// Package ui implements the terminal dashboard. It subscribes to the manager's
// event bus for live updates and issues lifecycle commands on key presses.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/tunnel"
	"github.com/treykane/tunnelkeeper/internal/util"
)

const maxNotifications = 4

type tickMsg time.Time

type statusMsg string

type eventMsg events.Event

// busClosedMsg ends event polling once the subscription channel closes.
type busClosedMsg struct{}

// row is one line of the tunnel table, managed or quick.
type row struct {
	kind      model.TunnelKind
	key       string
	name      string
	target    string
	status    model.Status
	pid       int
	publicURL string
	lastError string
	since     time.Time
}

type dashboardModel struct {
	mgr        *tunnel.Manager
	events     <-chan events.Event
	refresh    int
	rows       []row
	filtered   []row
	sel        int
	filter     string
	filterMode bool
	showHelp   bool
	form       *quickForm
	spin       spinner.Model
	status     string
	notices    []events.Notification
	width      int
	height     int
}

func newDashboard(mgr *tunnel.Manager, ch <-chan events.Event, refreshSeconds int) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	m := dashboardModel{
		mgr:     mgr,
		events:  ch,
		refresh: clampRefresh(refreshSeconds),
		spin:    sp,
		status:  "Ready. Select a tunnel and press Enter to start or stop it, n for a quick tunnel.",
	}
	m.reload()
	return m
}

// reload rebuilds the table from manager snapshots.
func (m *dashboardModel) reload() {
	var rows []row
	for _, t := range m.mgr.Managed() {
		rows = append(rows, row{
			kind:      model.KindManaged,
			key:       t.ConfigPath,
			name:      t.Name,
			target:    managedTarget(t),
			status:    t.Status,
			pid:       t.PID,
			lastError: t.LastError,
			since:     t.StatusSince,
		})
	}
	for _, q := range m.mgr.Quick() {
		rows = append(rows, row{
			kind:      model.KindQuick,
			key:       q.ID,
			name:      "quick " + shortID(q.ID),
			target:    q.LocalURL,
			status:    q.Status,
			pid:       q.PID,
			publicURL: q.PublicURL,
			lastError: q.LastError,
			since:     q.StartedAt,
		})
	}
	m.rows = rows
	m.applyFilter()
}

func (m *dashboardModel) applyFilter() {
	f := strings.ToLower(strings.TrimSpace(m.filter))
	if f == "" {
		m.filtered = append([]row(nil), m.rows...)
	} else {
		m.filtered = nil
		for _, r := range m.rows {
			if strings.Contains(strings.ToLower(r.name), f) || strings.Contains(strings.ToLower(r.target), f) {
				m.filtered = append(m.filtered, r)
			}
		}
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m dashboardModel) selected() (row, bool) {
	if len(m.filtered) == 0 {
		return row{}, false
	}
	return m.filtered[m.sel], true
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return busClosedMsg{}
		}
		return eventMsg(evt)
	}
}

// runCmd performs a blocking manager call off the UI goroutine.
func runCmd(fn func() error, ok string) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return statusMsg(err.Error())
		}
		return statusMsg(ok)
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.refresh), waitForEvent(m.events), m.spin.Tick)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.reload()
		return m, tickCmd(m.refresh)
	case eventMsg:
		m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.events)
	case busClosedMsg:
		m.events = nil
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case statusMsg:
		m.status = string(msg)
		m.reload()
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *dashboardModel) handleEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindNotification:
		if evt.Notification == nil {
			return
		}
		m.notices = append(m.notices, *evt.Notification)
		if len(m.notices) > maxNotifications {
			m.notices = m.notices[len(m.notices)-maxNotifications:]
		}
		m.status = evt.Notification.Title
	case events.KindStateChanged, events.KindRescan:
		m.reload()
	}
}

func (m dashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.form != nil {
		if msg.String() == "esc" {
			m.form = nil
			m.status = "Quick tunnel cancelled"
			return m, nil
		}
		target, cmd := m.form.update(msg)
		if target == "" {
			return m, cmd
		}
		m.form = nil
		m.status = "Starting quick tunnel for " + target
		mgr := m.mgr
		return m, func() tea.Msg {
			id, err := mgr.StartQuick(target)
			if err != nil {
				return statusMsg("Quick tunnel failed: " + err.Error())
			}
			return statusMsg("Quick tunnel " + shortID(id) + " launched; waiting for its public URL")
		}
	}

	if m.filterMode {
		switch msg.String() {
		case "enter", "esc":
			m.filterMode = false
			m.applyFilter()
		case "backspace":
			if len(m.filter) > 0 {
				m.filter = m.filter[:len(m.filter)-1]
			}
			m.applyFilter()
		default:
			if len(msg.String()) == 1 {
				m.filter += msg.String()
				m.applyFilter()
			}
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.filtered)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "/":
		m.filterMode = true
		m.status = "Filter mode: type and press Enter"
	case "?":
		m.showHelp = !m.showHelp
	case "n":
		m.form = newQuickForm()
		return m, m.form.input.Cursor.BlinkCmd()
	case "r":
		m.status = "Rescanning tunnels directory"
		return m, runCmd(m.mgr.Rescan, "Rescanned tunnels directory")
	case "enter", "t":
		r, ok := m.selected()
		if !ok {
			break
		}
		if r.kind == model.KindQuick {
			return m, runCmd(func() error { return m.mgr.StopQuick(r.key) }, "Stopping "+r.name)
		}
		return m, runCmd(func() error { return m.mgr.Toggle(r.key) }, "Toggled "+r.name)
	case "s":
		r, ok := m.selected()
		if !ok || r.kind != model.KindManaged {
			break
		}
		return m, runCmd(func() error { return m.mgr.Start(r.key) }, "Starting "+r.name)
	case "x":
		r, ok := m.selected()
		if !ok {
			break
		}
		if r.kind == model.KindQuick {
			return m, runCmd(func() error { return m.mgr.StopQuick(r.key) }, "Stopping "+r.name)
		}
		return m, runCmd(func() error { return m.mgr.Stop(r.key, false) }, "Stopping "+r.name)
	case "X":
		m.status = "Stopping all tunnels"
		return m, runCmd(func() error { m.mgr.StopAll(false); return nil }, "Stop requested for all tunnels")
	}
	return m, nil
}

func (m dashboardModel) View() string {
	width := m.effectiveWidth()
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Tunnel Keeper")
	subhead := fmt.Sprintf("dir=%s managed=%d quick=%d running=%d refresh=%ds",
		m.mgr.TunnelsDir(), len(m.mgr.Managed()), len(m.mgr.Quick()), m.countStatus(model.StatusRunning), m.refresh)

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: Enter toggle | s start | x stop | X stop all | n quick tunnel | / filter | r rescan | ? help | q quit"

	sections := []string{head, subhead, filterLine, quickHelp}
	if err := m.mgr.DirError(); err != nil {
		sections = append(sections, m.renderPanel("Directory", err.Error(), width, lipgloss.Color("196")))
	}
	sections = append(sections, m.renderMainPanels(m.tableView(), m.detailView()))
	if m.form != nil {
		sections = append(sections, m.form.view(m.renderPanel, width))
	}
	if m.showHelp {
		sections = append(sections, m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244")))
	}
	if warnings := m.mgr.Warnings(); len(warnings) > 0 {
		sections = append(sections, "Warnings: "+strings.Join(warnings, " | "))
	}
	if len(m.notices) > 0 {
		sections = append(sections, m.renderPanel("Notifications", m.noticeView(), width, lipgloss.Color("63")))
	}
	sections = append(sections, m.renderPanel("Status", m.status, width, lipgloss.Color("205")))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashboardModel) tableView() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %-20s %-10s %-8s %s\n", "NAME", "STATUS", "PID", "TARGET"))
	for i, r := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		pid := "-"
		if r.pid > 0 {
			pid = fmt.Sprintf("%d", r.pid)
		}
		b.WriteString(fmt.Sprintf("%s %-20s %s %-8s %s\n", cursor, truncate(r.name, 20), m.statusCell(r.status), pid, r.target))
	}
	if len(m.filtered) == 0 {
		b.WriteString("  (no tunnels)\n")
	}
	return b.String()
}

func (m dashboardModel) detailView() string {
	r, ok := m.selected()
	if !ok {
		return "Add tunnel configs to " + m.mgr.TunnelsDir() + " or press n for a quick tunnel.\n"
	}
	var b strings.Builder
	if r.kind == model.KindManaged {
		t, err := m.mgr.Get(r.key)
		if err != nil {
			return err.Error()
		}
		b.WriteString(fmt.Sprintf("Name: %s\nTunnel: %s\nHostname: %s\nService: %s\nPort: %s\nConfig: %s\n",
			t.Name, util.EmptyDash(t.TunnelID), util.EmptyDash(t.Hostname), util.EmptyDash(t.Service), util.PortString(t.Port), t.ConfigPath))
	} else {
		b.WriteString(fmt.Sprintf("Quick tunnel: %s\nLocal: %s\nPublic: %s\n", r.key, r.target, util.EmptyDash(r.publicURL)))
	}
	b.WriteString(fmt.Sprintf("Status: %s for %s\n", r.status, time.Since(r.since).Round(time.Second)))
	if r.lastError != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Last error: "+r.lastError) + "\n")
	}
	return b.String()
}

func (m dashboardModel) noticeView() string {
	lines := make([]string, 0, len(m.notices))
	for _, n := range m.notices {
		line := n.Title
		if n.Body != "" {
			line += ": " + n.Body
		}
		lines = append(lines, levelStyle(n.Level).Render(line))
	}
	return strings.Join(lines, "\n")
}

func (m dashboardModel) statusCell(s model.Status) string {
	label := fmt.Sprintf("%-10s", s)
	switch s {
	case model.StatusStarting, model.StatusStopping:
		return m.spin.View() + lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render(fmt.Sprintf("%-9s", s))
	case model.StatusRunning:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render(label)
	case model.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(label)
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(label)
	}
}

func (m dashboardModel) countStatus(s model.Status) int {
	n := 0
	for _, r := range m.rows {
		if r.status == s {
			n++
		}
	}
	return n
}

func (m dashboardModel) renderMainPanels(tablePanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 110 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Tunnels", tablePanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width * 3 / 5
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Tunnels", tablePanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type name or target text, then Enter.",
		"  Toggle: Enter or t starts a stopped tunnel and stops a running one.",
		"  Quick tunnel: press n, enter a port or local URL; the public URL appears once cloudflared reports it.",
		"  Stop: x stops the selected tunnel; X stops everything.",
		"  Rescan: r re-reads the tunnels directory (changes are also picked up automatically).",
		"  Quit: press q (or Ctrl+C) and all tunnels are stopped.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

// Run shows the dashboard until the user quits. The caller owns the manager's
// lifecycle, including stopping tunnels afterwards.
func Run(mgr *tunnel.Manager, refreshSeconds int) error {
	ch, cancel := mgr.Bus().Subscribe(events.DefaultBuffer)
	defer cancel()
	p := tea.NewProgram(newDashboard(mgr, ch, refreshSeconds), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func levelStyle(l events.Level) lipgloss.Style {
	switch l {
	case events.LevelSuccess:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case events.LevelError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	default:
		return lipgloss.NewStyle()
	}
}

func managedTarget(t model.ManagedTunnel) string {
	switch {
	case t.Hostname != "" && t.Port > 0:
		return fmt.Sprintf("%s -> :%d", t.Hostname, t.Port)
	case t.Hostname != "":
		return t.Hostname
	default:
		return util.EmptyDash(t.Service)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

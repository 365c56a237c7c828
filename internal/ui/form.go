package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnelkeeper/internal/tunnel"
	"github.com/treykane/tunnelkeeper/internal/util"
)

// quickForm collects the local target of a new quick tunnel.
type quickForm struct {
	input  textinput.Model
	errMsg string
}

func newQuickForm() *quickForm {
	in := textinput.New()
	in.Placeholder = "5173, localhost:5173 or http://localhost:5173"
	in.CharLimit = 256
	in.Width = 50
	in.Focus()
	return &quickForm{input: in}
}

// update processes a key message and returns the normalized local URL once the
// user submits a valid target.
func (f *quickForm) update(msg tea.KeyMsg) (string, tea.Cmd) {
	switch msg.String() {
	case "enter":
		target, err := parseLocalTarget(f.input.Value())
		if err != nil {
			f.errMsg = err.Error()
			return "", nil
		}
		return target, nil
	default:
		var cmd tea.Cmd
		f.input, cmd = f.input.Update(msg)
		f.errMsg = ""
		return "", cmd
	}
}

func (f *quickForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	var b strings.Builder
	b.WriteString("Local service to expose:\n\n")
	b.WriteString("  " + f.input.View() + "\n\n")
	b.WriteString("Formats: port | host:port | scheme://host:port\n")
	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nEnter to start, Esc to cancel")
	return renderPanel("New Quick Tunnel", b.String(), width, lipgloss.Color("214"))
}

// parseLocalTarget expands shorthand into a full local URL.
// Supported formats: port, host:port, scheme://host[:port][/path]
func parseLocalTarget(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("local URL cannot be empty")
	}
	if port, err := strconv.Atoi(input); err == nil {
		if err := util.ValidatePort(port); err != nil {
			return "", err
		}
		return "http://localhost:" + strconv.Itoa(port), nil
	}
	if !strings.Contains(input, "://") {
		input = "http://" + input
	}
	return tunnel.ValidateLocalURL(input)
}

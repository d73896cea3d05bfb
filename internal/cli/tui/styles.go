// Package tui renders the static fleet snapshot forrest status prints,
// grounded on _examples/RevCBH-choo/internal/cli/tui/{styles,model,view}.go's
// lipgloss table idiom, reduced from that package's interactive
// ticking dashboard to a single-paint table.
package tui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used to render the fleet table.
type Styles struct {
	Title      lipgloss.Style
	Header     lipgloss.Style
	Running    lipgloss.Style
	Starting   lipgloss.Style
	Stopping   lipgloss.Style
	Stopped    lipgloss.Style
	Default    lipgloss.Style
	Empty      lipgloss.Style
}

// DefaultStyles returns the table's default color scheme.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245")),
		Running:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Starting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Stopping: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Stopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Default:  lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		Empty:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
	}
}

// styleFor picks the style matching a machine.Status string.
func (s Styles) styleFor(status string) lipgloss.Style {
	switch status {
	case "running":
		return s.Running
	case "starting", "waiting", "registering":
		return s.Starting
	case "stopping":
		return s.Stopping
	case "stopped":
		return s.Stopped
	default:
		return s.Default
	}
}

package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Row is one machine's externally visible state, decoded from the
// daemon's /admin/fleet snapshot. It is a plain local type rather than
// fleet.MachineSnapshot itself so this package never imports internal/fleet.
type Row struct {
	Owner       string
	Repository  string
	MachineName string
	RunnerName  string
	Status      string
	RAMRequired uint64
	StartedAt   time.Time
}

// FleetModel is a single-paint bubbletea model: it renders the fleet
// table exactly once and quits, rather than ticking an interactive loop.
type FleetModel struct {
	rows   []Row
	styles Styles
}

// NewFleetModel returns a FleetModel over rows.
func NewFleetModel(rows []Row) FleetModel {
	return FleetModel{rows: rows, styles: DefaultStyles()}
}

// Init implements tea.Model. It requests an immediate quit: the table is
// static, there is nothing to wait on.
func (m FleetModel) Init() tea.Cmd {
	return tea.Quit
}

// Update implements tea.Model.
func (m FleetModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(tea.KeyMsg); ok {
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m FleetModel) View() string {
	return m.render()
}

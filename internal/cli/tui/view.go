package tui

import (
	"fmt"
	"sort"
	"strings"
)

const (
	colTriplet = 40
	colRunner  = 22
	colStatus  = 12
	colRAM     = 10
)

func pad(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatRAM(bytes uint64) string {
	const gib = 1 << 30
	if bytes >= gib {
		return fmt.Sprintf("%.1fG", float64(bytes)/gib)
	}
	const mib = 1 << 20
	return fmt.Sprintf("%.0fM", float64(bytes)/mib)
}

func (m FleetModel) render() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("forrest fleet"))
	b.WriteString("\n\n")

	if len(m.rows) == 0 {
		b.WriteString(m.styles.Empty.Render("no machines are currently live"))
		b.WriteString("\n")
		return b.String()
	}

	header := pad("TRIPLET", colTriplet) + pad("RUNNER", colRunner) + pad("STATUS", colStatus) + pad("RAM", colRAM)
	b.WriteString(m.styles.Header.Render(header))
	b.WriteString("\n")

	rows := append([]Row(nil), m.rows...)
	sort.Slice(rows, func(i, j int) bool {
		ti := rows[i].Owner + "/" + rows[i].Repository + "/" + rows[i].MachineName
		tj := rows[j].Owner + "/" + rows[j].Repository + "/" + rows[j].MachineName
		if ti != tj {
			return ti < tj
		}
		return rows[i].RunnerName < rows[j].RunnerName
	})

	for _, row := range rows {
		triplet := row.Owner + "/" + row.Repository + "/" + row.MachineName
		line := pad(triplet, colTriplet) + pad(row.RunnerName, colRunner) +
			pad(row.Status, colStatus) + pad(formatRAM(row.RAMRequired), colRAM)
		b.WriteString(m.styles.styleFor(row.Status).Render(line))
		b.WriteString("\n")
	}

	return b.String()
}

// RenderPlain renders rows as a plain, color-free table, for non-TTY
// stdout (piped output, CI logs).
func RenderPlain(rows []Row) string {
	return NewFleetModel(rows).renderPlain()
}

func (m FleetModel) renderPlain() string {
	var b strings.Builder

	if len(m.rows) == 0 {
		b.WriteString("no machines are currently live\n")
		return b.String()
	}

	b.WriteString(pad("TRIPLET", colTriplet) + pad("RUNNER", colRunner) + pad("STATUS", colStatus) + pad("RAM", colRAM))
	b.WriteString("\n")

	rows := append([]Row(nil), m.rows...)
	sort.Slice(rows, func(i, j int) bool {
		ti := rows[i].Owner + "/" + rows[i].Repository + "/" + rows[i].MachineName
		tj := rows[j].Owner + "/" + rows[j].Repository + "/" + rows[j].MachineName
		if ti != tj {
			return ti < tj
		}
		return rows[i].RunnerName < rows[j].RunnerName
	})

	for _, row := range rows {
		triplet := row.Owner + "/" + row.Repository + "/" + row.MachineName
		b.WriteString(pad(triplet, colTriplet) + pad(row.RunnerName, colRunner) +
			pad(row.Status, colStatus) + pad(formatRAM(row.RAMRequired), colRAM))
		b.WriteString("\n")
	}

	return b.String()
}

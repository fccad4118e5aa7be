package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/enginehost/internal/dispatch"
)

const recentCalls = 6

func newCallsTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Operation", Width: 24},
			{Title: "Status", Width: 12},
			{Title: "Took", Width: 10},
			{Title: "Result", Width: 8},
			{Title: "When", Width: 16},
		}),
		table.WithHeight(recentCalls),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	return t
}

func callRows(calls []dispatch.CallRecord) []table.Row {
	rows := make([]table.Row, 0, len(calls))
	for _, c := range calls {
		status := c.Status
		if c.Abandoned {
			status += "*"
		}
		rows = append(rows, table.Row{
			c.Operation,
			status,
			c.Duration().Round(time.Millisecond).String(),
			humanize.Bytes(uint64(max(0, c.ResultBytes))),
			humanize.Time(c.FinishedAt),
		})
	}
	return rows
}

func renderCalls(t table.Model, theme Theme, width int) string {
	innerWidth := width - 4
	var body string
	if len(t.Rows()) == 0 {
		body = theme.Dim.Render("  No recorded calls")
	} else {
		body = t.View()
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("RECENT CALLS"),
		body,
	))
}

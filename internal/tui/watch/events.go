package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/enginehost/internal/events"
)

const eventStreamRows = 10

// eventFields are the keys host events carry; any subset may be present.
type eventFields struct {
	CallID     string          `json:"call_id"`
	Operation  string          `json:"operation"`
	Generation *uint64         `json:"generation"`
	PID        int             `json:"pid"`
	Status     string          `json:"status"`
	Error      string          `json:"error"`
	Progress   json.RawMessage `json:"progress"`
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	body := theme.Dim.Render("  Waiting for events...")
	if len(eventLog) > 0 {
		n := min(len(eventLog), eventStreamRows)
		lines := make([]string, 0, n)
		for _, e := range eventLog[:n] {
			lines = append(lines, formatEvent(e, theme))
		}
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	}
	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("EVENT STREAM"), body))
}

func formatEvent(e events.Event, theme Theme) string {
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		eventStyle(e.Type, theme).Render(fmt.Sprintf("%-16s", e.Type)),
		extractEventDesc(e))
}

func eventStyle(eventType string, theme Theme) lipgloss.Style {
	switch eventType {
	case "worker.ready", "call.completed":
		return theme.StatusOK
	case "worker.exited", "worker.failed", "call.failed":
		return theme.StatusFailed
	case "worker.started", "call.started", events.TypeProgress:
		return theme.StatusRunning
	}
	if strings.HasPrefix(eventType, "host.") {
		return theme.Highlight
	}
	return theme.Dim
}

// extractEventDesc summarizes an event payload on one line. Payloads that do
// not decode into known fields are shown raw and truncated.
func extractEventDesc(e events.Event) string {
	var f eventFields
	if err := json.Unmarshal(e.Data, &f); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	if f.CallID != "" {
		parts = append(parts, "["+truncate(f.CallID, 8)+"]")
	}
	if f.Operation != "" {
		parts = append(parts, f.Operation)
	}
	if f.Generation != nil {
		parts = append(parts, fmt.Sprintf("gen %d", *f.Generation))
	}
	if f.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid %d", f.PID))
	}
	for _, s := range []string{f.Status, f.Error} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(f.Progress) > 0 {
		parts = append(parts, string(f.Progress))
	}

	if len(parts) == 0 {
		if raw := string(e.Data); raw != "null" && raw != "{}" {
			return truncate(raw, 60)
		}
		return ""
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 8 {
		return s[:n]
	}
	return s[:n] + "..."
}

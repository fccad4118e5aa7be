package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// CallState is the call currently holding the worker, as seen from events.
type CallState struct {
	ID        string
	Operation string
	StartedAt time.Time
	// Percent is in [0,1], or negative when the worker reports none.
	Percent       float64
	Message       string
	ProgressCount int
}

// FinishedCall summarizes the last call to leave the worker.
type FinishedCall struct {
	Operation string
	Status    string
	Error     string
	Duration  time.Duration
}

// applyProgress folds a worker progress object into the call. Workers
// report either percent in [0,100] or progress/fraction in [0,1], and an
// optional message.
func (c *CallState) applyProgress(raw json.RawMessage) {
	c.ProgressCount++
	var p map[string]any
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if v, ok := p["percent"].(float64); ok {
		c.Percent = clamp01(v / 100)
	} else if v, ok := p["progress"].(float64); ok {
		c.Percent = clamp01(v)
	} else if v, ok := p["fraction"].(float64); ok {
		c.Percent = clamp01(v)
	}
	for _, key := range []string{"message", "status", "stage"} {
		if s, ok := p[key].(string); ok && s != "" {
			c.Message = s
			break
		}
	}
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

func renderCall(call *CallState, last *FinishedCall, bar progress.Model, spin spinner.Model, theme Theme, width int) string {
	innerWidth := width - 4

	var lines []string
	lines = append(lines, theme.Title.Render("CALL"))

	switch {
	case call != nil:
		head := fmt.Sprintf(" %s %s  started %s",
			spin.View(),
			theme.Highlight.Render(call.Operation),
			humanize.Time(call.StartedAt),
		)
		lines = append(lines, head)
		if call.Percent >= 0 {
			bar.Width = max(10, innerWidth-6)
			lines = append(lines, " "+bar.ViewAs(call.Percent))
		}
		if call.Message != "" {
			lines = append(lines, " "+theme.Dim.Render(call.Message))
		}
	case last != nil:
		status := theme.StatusOK.Render(last.Status)
		if last.Status != "succeeded" {
			status = theme.StatusFailed.Render(last.Status)
		}
		line := fmt.Sprintf(" idle, last: %s %s in %s", last.Operation, status, last.Duration.Round(time.Millisecond))
		lines = append(lines, line)
		if last.Error != "" {
			lines = append(lines, " "+theme.StatusFailed.Render(last.Error))
		}
	default:
		lines = append(lines, theme.Dim.Render("  No calls yet"))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

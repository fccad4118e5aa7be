package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/enginehost/internal/bridge"
)

// HostState tracks what the watch knows about the host and its worker.
type HostState struct {
	Status    bridge.Status
	Connected bool
	Attached  bool
	Session   string
	LastCheck time.Time
}

func renderHeader(host HostState, ticker Ticker, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4
	w := host.Status.Worker

	state := w.State
	if state == "" {
		state = "unknown"
	}
	stateText := theme.stateStyle(state).Render(strings.ToUpper(state))
	if !host.Connected {
		stateText = theme.StatusFailed.Render("CONNECTING")
	}

	lastEventStr := "never"
	if !activity.LastEvent().IsZero() {
		lastEventStr = humanize.Time(activity.LastEvent())
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" ENGINEHOST WATCH %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := max(1, innerWidth-titleWidth-clockWidth-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	workerLine := fmt.Sprintf(" Worker: %s  pid %d  gen %d  starts %d",
		stateText, w.PID, w.Generation, w.Starts)
	if w.ReadyAt != nil {
		workerLine += "  ready " + humanize.Time(*w.ReadyAt)
	}
	if w.LastExit != nil {
		workerLine += "  last exit: " + w.LastExit.String()
	}

	session := theme.Dim.Render("detached")
	if host.Attached {
		session = theme.StatusOK.Render(host.Session)
		if host.Status.ActiveSession != "" && host.Status.ActiveSession != host.Session {
			session = theme.Highlight.Render(host.Session + " (progress goes to " + host.Status.ActiveSession + ")")
		}
	}
	queueLine := fmt.Sprintf(" Queued: %d  Session: %s", host.Status.Queued, session)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		workerLine,
		queueLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

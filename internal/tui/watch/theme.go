// Package watch implements the enginehost watch TUI: worker state, the call
// in flight with its progress, recent calls and the live event stream.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/worker"
)

// Theme holds the styles the panels share. Colors adapt to light and dark
// terminals.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style

	states map[string]lipgloss.Style
}

var (
	colorOK      = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	colorRunning = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	colorFailed  = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#8250DF", Dark: "#A371F7"}
	colorTitle   = lipgloss.AdaptiveColor{Light: "#24292F", Dark: "#F0F6FC"}
	colorHeader  = lipgloss.AdaptiveColor{Light: "#0969DA", Dark: "#58A6FF"}
	colorOff     = lipgloss.AdaptiveColor{Light: "#D0D7DE", Dark: "#30363D"}
)

func NewDefaultTheme() Theme {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

	t := Theme{
		StatusOK:       fg(colorOK),
		StatusRunning:  fg(colorRunning),
		StatusFailed:   fg(colorFailed),
		StatusIdle:     fg(colorDim),
		Border:         lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent),
		Title:          lipgloss.NewStyle().Bold(true).Foreground(colorTitle).Padding(0, 1),
		Header:         lipgloss.NewStyle().Bold(true).Foreground(colorHeader),
		Dim:            fg(colorDim),
		Highlight:      fg(colorRunning).Bold(true),
		TickerActive:   fg(colorOK),
		TickerInactive: fg(colorOff),
	}
	t.states = map[string]lipgloss.Style{
		worker.StateReady.String():       t.StatusOK,
		worker.StateStarting.String():    t.StatusRunning,
		worker.StateRunning.String():     t.StatusRunning,
		worker.StateTerminating.String(): t.StatusFailed,
		worker.StateTerminated.String():  t.StatusFailed,
		dispatch.StatusSucceeded:         t.StatusOK,
		dispatch.StatusFailed:            t.StatusFailed,
		dispatch.StatusWorkerDied:        t.StatusFailed,
		dispatch.StatusWriteFailed:       t.StatusFailed,
	}
	return t
}

// stateStyle picks the color for a worker state or call status.
func (t Theme) stateStyle(state string) lipgloss.Style {
	if s, ok := t.states[state]; ok {
		return s
	}
	return t.StatusIdle
}

package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/events"
)

const eventLogSize = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL  string
	apiKey  string
	session string

	width  int
	height int

	// State
	host     HostState
	call     *CallState
	lastCall *FinishedCall
	eventLog []events.Event

	// Widgets
	ticker   Ticker
	activity Activity
	spin     spinner.Model
	bar      progress.Model
	calls    table.Model

	theme Theme

	// Communication
	hubEvents chan events.Event

	lastError string
}

// New creates a watch model that attaches as session. An empty session gets
// a fresh id.
func New(apiURL, apiKey, session string) *Model {
	if session == "" {
		session = "watch-" + uuid.NewString()[:8]
	}
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		session:   session,
		host:      HostState{Session: session},
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spin:      spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:       progress.New(progress.WithDefaultGradient()),
		calls:     newCallsTable(),
		theme:     NewDefaultTheme(),
	}
}

// Session is the UI session id this model attaches with.
func (m Model) Session() string { return m.session }

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.session, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollStatus(0),
		m.pollCalls(),
		m.spin.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) pollStatus(after time.Duration) tea.Cmd {
	if after <= 0 {
		return func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) }
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetchStatus(m.apiURL, m.apiKey) })
}

func (m Model) pollCalls() tea.Cmd {
	return func() tea.Msg { return fetchCalls(m.apiURL, m.apiKey, recentCalls) }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.pollStatus(0), m.pollCalls())
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		cmd := m.applyEvent(e)
		return m, tea.Batch(cmd, receiveNextEvent(m.hubEvents))

	case statusMsg:
		m.host.Status = bridge.Status(msg)
		m.host.Connected = true
		m.host.LastCheck = time.Now()
		m.lastError = ""
		return m, m.pollStatus(5 * time.Second)

	case callsMsg:
		m.calls.SetRows(callRows(msg))

	case sseDisconnectedMsg:
		m.host.Connected = false
		m.host.Attached = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.session, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollStatus(5 * time.Second)
	}

	return m, nil
}

// applyEvent folds one hub event into the model.
func (m *Model) applyEvent(e events.Event) tea.Cmd {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.activity.OnEvent(e.At)
	m.host.Connected = true
	m.lastError = ""

	if e.Type == "session.attached" {
		m.host.Attached = true
		return nil
	}

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}

	var data struct {
		CallID     string          `json:"call_id"`
		Operation  string          `json:"operation"`
		Status     string          `json:"status"`
		Error      string          `json:"error"`
		DurationMS int64           `json:"duration_ms"`
		Progress   json.RawMessage `json:"progress"`
	}
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case "call.started":
		m.call = &CallState{ID: data.CallID, Operation: data.Operation, StartedAt: e.At, Percent: -1}
	case events.TypeProgress:
		if m.call == nil {
			m.call = &CallState{Operation: data.Operation, StartedAt: e.At, Percent: -1}
		}
		m.call.applyProgress(data.Progress)
	case "call.completed", "call.failed":
		m.lastCall = &FinishedCall{
			Operation: data.Operation,
			Status:    data.Status,
			Error:     data.Error,
			Duration:  time.Duration(data.DurationMS) * time.Millisecond,
		}
		if m.call == nil || m.call.ID == data.CallID {
			m.call = nil
		}
		return tea.Batch(m.pollCalls(), m.pollStatus(0))
	case "worker.started", "worker.ready", "worker.failed", "worker.exited":
		if e.Type == "worker.exited" {
			m.call = nil
		}
		return m.pollStatus(0)
	case "host.exit":
		m.lastError = "host is exiting"
	}
	return nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.host, m.ticker, m.activity, m.theme, m.width)
	call := renderCall(m.call, m.lastCall, m.bar, m.spin, m.theme, m.width)
	calls := renderCalls(m.calls, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh")

	parts := []string{header, call, calls, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

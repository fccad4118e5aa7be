// Package tokenmgr is an interactive scope picker for new API tokens.
package tokenmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/enginehost/internal/auth"
	"github.com/mattjoyce/enginehost/internal/config"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Scopes lists every scope a token can carry, with a short description.
var Scopes = []struct {
	Scope string
	Desc  string
}{
	{auth.ScopeAll, "Full administrative access (all scopes)"},
	{auth.ScopeOperationsRW, "Perform worker operations"},
	{auth.ScopeOperationsRO, "Read the operation catalogue and host paths"},
	{auth.ScopeWorkerRW, "Restart or stop the worker, reload, exit the host"},
	{auth.ScopeWorkerRO, "Read worker and call state"},
	{auth.ScopeEventsRO, "Attach to the event stream (SSE) and receive progress"},
	{auth.ScopeCallsRO, "Read the call journal"},
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Picker is a BubbleTea model for choosing token scopes.
type Picker struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

// New creates a picker listing every known scope. Scopes in preselected
// start checked.
func New(preselected ...string) *Picker {
	chosen := make(map[string]bool, len(preselected))
	for _, s := range preselected {
		chosen[s] = true
	}

	items := make([]list.Item, 0, len(Scopes))
	for _, s := range Scopes {
		items = append(items, item{scope: s.Scope, desc: s.Desc, selected: chosen[s.Scope]})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select Scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return &Picker{list: l}
}

func (m Picker) Init() tea.Cmd {
	return nil
}

func (m Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case " ":
			if i, ok := m.list.SelectedItem().(item); ok {
				i.selected = !i.selected
				m.list.SetItem(m.list.Index(), i)
			}
			return m, nil

		case "enter":
			m.done = true
			m.scopes = m.selected()
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Picker) selected() []string {
	var out []string
	for _, li := range m.list.Items() {
		if it, ok := li.(item); ok && it.selected {
			out = append(out, it.scope)
		}
	}
	return out
}

func (m Picker) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// SelectedScopes returns the confirmed scopes, or nil if the picker was
// cancelled.
func (m Picker) SelectedScopes() []string {
	if !m.done {
		return nil
	}
	return m.scopes
}

// GenerateToken returns a random 32-byte token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Snippet renders the api.auth.tokens entry for a token as YAML.
func Snippet(token string, scopes []string) (string, error) {
	out, err := yaml.Marshal(map[string]any{
		"api": map[string]any{
			"auth": map[string]any{
				"tokens": []config.APIToken{{Token: token, Scopes: scopes}},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

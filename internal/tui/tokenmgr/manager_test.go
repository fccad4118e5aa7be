package tokenmgr

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/enginehost/internal/auth"
	"github.com/mattjoyce/enginehost/internal/config"
)

func press(t *testing.T, m tea.Model, key tea.KeyMsg) Picker {
	t.Helper()
	next, _ := m.Update(key)
	p, ok := next.(Picker)
	require.True(t, ok)
	return p
}

func TestPicker_ToggleAndConfirm(t *testing.T) {
	m := *New()
	m = press(t, m, tea.KeyMsg{Type: tea.KeySpace})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.Equal(t, []string{auth.ScopeAll}, m.SelectedScopes())
	assert.Contains(t, m.View(), "Selected scopes: *")
}

func TestPicker_Preselected(t *testing.T) {
	m := *New(auth.ScopeEventsRO, auth.ScopeOperationsRW)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, []string{auth.ScopeOperationsRW, auth.ScopeEventsRO}, m.SelectedScopes())
}

func TestPicker_Cancel(t *testing.T) {
	m := *New(auth.ScopeAll)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Nil(t, m.SelectedScopes())
	assert.Contains(t, m.View(), "Cancelled.")
}

func TestScopesAreKnown(t *testing.T) {
	for _, s := range Scopes {
		assert.True(t, auth.KnownScope(s.Scope), s.Scope)
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestSnippet(t *testing.T) {
	out, err := Snippet("abc", []string{auth.ScopeEventsRO})
	require.NoError(t, err)

	var parsed struct {
		API struct {
			Auth config.APIAuthConfig `yaml:"auth"`
		} `yaml:"api"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))
	require.Len(t, parsed.API.Auth.Tokens, 1)
	assert.Equal(t, "abc", parsed.API.Auth.Tokens[0].Token)
	assert.Equal(t, []string{auth.ScopeEventsRO}, parsed.API.Auth.Tokens[0].Scopes)
}

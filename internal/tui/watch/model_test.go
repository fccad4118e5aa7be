package watch

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/events"
	"github.com/mattjoyce/enginehost/internal/worker"
)

func event(typ string, data any) eventMsg {
	b, _ := json.Marshal(data)
	return eventMsg(events.Event{Type: typ, At: time.Now(), Data: b})
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestNew_GeneratesSession(t *testing.T) {
	m := New("http://x", "k", "")
	assert.True(t, strings.HasPrefix(m.Session(), "watch-"))
	assert.Equal(t, "ui-1", New("http://x", "k", "ui-1").Session())
}

func TestUpdate_CallLifecycle(t *testing.T) {
	m := *New("http://x", "k", "ui-1")

	m = update(t, m, event("session.attached", map[string]string{"session": "ui-1"}))
	assert.True(t, m.host.Attached)
	assert.Empty(t, m.eventLog, "attach frame is not logged")

	m = update(t, m, event("call.started", map[string]string{"call_id": "abc", "operation": "analyze"}))
	require.NotNil(t, m.call)
	assert.Equal(t, "analyze", m.call.Operation)
	assert.Less(t, m.call.Percent, 0.0)

	m = update(t, m, event(events.TypeProgress, map[string]any{
		"operation": "analyze",
		"progress":  map[string]any{"percent": 40, "message": "loading"},
	}))
	require.NotNil(t, m.call)
	assert.InDelta(t, 0.4, m.call.Percent, 1e-9)
	assert.Equal(t, "loading", m.call.Message)
	assert.Equal(t, 1, m.call.ProgressCount)

	m = update(t, m, event("call.completed", map[string]any{
		"call_id": "abc", "operation": "analyze", "status": "succeeded", "duration_ms": 1500,
	}))
	assert.Nil(t, m.call)
	require.NotNil(t, m.lastCall)
	assert.Equal(t, 1500*time.Millisecond, m.lastCall.Duration)
	assert.Len(t, m.eventLog, 3)
	assert.Equal(t, "call.completed", m.eventLog[0].Type)
}

func TestUpdate_WorkerExitClearsCall(t *testing.T) {
	m := *New("http://x", "k", "ui-1")
	m = update(t, m, event("call.started", map[string]string{"call_id": "abc", "operation": "analyze"}))
	m = update(t, m, event("worker.exited", map[string]any{"generation": 1, "exit_code": 1}))
	assert.Nil(t, m.call)
}

func TestUpdate_EventLogBounded(t *testing.T) {
	m := *New("http://x", "k", "ui-1")
	for range eventLogSize + 10 {
		m = update(t, m, event("host.reload", nil))
	}
	assert.Len(t, m.eventLog, eventLogSize)
}

func TestUpdate_StatusAndCalls(t *testing.T) {
	m := *New("http://x", "k", "ui-1")
	m = update(t, m, statusMsg(bridge.Status{Worker: worker.Status{State: "ready", PID: 42, Generation: 3}}))
	assert.True(t, m.host.Connected)
	assert.Equal(t, 42, m.host.Status.Worker.PID)

	now := time.Now()
	m = update(t, m, callsMsg([]dispatch.CallRecord{{
		Operation: "echo", Status: "succeeded", ResultBytes: 2048, StartedAt: now.Add(-time.Second), FinishedAt: now,
	}}))
	rows := m.calls.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "echo", rows[0][0])
	assert.Equal(t, "2.0 kB", rows[0][3])
}

func TestUpdate_Disconnect(t *testing.T) {
	m := *New("http://x", "k", "ui-1")
	m = update(t, m, event("session.attached", nil))
	m = update(t, m, sseDisconnectedMsg{})
	assert.False(t, m.host.Connected)
	assert.False(t, m.host.Attached)
	assert.Contains(t, m.lastError, "disconnected")
}

func TestView(t *testing.T) {
	m := *New("http://x", "k", "ui-1")
	assert.Equal(t, "Initializing watch...", m.View())

	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, statusMsg(bridge.Status{Worker: worker.Status{State: "running", PID: 7}}))
	m = update(t, m, event("call.started", map[string]string{"call_id": "abc", "operation": "analyze"}))
	m = update(t, m, event(events.TypeProgress, map[string]any{
		"operation": "analyze", "progress": map[string]any{"fraction": 0.5, "stage": "fitting"},
	}))

	out := m.View()
	for _, want := range []string{"ENGINEHOST WATCH", "RUNNING", "analyze", "fitting", "EVENT STREAM", "RECENT CALLS"} {
		assert.Contains(t, out, want)
	}
}

func TestApplyProgress(t *testing.T) {
	c := &CallState{Percent: -1}
	c.applyProgress(json.RawMessage(`{"percent":250}`))
	assert.Equal(t, 1.0, c.Percent)

	c.applyProgress(json.RawMessage(`{"progress":0.25,"status":"step 2"}`))
	assert.Equal(t, 0.25, c.Percent)
	assert.Equal(t, "step 2", c.Message)

	c.applyProgress(json.RawMessage(`not json`))
	assert.Equal(t, 3, c.ProgressCount)
	assert.Equal(t, 0.25, c.Percent)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"event: session.attached",
		`data: {"session":"ui-1"}`,
		"",
		": keep-alive",
		"",
		"id: 4",
		"event: worker.ready",
		`data: {"generation":1}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	readSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "session.attached", got[0].Type)
	assert.Equal(t, int64(4), got[1].ID)
	assert.JSONEq(t, `{"generation":1}`, string(got[1].Data))
}

func TestExtractEventDesc(t *testing.T) {
	e := events.Event{Data: []byte(`{"call_id":"0123456789","operation":"analyze","status":"failed","error":"boom"}`)}
	assert.Equal(t, "[01234567] analyze failed boom", extractEventDesc(e))
	assert.Equal(t, "", extractEventDesc(events.Event{Data: []byte("null")}))
}

func TestActivityDecay(t *testing.T) {
	var a Activity
	now := time.Now()
	a.OnEvent(now)
	assert.Equal(t, 5, a.Dots())
	a.Decay(now.Add(5 * time.Second))
	assert.Equal(t, 3, a.Dots())
	a.Decay(now.Add(time.Minute))
	assert.Equal(t, 0, a.Dots())
}

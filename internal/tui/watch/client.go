package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type statusMsg bridge.Status

type callsMsg []dispatch.CallRecord

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

var pollClient = &http.Client{Timeout: 3 * time.Second}

// --- Commands ---

// subscribeToEvents attaches to /v1/events as session and feeds frames into
// ch. It returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(apiURL, apiKey, session string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		u := apiURL + "/v1/events?session=" + url.QueryEscape(session)
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("event stream: %s", resp.Status))
		}

		readSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses server-sent event frames until the scanner ends.
func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if current.Type != "" || len(current.Data) > 0 {
				current.At = time.Now()
				ch <- current
			}
			current = events.Event{}
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries GET /v1/worker.
func fetchStatus(apiURL, apiKey string) tea.Msg {
	var st bridge.Status
	if err := getJSON(apiURL+"/v1/worker", apiKey, &st); err != nil {
		return errMsg(err)
	}
	return statusMsg(st)
}

// fetchCalls queries GET /v1/calls for the most recent calls.
func fetchCalls(apiURL, apiKey string, limit int) tea.Msg {
	var resp struct {
		Calls []dispatch.CallRecord `json:"calls"`
	}
	if err := getJSON(fmt.Sprintf("%s/v1/calls?limit=%d", apiURL, limit), apiKey, &resp); err != nil {
		// The journal may be disabled; the panel just stays empty.
		return callsMsg(nil)
	}
	return callsMsg(resp.Calls)
}

func getJSON(u, apiKey string, out any) error {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := pollClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", u, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

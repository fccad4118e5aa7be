package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/enginehost/internal/api"
	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/tui/watch"
)

const defaultAPIURL = "http://127.0.0.1:8765"

// apiFlags are shared by every command that talks to a running host.
type apiFlags struct {
	configPath *string
	apiURL     *string
	apiKey     *string
}

func registerAPIFlags(fs *flag.FlagSet) apiFlags {
	return apiFlags{
		configPath: fs.String("config", "", "Config used to find the API address and key"),
		apiURL:     fs.String("api-url", "", "Host API URL (default: from config)"),
		apiKey:     fs.String("api-key", os.Getenv(APIKeyEnv), "API Bearer Token (or "+APIKeyEnv+")"),
	}
}

// resolve fills the API URL and key from config when the flags leave them empty.
func (f apiFlags) resolve() (string, string) {
	apiURL := strings.TrimRight(*f.apiURL, "/")
	apiKey := *f.apiKey
	if apiURL != "" && apiKey != "" {
		return apiURL, apiKey
	}

	cfg, err := loadConfig(*f.configPath)
	if err != nil {
		if apiURL == "" {
			apiURL = defaultAPIURL
		}
		return apiURL, apiKey
	}
	if apiURL == "" {
		apiURL = "http://" + cfg.API.Listen
	}
	if apiKey == "" {
		apiKey = cfg.API.Auth.APIKey
	}
	return apiURL, apiKey
}

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string, timeout time.Duration) *apiClient {
	return &apiClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// do sends a request and returns the status and raw body.
func (c *apiClient) do(method, path string, body []byte, header http.Header) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("host unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	status, data, err := c.do(http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, data)
	}
	return json.Unmarshal(data, out)
}

func apiError(status int, data []byte) error {
	var e api.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error, status)
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(data)))
}

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	af := registerAPIFlags(fs)
	payload := fs.String("payload", "", "JSON object payload (default: {})")
	session := fs.String("session", "", "Session id that receives progress")
	timeout := fs.Duration("timeout", 0, "Client-side timeout (default: none)")

	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "--api-url": true, "--api-key": true, "--payload": true, "--session": true, "--timeout": true,
		"-config": true, "-api-url": true, "-api-key": true, "-payload": true, "-session": true, "-timeout": true,
	})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: enginehost call <operation> [--payload JSON]")
		return 1
	}
	operation := positionals[0]

	body, err := parsePayload(*payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
		return 1
	}

	apiURL, apiKey := af.resolve()
	client := newAPIClient(apiURL, apiKey, *timeout)

	header := http.Header{}
	if *session != "" {
		header.Set(api.SessionHeader, *session)
	}
	status, data, err := client.do(http.MethodPost, "/v1/operations/"+url.PathEscape(operation), body, header)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var res bridge.Result
	if err := json.Unmarshal(data, &res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", apiError(status, data))
		return 1
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if !res.Success {
		return 1
	}
	return 0
}

// parsePayload accepts an empty string or a JSON object.
func parsePayload(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []byte("{}"), nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return []byte(raw), nil
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	af := registerAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	apiURL, apiKey := af.resolve()
	client := newAPIClient(apiURL, apiKey, 5*time.Second)

	var st bridge.Status
	if err := client.getJSON("/v1/worker", &st); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Print(formatStatus(st))
	return 0
}

func formatStatus(st bridge.Status) string {
	var b strings.Builder
	w := st.Worker
	fmt.Fprintf(&b, "Worker:     %s\n", strings.ToUpper(w.State))
	if w.PID > 0 {
		fmt.Fprintf(&b, "PID:        %d\n", w.PID)
	}
	fmt.Fprintf(&b, "Generation: %d (%d start(s))\n", w.Generation, w.Starts)
	if w.ReadyAt != nil {
		fmt.Fprintf(&b, "Ready:      %s\n", humanize.Time(*w.ReadyAt))
	}
	if w.LastExit != nil {
		fmt.Fprintf(&b, "Last exit:  %s\n", w.LastExit.String())
	}
	if st.InFlight != nil {
		fmt.Fprintf(&b, "In flight:  %s since %s\n", st.InFlight.Operation, humanize.Time(st.InFlight.StartedAt))
	} else {
		b.WriteString("In flight:  none\n")
	}
	fmt.Fprintf(&b, "Queued:     %d\n", st.Queued)
	session := st.ActiveSession
	if session == "" {
		session = "none"
	}
	fmt.Fprintf(&b, "Session:    %s\n", session)
	return b.String()
}

func runCalls(args []string) int {
	fs := flag.NewFlagSet("calls", flag.ContinueOnError)
	af := registerAPIFlags(fs)
	limit := fs.Int("limit", 20, "Number of calls to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --limit must be positive")
		return 1
	}

	apiURL, apiKey := af.resolve()
	client := newAPIClient(apiURL, apiKey, 5*time.Second)

	var resp api.CallsResponse
	if err := client.getJSON("/v1/calls?limit="+strconv.Itoa(*limit), &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(resp.Calls, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(resp.Calls) == 0 {
		fmt.Println("No recorded calls.")
		return 0
	}
	fmt.Println(renderCallsTable(resp.Calls))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	af := registerAPIFlags(fs)
	session := fs.String("session", "", "Session id (default: generated)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	apiURL, apiKey := af.resolve()
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or "+APIKeyEnv+" env var.")
		return 1
	}

	m := watch.New(apiURL, apiKey, *session)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// splitFlagsAndPositionals lets flags follow positionals.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positionals = append(positionals, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positionals = append(positionals, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && !strings.Contains(arg, "=") && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

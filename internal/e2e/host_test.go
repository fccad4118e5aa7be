package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/enginehost/internal/api"
	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/events"
	"github.com/mattjoyce/enginehost/internal/journal"
	"github.com/mattjoyce/enginehost/internal/protocol"
	"github.com/mattjoyce/enginehost/internal/storage"
	"github.com/mattjoyce/enginehost/internal/worker"
)

const (
	helperEnv  = "ENGINEHOST_E2E_HELPER"
	silentEnv  = "ENGINEHOST_E2E_SILENT"
	tempDirEnv = "ENGINE_TEMP_DIR"
	apiKey     = "e2e-key"
)

// TestHelperEngine is not a real test: the host re-executes the test binary
// with helperEnv set and this becomes the worker process.
func TestHelperEngine(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	runHelperEngine()
	os.Exit(0)
}

func runHelperEngine() {
	if os.Getenv(worker.ControlFDEnv) == "3" {
		go func() {
			_, _ = io.Copy(io.Discard, os.NewFile(3, "control"))
			os.Exit(0)
		}()
	}

	fmt.Fprintln(os.Stderr, "helper engine loading")
	if os.Getenv(silentEnv) == "1" {
		// Never announce readiness.
		time.Sleep(time.Hour)
		return
	}
	// Library noise before the handshake is ignored by the host.
	fmt.Println("numpy 2.0 loaded")
	_ = protocol.WriteReady(os.Stdout)

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		req, err := protocol.DecodeRequest(sc.Bytes())
		if err != nil {
			_ = protocol.WriteError(os.Stdout, err.Error())
			continue
		}
		switch req.Operation {
		case "run_clear_temp_dir.py":
			dir := os.Getenv(tempDirEnv)
			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				_ = os.RemoveAll(filepath.Join(dir, e.Name()))
			}
			_ = protocol.WriteResult(os.Stdout, map[string]int{"removed": len(entries)})
		case "crash":
			_ = protocol.WriteProgress(os.Stdout, map[string]any{"stage": "about to crash"})
			fmt.Fprintln(os.Stderr, "Traceback: simulated crash")
			os.Exit(3)
		case "fail":
			_ = protocol.WriteError(os.Stdout, "model not loaded")
		default:
			_ = protocol.WriteProgress(os.Stdout, map[string]any{"percent": 50, "message": "halfway"})
			_, _ = os.Stdout.Write(append([]byte(`{"success":true,"result":`), append(req.Payload, '}', '\n')...))
		}
	}
}

// host is the full stack wired the way the start command wires it.
type host struct {
	sup     *worker.Supervisor
	bridge  *bridge.Bridge
	hub     *events.Hub
	journal *journal.Journal
	server  *httptest.Server
	tempDir string
	exited  chan struct{}
}

func newHost(t *testing.T, extraEnv map[string]string, readyTimeout time.Duration) *host {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("control channel and signals are unix-only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	tempDir := filepath.Join(dir, "temp")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))

	env := map[string]string{helperEnv: "1", tempDirEnv: tempDir}
	for k, v := range extraEnv {
		env[k] = v
	}

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	j := journal.New(db)

	hub := events.NewHub(64)
	sup := worker.New(worker.Config{
		Executable:     exe,
		Args:           []string{"-test.run=^TestHelperEngine$"},
		Env:            env,
		LogDir:         filepath.Join(dir, "logs"),
		LogDirEnv:      "LOG_DIR",
		ReadyTimeout:   readyTimeout,
		ShutdownGrace:  2 * time.Second,
		ControlChannel: true,
	}, nil, hub)
	disp := dispatch.New(sup, dispatch.Options{MaxQueued: 4}, j, hub)
	sup.SetObserver(disp)

	br := bridge.New(disp, sup, hub,
		[]bridge.StartupOperation{{Operation: "run_clear_temp_dir.py"}},
		bridge.Paths{LogDir: filepath.Join(dir, "logs"), TempDir: tempDir, ReportDir: filepath.Join(dir, "reports")},
	)
	h := &host{sup: sup, bridge: br, hub: hub, journal: j, tempDir: tempDir, exited: make(chan struct{})}
	var once sync.Once
	br.SetExitHandler(func() { once.Do(func() { close(h.exited) }) })

	srv := api.New(api.Config{APIKey: apiKey, KeepAlive: time.Second}, br, hub, j, nil)
	h.server = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		sup.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
		h.server.Close()
	})
	return h
}

func (h *host) post(t *testing.T, path, body, session string) (int, bridge.Result) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if session != "" {
		req.Header.Set(api.SessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res bridge.Result
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(data, &res)
	return resp.StatusCode, res
}

// attach opens an SSE session and returns its frames as they arrive.
func (h *host) attach(t *testing.T, session string) <-chan events.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/v1/events?session="+session, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := make(chan events.Event, 64)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var ev events.Event
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.Type != "" {
					out <- ev
				}
				ev = events.Event{}
			case strings.HasPrefix(line, "event: "):
				ev.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = []byte(strings.TrimPrefix(line, "data: "))
			}
		}
	}()

	waitFor(t, out, api.EventSessionAttached)
	return out
}

func waitFor(t *testing.T, ch <-chan events.Event, eventType string) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "stream closed before %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func TestHost_StartupClearsTempDirAndServesCalls(t *testing.T) {
	h := newHost(t, nil, 10*time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(h.tempDir, "stale.png"), []byte("x"), 0o644))

	require.NoError(t, h.sup.Start(context.Background()))
	results := h.bridge.RunStartup(context.Background())
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)
	assert.JSONEq(t, `{"removed":1}`, string(results[0].Result))
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	stream := h.attach(t, "ui-1")

	status, res := h.post(t, "/v1/operations/analyze", `{"a":1,"b":"x\ny"}`, "ui-1")
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"a":1,"b":"x\ny"}`, string(res.Result))

	progress := waitFor(t, stream, events.TypeProgress)
	var p bridge.ProgressEvent
	require.NoError(t, json.Unmarshal(progress.Data, &p))
	assert.Equal(t, "analyze", p.Operation)
	assert.JSONEq(t, `{"percent":50,"message":"halfway"}`, string(p.Progress))

	status, res = h.post(t, "/v1/operations/fail", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "model not loaded", res.Error)

	var calls []dispatch.CallRecord
	require.Eventually(t, func() bool {
		var err error
		calls, err = h.journal.List(context.Background(), 10)
		return err == nil && len(calls) == 3
	}, 5*time.Second, 20*time.Millisecond)

	byOp := make(map[string]dispatch.CallRecord, len(calls))
	for _, c := range calls {
		byOp[c.Operation] = c
	}
	assert.Equal(t, dispatch.StatusSucceeded, byOp["run_clear_temp_dir.py"].Status)
	assert.Equal(t, dispatch.StatusFailed, byOp["fail"].Status)
	assert.Equal(t, "model not loaded", byOp["fail"].Error)
	assert.Equal(t, 1, byOp["analyze"].ProgressCount)
}

func TestHost_DeathMidCallThenRestart(t *testing.T) {
	h := newHost(t, nil, 10*time.Second)
	require.NoError(t, h.sup.Start(context.Background()))
	gen := h.sup.Status().Generation

	status, res := h.post(t, "/v1/operations/crash", "{}", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, bridge.CodeWorkerDied, res.Code)

	status, res = h.post(t, "/v1/operations/analyze", "{}", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, bridge.CodeWorkerUnavailable, res.Code)
	assert.Equal(t, bridge.MsgWorkerUnavailable, res.Error)

	status, _ = h.post(t, "/v1/worker/restart", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Greater(t, h.sup.Status().Generation, gen)

	status, res = h.post(t, "/v1/operations/analyze", `{"again":true}`, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"again":true}`, string(res.Result))
}

func TestHost_ReadinessTimeout(t *testing.T) {
	h := newHost(t, map[string]string{silentEnv: "1"}, 500*time.Millisecond)

	start := time.Now()
	err := h.sup.Start(context.Background())
	require.ErrorIs(t, err, worker.ErrReadinessTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Wait(ctx), "timed-out worker must be stopped")

	status, res := h.post(t, "/v1/operations/analyze", "{}", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, bridge.CodeWorkerUnavailable, res.Code)
}

func TestHost_ShutdownRequestStopsWorkerAndExits(t *testing.T) {
	h := newHost(t, nil, 10*time.Second)
	require.NoError(t, h.sup.Start(context.Background()))

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/shutdown", bytes.NewReader(nil))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-h.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler not called")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Wait(ctx))
	assert.False(t, h.sup.Ready())
}

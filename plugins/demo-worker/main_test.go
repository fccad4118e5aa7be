package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/enginehost/internal/protocol"
)

func runLines(t *testing.T, env map[string]string, lines ...string) []protocol.Frame {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, in, &out, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("run: %v", err)
	}

	var frames []protocol.Frame
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		f, ok := protocol.Classify(sc.Bytes())
		if !ok {
			t.Fatalf("worker wrote an unrecognised line: %s", sc.Text())
		}
		frames = append(frames, f)
	}
	return frames
}

func request(t *testing.T, op string, payload any) string {
	t.Helper()
	var buf bytes.Buffer
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.EncodeRequest(&buf, protocol.Request{Operation: op, Payload: raw}); err != nil {
		t.Fatal(err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func TestRunAnnouncesReadyFirst(t *testing.T) {
	frames := runLines(t, nil)
	if len(frames) != 1 || frames[0].Kind != protocol.KindReady {
		t.Fatalf("frames = %+v, want a single ready frame", frames)
	}
}

func TestEchoRoundTripsPayload(t *testing.T) {
	frames := runLines(t, nil, request(t, "echo", map[string]any{"a": 1, "b": "x\ny"}))
	if len(frames) != 2 {
		t.Fatalf("frames len = %d, want 2", len(frames))
	}
	f := frames[1]
	if f.Kind != protocol.KindFinal || !f.Success {
		t.Fatalf("final = %+v, want success", f)
	}
	var got map[string]any
	if err := json.Unmarshal(f.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got["b"] != "x\ny" || got["a"] != float64(1) {
		t.Fatalf("result = %v", got)
	}
}

func TestProgressPrecedesFinal(t *testing.T) {
	frames := runLines(t, nil, request(t, "progress", map[string]any{"steps": 3}))
	if len(frames) != 5 {
		t.Fatalf("frames len = %d, want ready + 3 progress + final", len(frames))
	}
	for i, f := range frames[1:4] {
		if f.Kind != protocol.KindProgress {
			t.Fatalf("frame %d kind = %s, want progress", i+1, f.Kind)
		}
	}
	var last map[string]any
	_ = json.Unmarshal(frames[3].Progress, &last)
	if last["percent"] != float64(100) {
		t.Fatalf("last progress = %v, want percent 100", last)
	}
	if frames[4].Kind != protocol.KindFinal || !frames[4].Success {
		t.Fatalf("final = %+v", frames[4])
	}
}

func TestFailAndUnknownOperations(t *testing.T) {
	frames := runLines(t, nil,
		request(t, "fail", map[string]any{"message": "bad model"}),
		request(t, "nope", nil),
		"not json",
	)
	if len(frames) != 4 {
		t.Fatalf("frames len = %d, want 4", len(frames))
	}
	if frames[1].Success || frames[1].Error != "bad model" {
		t.Fatalf("fail frame = %+v", frames[1])
	}
	if frames[2].Success || !strings.Contains(frames[2].Error, `unknown operation "nope"`) {
		t.Fatalf("unknown frame = %+v", frames[2])
	}
	if frames[3].Success {
		t.Fatalf("malformed request should fail: %+v", frames[3])
	}
}

func TestClearTempDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.tmp", "b.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	frames := runLines(t, map[string]string{envTempDir: dir}, request(t, clearTempDirOp, map[string]any{}))
	if len(frames) != 2 || !frames[1].Success {
		t.Fatalf("frames = %+v", frames)
	}
	var res struct {
		Removed int `json:"removed"`
	}
	_ = json.Unmarshal(frames[1].Result, &res)
	if res.Removed != 3 {
		t.Fatalf("removed = %d, want 3", res.Removed)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("temp dir not empty: %v", entries)
	}
}

func TestClearDirMissing(t *testing.T) {
	n, err := clearDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || n != 0 {
		t.Fatalf("clearDir = %d, %v", n, err)
	}
}

func TestRunReadyDelayHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	env := map[string]string{envReadyDelay: "1h"}
	if err := run(ctx, strings.NewReader(""), &out, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("worker announced readiness before its delay: %q", out.String())
	}
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "operation with payload",
			req:  Request{Operation: "render_report", Payload: json.RawMessage(`{"id": 7}`)},
			checkFn: func(t *testing.T, output string) {
				assert.Equal(t, `{"operation":"render_report","payload":{"id":7}}`+"\n", output)
			},
		},
		{
			name: "nil payload becomes empty object",
			req:  Request{Operation: "run_clear_temp_dir.py"},
			checkFn: func(t *testing.T, output string) {
				assert.Equal(t, `{"operation":"run_clear_temp_dir.py","payload":{}}`+"\n", output)
			},
		},
		{
			name: "pretty printed payload is compacted onto one line",
			req:  Request{Operation: "op", Payload: json.RawMessage("{\n  \"a\": [1,\n 2]\n}")},
			checkFn: func(t *testing.T, output string) {
				assert.Equal(t, 1, strings.Count(output, "\n"))
				assert.True(t, strings.HasSuffix(output, "\n"))
			},
		},
		{
			name:    "empty operation",
			req:     Request{Payload: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "invalid payload",
			req:     Request{Operation: "op", Payload: json.RawMessage(`{"a":`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.Zero(t, buf.Len(), "nothing may be written on error")
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestEncodeRequest_NewlineInsideStringRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, Request{Operation: "echo", Payload: json.RawMessage(`{"a":1,"b":"x\ny"}`)}))

	out := buf.Bytes()
	assert.Equal(t, 1, bytes.Count(out, []byte("\n")), "only the frame terminator may be a raw newline")

	req, err := DecodeRequest(out)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, float64(1), payload["a"])
	assert.Equal(t, "x\ny", payload["b"])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEncodeRequest_WriteError(t *testing.T) {
	err := EncodeRequest(failingWriter{}, Request{Operation: "op"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"operation":"x","payload":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(req.Payload))

	_, err = DecodeRequest([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrEmptyOperation)

	_, err = DecodeRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		check  func(t *testing.T, f Frame)
	}{
		{
			name:   "ready event",
			line:   `{"type":"event","name":"ready"}`,
			wantOK: true,
			check:  func(t *testing.T, f Frame) { assert.Equal(t, KindReady, f.Kind) },
		},
		{
			name: "other event name",
			line: `{"type":"event","name":"heartbeat"}`,
		},
		{
			name:   "progress keeps fields without type",
			line:   `{"type":"progress","percent":50,"stage":"parse"}`,
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				assert.Equal(t, KindProgress, f.Kind)
				assert.JSONEq(t, `{"percent":50,"stage":"parse"}`, string(f.Progress))
			},
		},
		{
			name:   "success with result",
			line:   `{"success":true,"result":{"rows":3}}`,
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				assert.Equal(t, KindFinal, f.Kind)
				assert.True(t, f.Success)
				assert.JSONEq(t, `{"rows":3}`, string(f.Result))
			},
		},
		{
			name:   "success without result",
			line:   `{"success":true}`,
			wantOK: true,
			check:  func(t *testing.T, f Frame) { assert.Equal(t, "null", string(f.Result)) },
		},
		{
			name:   "failure with message",
			line:   `{"success":false,"error":"file not found"}`,
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				assert.False(t, f.Success)
				assert.Equal(t, "file not found", f.Error)
			},
		},
		{
			name:   "failure without message",
			line:   `{"success":false}`,
			wantOK: true,
			check:  func(t *testing.T, f Frame) { assert.Equal(t, DefaultFailureMessage, f.Error) },
		},
		{
			name:   "failure with structured error",
			line:   `{"success":false,"error":{"code":2}}`,
			wantOK: true,
			check:  func(t *testing.T, f Frame) { assert.Equal(t, `{"code":2}`, f.Error) },
		},
		{name: "non json", line: `Traceback (most recent call last):`},
		{name: "array", line: `[1,2,3]`},
		{name: "unknown object", line: `{"hello":"world"}`},
		{name: "success not boolean", line: `{"success":"yes"}`},
		{name: "truncated", line: `{"success":tr`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := Classify([]byte(tt.line))
			assert.Equal(t, tt.wantOK, ok)
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestFrameReader_SkipsNoiseInOrder(t *testing.T) {
	stream := strings.Join([]string{
		"loading model...",
		`{"type":"event","name":"ready"}`,
		"",
		`{"type":"progress","n":1}`,
		`{"oops"`,
		`{"type":"progress","n":2}`,
		`{"success":true,"result":42}` + "\r",
	}, "\n")

	var dropped []string
	fr := NewFrameReader(strings.NewReader(stream), func(line []byte) { dropped = append(dropped, string(line)) })

	var kinds []FrameKind
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, f.Kind)
	}

	assert.Equal(t, []FrameKind{KindReady, KindProgress, KindProgress, KindFinal}, kinds)
	assert.Equal(t, 2, fr.Dropped())
	assert.Equal(t, []string{"loading model...", `{"oops"`}, dropped)
}

func TestWorkerSideWriters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReady(&buf))
	require.NoError(t, WriteProgress(&buf, map[string]any{"percent": 10}))
	require.NoError(t, WriteResult(&buf, map[string]string{"ok": "yes"}))
	require.NoError(t, WriteError(&buf, "bad input"))

	fr := NewFrameReader(&buf, nil)
	ready, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, KindReady, ready.Kind)

	progress, err := fr.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"percent":10}`, string(progress.Progress))

	result, err := fr.Next()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"ok":"yes"}`, string(result.Result))

	failure, err := fr.Next()
	require.NoError(t, err)
	assert.False(t, failure.Success)
	assert.Equal(t, "bad input", failure.Error)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "ready", KindReady.String())
	assert.Equal(t, "final", KindFinal.String())
	assert.Equal(t, "unknown", FrameKind(0).String())
}

func TestFrameReader_OverlongLineIsDroppedAndStreamContinues(t *testing.T) {
	big := strings.Repeat("x", 300)
	stream := strings.Join([]string{
		`{"type":"event","name":"ready"}`,
		big,
		`{"type":"progress","n":1}`,
		`{"success":true,"result":"after-big"}`,
		big, // unterminated, at EOF
	}, "\n")

	var dropped []string
	fr := newFrameReader(strings.NewReader(stream), 100, func(line []byte) { dropped = append(dropped, string(line)) })

	var frames []Frame
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, KindReady, frames[0].Kind)
	assert.Equal(t, KindProgress, frames[1].Kind)
	assert.JSONEq(t, `"after-big"`, string(frames[2].Result))
	assert.Equal(t, 2, fr.Dropped())
	require.Len(t, dropped, 2)
	assert.Equal(t, strings.Repeat("x", 300), dropped[0], "preview is capped well above this line")
}

func TestFrameReader_OverlongLinePreviewIsCapped(t *testing.T) {
	huge := strings.Repeat("y", MaxLineBytes+1024)
	stream := `{"type":"event","name":"ready"}` + "\n" + huge + "\n" + `{"success":true,"result":1}` + "\n"

	var dropped [][]byte
	fr := NewFrameReader(strings.NewReader(stream), func(line []byte) {
		dropped = append(dropped, append([]byte(nil), line...))
	})

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, KindReady, f.Kind)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, KindFinal, f.Kind)
	assert.JSONEq(t, `1`, string(f.Result))

	require.Len(t, dropped, 1)
	assert.Len(t, dropped[0], dropPreviewBytes)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReader_ExactlyMaxLineIsKept(t *testing.T) {
	line := `{"success":true,"result":"` + strings.Repeat("z", 50) + `"}`
	fr := newFrameReader(strings.NewReader(line+"\n"), len(line), nil)
	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, KindFinal, f.Kind)
	assert.Zero(t, fr.Dropped())
}

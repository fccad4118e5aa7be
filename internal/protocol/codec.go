package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single frame. A longer line is discarded up to its
// newline and counted as dropped; the stream carries on after it.
const MaxLineBytes = 16 << 20

// dropPreviewBytes is how much of an overlong line onDrop gets to see.
const dropPreviewBytes = 512

var emptyObject = json.RawMessage(`{}`)

// ErrEmptyOperation is returned when a request names no operation.
var ErrEmptyOperation = errors.New("request operation is empty")

// EncodeRequest writes req to w as a single newline-terminated JSON line.
// An empty payload is sent as {}. The payload is compacted, so embedded
// newlines in the caller's formatting can never split the frame.
func EncodeRequest(w io.Writer, req Request) error {
	if req.Operation == "" {
		return ErrEmptyOperation
	}

	payload := emptyObject
	if len(bytes.TrimSpace(req.Payload)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, req.Payload); err != nil {
			return fmt.Errorf("invalid payload for %q: %w", req.Operation, err)
		}
		payload = buf.Bytes()
	}

	line, err := json.Marshal(Request{Operation: req.Operation, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// DecodeRequest parses one request line. Workers use it; the host never reads requests.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Operation == "" {
		return Request{}, ErrEmptyOperation
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		req.Payload = emptyObject
	}
	return req, nil
}

// Classify decodes one stdout line into a Frame. ok is false for anything
// that is not a JSON object of a known shape; such lines are meant to be
// dropped by the caller.
func Classify(line []byte) (Frame, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Frame{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Frame{}, false
	}

	if raw, ok := fields["type"]; ok {
		var typ string
		if err := json.Unmarshal(raw, &typ); err == nil {
			switch typ {
			case typeEvent:
				var name string
				_ = json.Unmarshal(fields["name"], &name)
				if name == eventReady {
					return Frame{Kind: KindReady}, true
				}
				return Frame{}, false
			case typeProgress:
				delete(fields, "type")
				progress, err := json.Marshal(fields)
				if err != nil {
					return Frame{}, false
				}
				return Frame{Kind: KindProgress, Progress: progress}, true
			}
		}
	}

	raw, ok := fields["success"]
	if !ok {
		return Frame{}, false
	}
	var success bool
	if err := json.Unmarshal(raw, &success); err != nil {
		return Frame{}, false
	}

	frame := Frame{Kind: KindFinal, Success: success}
	if success {
		frame.Result = fields["result"]
		if len(frame.Result) == 0 {
			frame.Result = json.RawMessage(`null`)
		}
		return frame, true
	}

	frame.Error = DefaultFailureMessage
	if rawErr, ok := fields["error"]; ok && string(rawErr) != "null" {
		var msg string
		if err := json.Unmarshal(rawErr, &msg); err == nil {
			if msg != "" {
				frame.Error = msg
			}
		} else {
			frame.Error = string(rawErr)
		}
	}
	return frame, true
}

// FrameReader yields classified frames from a worker's stdout in arrival order.
type FrameReader struct {
	r       *bufio.Reader
	maxLine int
	dropped int
	onDrop  func(line []byte)
	line    []byte
}

// NewFrameReader wraps r. onDrop, if non-nil, sees every discarded line;
// for lines over MaxLineBytes it sees only the first bytes.
func NewFrameReader(r io.Reader, onDrop func(line []byte)) *FrameReader {
	return newFrameReader(r, MaxLineBytes, onDrop)
}

func newFrameReader(r io.Reader, maxLine int, onDrop func(line []byte)) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024), maxLine: maxLine, onDrop: onDrop}
}

// Next returns the next recognised frame, skipping anything else. It returns
// io.EOF once the stream is exhausted and any other read error as is.
func (fr *FrameReader) Next() (Frame, error) {
	for {
		line, tooLong, err := fr.readLine()
		if tooLong {
			fr.drop(line)
		} else if len(bytes.TrimSpace(line)) > 0 {
			if frame, ok := Classify(line); ok {
				return frame, nil
			}
			fr.drop(line)
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

// readLine returns one line without its newline. A line longer than maxLine
// is consumed through its newline and reported with tooLong set and only a
// preview kept. err is non-nil only when the stream ends or fails; line may
// still hold a final unterminated line in that case.
func (fr *FrameReader) readLine() (line []byte, tooLong bool, err error) {
	fr.line = fr.line[:0]
	for {
		var chunk []byte
		chunk, err = fr.r.ReadSlice('\n')
		content := chunk
		if err == nil {
			content = chunk[:len(chunk)-1]
		}
		if !tooLong {
			if len(fr.line)+len(content) > fr.maxLine {
				tooLong = true
				fr.line = fr.line[:min(len(fr.line), dropPreviewBytes)]
				room := dropPreviewBytes - len(fr.line)
				fr.line = append(fr.line, content[:min(room, len(content))]...)
			} else {
				fr.line = append(fr.line, content...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return fr.line, tooLong, err
	}
}

func (fr *FrameReader) drop(line []byte) {
	fr.dropped++
	if fr.onDrop != nil {
		fr.onDrop(line)
	}
}

// Dropped reports how many non-empty lines were discarded so far.
func (fr *FrameReader) Dropped() int { return fr.dropped }

// WriteReady announces readiness. Used by workers.
func WriteReady(w io.Writer) error {
	_, err := io.WriteString(w, `{"type":"event","name":"ready"}`+"\n")
	return err
}

// WriteProgress emits a progress frame merging fields with "type":"progress".
func WriteProgress(w io.Writer, fields map[string]any) error {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = typeProgress
	return writeLine(w, out)
}

// WriteResult emits a successful final frame.
func WriteResult(w io.Writer, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return writeLine(w, finalFrame{Success: true, Result: raw})
}

// WriteError emits a failed final frame.
func WriteError(w io.Writer, msg string) error {
	return writeLine(w, finalFrame{Success: false, Error: msg})
}

func writeLine(w io.Writer, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

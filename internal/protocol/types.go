package protocol

import "encoding/json"

// Request is the envelope the host writes to the worker's stdin, one per line.
type Request struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// FrameKind identifies which of the known line shapes a Frame was decoded from.
type FrameKind int

const (
	// KindReady is the worker's one-time readiness announcement.
	KindReady FrameKind = iota + 1
	// KindProgress is an intermediate update for the call in flight.
	KindProgress
	// KindFinal terminates the call in flight.
	KindFinal
)

func (k FrameKind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindProgress:
		return "progress"
	case KindFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Frame is one decoded line from the worker's stdout.
type Frame struct {
	Kind FrameKind

	// Progress holds the progress object with its "type" key removed.
	Progress json.RawMessage

	// Success, Result and Error are set for KindFinal.
	Success bool
	Result  json.RawMessage
	Error   string
}

// Wire literals.
const (
	typeEvent    = "event"
	typeProgress = "progress"
	eventReady   = "ready"

	// DefaultFailureMessage is used when the worker reports failure without
	// an error string.
	DefaultFailureMessage = "worker reported failure"
)

// finalFrame is the worker-side shape of a final response.
type finalFrame struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/enginehost/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/enginehost/internal/dispatch Recorder,Supervisor

// Supervisor is the part of worker.Supervisor the dispatcher drives.
type Supervisor interface {
	Current() (uint64, bool)
	Send(gen uint64, req protocol.Request) error
	MarkBusy(gen uint64)
	MarkIdle(gen uint64)
	Shutdown()
}

// Recorder persists finished calls.
type Recorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Publisher receives call lifecycle notifications.
type Publisher interface {
	Publish(eventType string, data any)
}

// Invoker is satisfied by *Dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, operation string, payload json.RawMessage, sink ProgressSink) (json.RawMessage, error)
}

// ProgressSink receives progress payloads for one call, in arrival order, on
// the worker's reader goroutine. It must not block.
type ProgressSink func(progress json.RawMessage)

// Call outcome statuses.
const (
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusWorkerDied  = "worker_died"
	StatusWriteFailed = "write_failed"
)

// CallRecord describes a finished call.
type CallRecord struct {
	ID            string    `json:"id"`
	Operation     string    `json:"operation"`
	Generation    uint64    `json:"generation"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Abandoned     bool      `json:"abandoned"`
	ProgressCount int       `json:"progress_count"`
	PayloadBytes  int       `json:"payload_bytes"`
	ResultBytes   int       `json:"result_bytes"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Duration is how long the call held the worker.
func (r CallRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// CallInfo is a view of the call currently holding the worker.
type CallInfo struct {
	ID            string    `json:"id"`
	Operation     string    `json:"operation"`
	StartedAt     time.Time `json:"started_at"`
	Abandoned     bool      `json:"abandoned"`
	ProgressCount int       `json:"progress_count"`
}

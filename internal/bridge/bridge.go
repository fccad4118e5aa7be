// Package bridge is the host-facing surface over the dispatcher. Every
// operation resolves to the same {success, result | error} shape and worker
// progress is pushed to the active UI session, or dropped when there is none.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/log"
	"github.com/mattjoyce/enginehost/internal/worker"
)

// Dispatcher is the call surface the bridge wraps.
type Dispatcher interface {
	dispatch.Invoker
	InFlight() (dispatch.CallInfo, bool)
	Queued() int
}

// Supervisor is the lifecycle surface the bridge wraps.
type Supervisor interface {
	Shutdown()
	Restart(ctx context.Context) error
	Wait(ctx context.Context) error
	Ready() bool
	Status() worker.Status
}

// Notifier delivers events to UI sessions.
type Notifier interface {
	Publish(eventType string, data any)
	PublishProgress(data any) bool
	ActiveSession() string
}

// StartupOperation runs once the worker is ready, and again on reload.
type StartupOperation struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Paths are the host directories exposed to the UI.
type Paths struct {
	LogDir    string `json:"log_dir"`
	TempDir   string `json:"temp_dir"`
	ReportDir string `json:"report_dir"`
}

// Result is the stable response shape for every operation.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Status is the combined view of worker and call state.
type Status struct {
	Worker        worker.Status      `json:"worker"`
	InFlight      *dispatch.CallInfo `json:"in_flight,omitempty"`
	Queued        int                `json:"queued"`
	ActiveSession string             `json:"active_session,omitempty"`
}

// ProgressEvent is what UI sessions receive for each worker progress frame.
type ProgressEvent struct {
	Operation string          `json:"operation"`
	Progress  json.RawMessage `json:"progress"`
}

// Bridge adapts dispatcher errors and progress for the UI.
type Bridge struct {
	disp     Dispatcher
	sup      Supervisor
	notifier Notifier
	startup  []StartupOperation
	paths    Paths
	logger   *slog.Logger

	mu     sync.Mutex
	onExit func()
}

// New creates a Bridge.
func New(disp Dispatcher, sup Supervisor, notifier Notifier, startup []StartupOperation, paths Paths) *Bridge {
	return &Bridge{
		disp:     disp,
		sup:      sup,
		notifier: notifier,
		startup:  startup,
		paths:    paths,
		logger:   log.WithComponent("bridge"),
	}
}

// Perform runs one operation and never returns a Go error: failures are
// folded into the Result.
func (b *Bridge) Perform(ctx context.Context, operation string, payload json.RawMessage) Result {
	sink := func(progress json.RawMessage) {
		if !b.notifier.PublishProgress(ProgressEvent{Operation: operation, Progress: progress}) {
			b.logger.Debug("dropped progress, no active session", "operation", operation)
		}
	}

	raw, err := b.disp.Invoke(ctx, operation, payload, sink)
	if err != nil {
		code, msg := Translate(err)
		return Result{Success: false, Error: msg, Code: code}
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`null`)
	}
	return Result{Success: true, Result: raw}
}

// RunStartup performs the configured startup operations in order. Failures
// are logged and do not stop later operations.
func (b *Bridge) RunStartup(ctx context.Context) []Result {
	if len(b.startup) == 0 {
		return nil
	}
	if !b.sup.Ready() {
		b.logger.Warn("skipping startup operations, worker is not ready")
		return nil
	}

	results := make([]Result, 0, len(b.startup))
	for _, op := range b.startup {
		start := time.Now()
		res := b.Perform(ctx, op.Operation, op.Payload)
		if res.Success {
			b.logger.Info("startup operation completed", "operation", op.Operation, "duration", time.Since(start).String())
		} else {
			b.logger.Warn("startup operation failed", "operation", op.Operation, "code", res.Code, "error", res.Error)
		}
		results = append(results, res)
	}
	return results
}

// Reload reruns the startup operations and tells UI sessions to reload.
func (b *Bridge) Reload(ctx context.Context) []Result {
	results := b.RunStartup(ctx)
	b.notifier.Publish("host.reload", map[string]any{"startup_operations": len(results)})
	return results
}

// Shutdown stops the worker. It is safe to call repeatedly.
func (b *Bridge) Shutdown() {
	b.sup.Shutdown()
}

// Restart respawns the worker and reruns the startup operations.
func (b *Bridge) Restart(ctx context.Context) error {
	if err := b.sup.Restart(ctx); err != nil {
		return err
	}
	b.RunStartup(ctx)
	return nil
}

// SetExitHandler registers what Exit calls after stopping the worker.
func (b *Bridge) SetExitHandler(fn func()) {
	b.mu.Lock()
	b.onExit = fn
	b.mu.Unlock()
}

// Exit stops the worker and asks the host to exit cleanly.
func (b *Bridge) Exit() {
	b.logger.Info("exit requested")
	b.sup.Shutdown()
	b.notifier.Publish("host.exit", nil)

	b.mu.Lock()
	fn := b.onExit
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Ready reports whether operations can currently be performed.
func (b *Bridge) Ready() bool {
	return b.sup.Ready()
}

// Status returns worker and call state.
func (b *Bridge) Status() Status {
	st := Status{
		Worker:        b.sup.Status(),
		Queued:        b.disp.Queued(),
		ActiveSession: b.notifier.ActiveSession(),
	}
	if info, ok := b.disp.InFlight(); ok {
		st.InFlight = &info
	}
	return st
}

// Paths returns the host directories.
func (b *Bridge) Paths() Paths {
	return b.paths
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/enginehost/internal/log"
	"github.com/mattjoyce/enginehost/internal/protocol"
	"github.com/mattjoyce/enginehost/internal/worker"
)

// DefaultMaxQueued is how many callers may wait behind the call in flight.
const DefaultMaxQueued = 16

// Options tune call admission and deadlines.
type Options struct {
	// Timeout bounds each call from the caller's point of view. Zero disables it.
	Timeout time.Duration
	// MaxQueued is how many callers may wait for the slot. Zero rejects with
	// ErrCallInProgress whenever a call is in flight.
	MaxQueued int
}

// Dispatcher routes single-flight calls to the worker.
type Dispatcher struct {
	sup    Supervisor
	opts   Options
	rec    Recorder
	pub    Publisher
	logger *slog.Logger

	slot    chan struct{}
	waiting atomic.Int32

	mu      sync.Mutex
	pending *pendingCall
}

type pendingCall struct {
	id        string
	operation string
	gen       uint64
	payload   int
	startedAt time.Time
	sink      ProgressSink
	done      chan outcome

	// guarded by Dispatcher.mu
	abandoned bool
	progress  int
}

type outcome struct {
	result json.RawMessage
	err    error
	status string
}

// New creates a Dispatcher. rec and pub may be nil. The caller must register
// the dispatcher as the supervisor's observer.
func New(sup Supervisor, opts Options, rec Recorder, pub Publisher) *Dispatcher {
	if opts.MaxQueued < 0 {
		opts.MaxQueued = 0
	}
	return &Dispatcher{
		sup:    sup,
		opts:   opts,
		rec:    rec,
		pub:    pub,
		logger: log.WithComponent("dispatch"),
		slot:   make(chan struct{}, 1),
	}
}

// Invoke sends one operation to the worker and waits for its final frame.
// Progress frames are delivered to sink, which may be nil.
func (d *Dispatcher) Invoke(ctx context.Context, operation string, payload json.RawMessage, sink ProgressSink) (json.RawMessage, error) {
	if operation == "" {
		return nil, fmt.Errorf("%w: operation is empty", ErrInvalidRequest)
	}
	if len(bytes.TrimSpace(payload)) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload for %s is not valid JSON", ErrInvalidRequest, operation)
	}
	if _, ok := d.sup.Current(); !ok {
		return nil, ErrWorkerUnavailable
	}

	if err := d.acquire(ctx); err != nil {
		return nil, err
	}

	gen, ok := d.sup.Current()
	if !ok {
		d.release()
		return nil, ErrWorkerUnavailable
	}

	call := &pendingCall{
		id:        uuid.NewString(),
		operation: operation,
		gen:       gen,
		payload:   len(payload),
		startedAt: time.Now().UTC(),
		sink:      sink,
		done:      make(chan outcome, 1),
	}
	d.mu.Lock()
	d.pending = call
	d.mu.Unlock()
	d.sup.MarkBusy(gen)

	logger := d.logger.With("call_id", call.id, "operation", operation)
	logger.Debug("call started", "generation", gen)
	d.publish("call.started", map[string]any{"call_id": call.id, "operation": operation})

	if err := d.sup.Send(gen, protocol.Request{Operation: operation, Payload: payload}); err != nil {
		out := outcome{err: ErrWorkerUnavailable, status: StatusWorkerDied}
		if !errors.Is(err, worker.ErrNotReady) && !errors.Is(err, worker.ErrStaleGeneration) {
			logger.Error("write to worker failed, stopping worker", "error", err)
			out = outcome{err: fmt.Errorf("%w: %v", ErrWriteFailed, err), status: StatusWriteFailed}
			d.sup.Shutdown()
		}
		d.complete(call, out)
		out = <-call.done
		return out.result, out.err
	}

	var timeout <-chan time.Time
	if d.opts.Timeout > 0 {
		t := time.NewTimer(d.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case out := <-call.done:
		return out.result, out.err
	case <-ctx.Done():
		if out, resolved := d.abandon(call, logger); resolved {
			return out.result, out.err
		}
		return nil, ctx.Err()
	case <-timeout:
		if out, resolved := d.abandon(call, logger); resolved {
			return out.result, out.err
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, operation, d.opts.Timeout)
	}
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	select {
	case d.slot <- struct{}{}:
		return nil
	default:
	}

	if d.opts.MaxQueued == 0 {
		return ErrCallInProgress
	}
	if int(d.waiting.Add(1)) > d.opts.MaxQueued {
		d.waiting.Add(-1)
		return fmt.Errorf("%w: %d calls already queued", ErrCallInProgress, d.opts.MaxQueued)
	}
	defer d.waiting.Add(-1)

	select {
	case d.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) release() {
	<-d.slot
}

// abandon detaches the caller but leaves the call installed. If the call was
// resolved concurrently its outcome is returned instead.
func (d *Dispatcher) abandon(call *pendingCall, logger *slog.Logger) (outcome, bool) {
	d.mu.Lock()
	if d.pending != call {
		d.mu.Unlock()
		return <-call.done, true
	}
	call.abandoned = true
	d.mu.Unlock()

	logger.Warn("call abandoned by caller, worker slot held until it finishes")
	return outcome{}, false
}

// complete resolves call exactly once: it detaches it, frees the worker and
// the slot, and hands the outcome to the waiting caller.
func (d *Dispatcher) complete(call *pendingCall, out outcome) bool {
	d.mu.Lock()
	if d.pending != call {
		d.mu.Unlock()
		return false
	}
	d.pending = nil
	abandoned := call.abandoned
	progress := call.progress
	d.mu.Unlock()

	d.sup.MarkIdle(call.gen)
	d.release()
	call.done <- out

	rec := CallRecord{
		ID:            call.id,
		Operation:     call.operation,
		Generation:    call.gen,
		Status:        out.status,
		Abandoned:     abandoned,
		ProgressCount: progress,
		PayloadBytes:  call.payload,
		ResultBytes:   len(out.result),
		StartedAt:     call.startedAt,
		FinishedAt:    time.Now().UTC(),
	}
	if out.err != nil {
		rec.Error = out.err.Error()
	}
	d.finish(rec)
	return true
}

func (d *Dispatcher) finish(rec CallRecord) {
	logger := d.logger.With("call_id", rec.ID, "operation", rec.Operation)
	event := map[string]any{
		"call_id":     rec.ID,
		"operation":   rec.Operation,
		"status":      rec.Status,
		"duration_ms": rec.Duration().Milliseconds(),
	}
	if rec.Status == StatusSucceeded {
		logger.Info("call completed", "duration", rec.Duration().String(), "abandoned", rec.Abandoned)
		d.publish("call.completed", event)
	} else {
		logger.Warn("call failed", "status", rec.Status, "error", rec.Error, "abandoned", rec.Abandoned)
		event["error"] = rec.Error
		d.publish("call.failed", event)
	}

	if d.rec != nil {
		if err := d.rec.RecordCall(context.Background(), rec); err != nil {
			logger.Error("failed to record call", "error", err)
		}
	}
}

// OnFrame routes a frame from worker generation gen.
func (d *Dispatcher) OnFrame(gen uint64, frame protocol.Frame) {
	d.mu.Lock()
	call := d.pending
	if call == nil || call.gen != gen {
		d.mu.Unlock()
		d.logger.Debug("dropped frame with no call in flight", "kind", frame.Kind.String(), "generation", gen)
		return
	}

	switch frame.Kind {
	case protocol.KindProgress:
		call.progress++
		sink, abandoned := call.sink, call.abandoned
		d.mu.Unlock()
		if sink != nil && !abandoned {
			sink(frame.Progress)
		}
	case protocol.KindFinal:
		d.mu.Unlock()
		out := outcome{result: frame.Result, status: StatusSucceeded}
		if !frame.Success {
			out = outcome{err: &WorkerError{Operation: call.operation, Message: frame.Error}, status: StatusFailed}
		}
		d.complete(call, out)
	default:
		d.mu.Unlock()
	}
}

// OnExit fails the call in flight, if it belongs to the exited generation.
func (d *Dispatcher) OnExit(gen uint64, info worker.ExitInfo) {
	d.mu.Lock()
	call := d.pending
	d.mu.Unlock()
	if call == nil || call.gen != gen {
		return
	}
	d.complete(call, outcome{
		err:    fmt.Errorf("%w during %s: %s", ErrWorkerDied, call.operation, info),
		status: StatusWorkerDied,
	})
}

// InFlight describes the call holding the worker, if any.
func (d *Dispatcher) InFlight() (CallInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return CallInfo{}, false
	}
	return CallInfo{
		ID:            d.pending.id,
		Operation:     d.pending.operation,
		StartedAt:     d.pending.startedAt,
		Abandoned:     d.pending.abandoned,
		ProgressCount: d.pending.progress,
	}, true
}

// Queued is the number of callers waiting for the slot.
func (d *Dispatcher) Queued() int {
	return int(d.waiting.Load())
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.pub != nil {
		d.pub.Publish(eventType, data)
	}
}

// Call marshals req, invokes operation, and unmarshals the result into Resp.
func Call[Req, Resp any](ctx context.Context, inv Invoker, operation string, req Req, sink ProgressSink) (Resp, error) {
	var resp Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	raw, err := inv.Invoke(ctx, operation, payload, sink)
	if err != nil {
		return resp, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return resp, nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %s result: %w", operation, err)
	}
	return resp, nil
}

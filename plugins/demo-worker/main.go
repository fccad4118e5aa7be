// Command demo-worker is a reference engine worker. It speaks the host's
// line protocol on stdin/stdout and logs to stderr and LOG_DIR.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/enginehost/internal/log"
	"github.com/mattjoyce/enginehost/internal/protocol"
	"github.com/mattjoyce/enginehost/internal/worker"
)

// Environment read by the worker.
const (
	envLogDir     = "LOG_DIR"
	envTempDir    = "ENGINE_TEMP_DIR"
	envReadyDelay = "DEMO_READY_DELAY"
)

const clearTempDirOp = "run_clear_temp_dir.py"

func main() {
	env := os.Getenv

	opts := log.Options{Level: "info", Format: "text", Stdout: os.Stderr}
	if dir := env(envLogDir); dir != "" {
		opts.FilePath = filepath.Join(dir, "demo-worker.log")
	}
	_ = log.SetupWithOptions(opts)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = watchControl(ctx, env(worker.ControlFDEnv))

	if err := run(ctx, os.Stdin, os.Stdout, env); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

// watchControl cancels the returned context when the host closes its end
// of the control pipe.
func watchControl(ctx context.Context, fdVar string) context.Context {
	if fdVar == "" {
		return ctx
	}
	fd, err := strconv.Atoi(fdVar)
	if err != nil {
		log.Warn("ignoring invalid control fd", "value", fdVar)
		return ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		f := os.NewFile(uintptr(fd), "control")
		_, _ = io.Copy(io.Discard, f)
		log.Info("control channel closed by host")
	}()
	return ctx
}

// engine executes one request at a time and writes frames to out.
type engine struct {
	out     io.Writer
	tempDir string
	logger  *slog.Logger
}

// run announces readiness and serves requests until stdin ends or ctx is done.
func run(ctx context.Context, in io.Reader, out io.Writer, env func(string) string) error {
	e := &engine{out: out, tempDir: env(envTempDir), logger: log.WithComponent("demo-worker")}

	if d := env(envReadyDelay); d != "" {
		delay, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("%s: %w", envReadyDelay, err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	if err := protocol.WriteReady(out); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	e.logger.Info("worker ready")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
				}
				e.logger.Info("stdin closed")
				return nil
			}
			req, err := protocol.DecodeRequest(line)
			if err != nil {
				e.logger.Warn("bad request line", "error", err)
				if err := protocol.WriteError(out, err.Error()); err != nil {
					return err
				}
				continue
			}
			if err := e.handle(ctx, req); err != nil {
				return err
			}
		}
	}
}

// handle answers one request with exactly one final frame. Errors returned
// are write failures; operation failures become error frames.
func (e *engine) handle(ctx context.Context, req protocol.Request) error {
	start := time.Now()
	e.logger.Info("operation started", "operation", req.Operation)

	result, opErr := e.perform(ctx, req)

	if opErr != nil {
		e.logger.Warn("operation failed", "operation", req.Operation, "error", opErr, "duration", time.Since(start).String())
		return protocol.WriteError(e.out, opErr.Error())
	}
	e.logger.Info("operation completed", "operation", req.Operation, "duration", time.Since(start).String())
	return protocol.WriteResult(e.out, result)
}

func (e *engine) perform(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Operation {
	case "echo":
		if len(req.Payload) == 0 {
			return map[string]any{}, nil
		}
		return req.Payload, nil
	case "progress":
		var p struct {
			Steps      int `json:"steps"`
			IntervalMS int `json:"interval_ms"`
		}
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return e.progress(ctx, max(1, p.Steps), time.Duration(p.IntervalMS)*time.Millisecond)
	case "sleep":
		var p struct {
			MS int `json:"ms"`
		}
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(p.MS) * time.Millisecond):
			return map[string]any{"slept_ms": p.MS}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "fail":
		var p struct {
			Message string `json:"message"`
		}
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			p.Message = "requested failure"
		}
		return nil, errors.New(p.Message)
	case "crash":
		var p struct {
			Code int `json:"code"`
		}
		_ = decodePayload(req.Payload, &p)
		e.logger.Error("crashing on request", "code", p.Code)
		os.Exit(max(1, p.Code))
		return nil, nil
	case clearTempDirOp:
		removed, err := clearDir(e.tempDir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": removed, "temp_dir": e.tempDir}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}
}

func (e *engine) progress(ctx context.Context, steps int, interval time.Duration) (any, error) {
	for i := 1; i <= steps; i++ {
		if i > 1 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		err := protocol.WriteProgress(e.out, map[string]any{
			"percent": i * 100 / steps,
			"message": fmt.Sprintf("step %d/%d", i, steps),
		})
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"steps": steps}, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// clearDir removes everything inside dir, keeping dir itself. A missing or
// unset dir removes nothing.
func clearDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("clear temp dir: %w", err)
		}
		removed++
	}
	return removed, nil
}

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/enginehost/internal/config"
	"github.com/mattjoyce/enginehost/internal/log"
	"github.com/mattjoyce/enginehost/internal/protocol"
)

const (
	// DefaultReadyTimeout bounds the readiness handshake.
	DefaultReadyTimeout = 300 * time.Second
	// DefaultShutdownGrace is the time we wait after SIGTERM before sending SIGKILL.
	DefaultShutdownGrace = 5 * time.Second
	// DefaultOutputDrain bounds how long output is read after the process
	// exits, in case a leftover child still holds the pipes open.
	DefaultOutputDrain = time.Second

	maxLoggedLine = 512
)

// Config describes the worker to supervise.
type Config struct {
	Executable     string
	Script         string
	Args           []string
	WorkingDir     string
	Env            map[string]string
	LogDir         string
	LogDirEnv      string
	ReadyTimeout   time.Duration
	ShutdownGrace  time.Duration
	ScriptBLAKE3   string
	ControlChannel bool
	OutputDrain    time.Duration
}

// Observer receives frames and exits for a process generation.
// Calls for one generation are serialized and OnExit comes last.
type Observer interface {
	OnFrame(gen uint64, frame protocol.Frame)
	OnExit(gen uint64, info ExitInfo)
}

// Publisher receives lifecycle notifications.
type Publisher interface {
	Publish(eventType string, data any)
}

// Supervisor owns at most one worker process at a time.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	pub      Publisher
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	proc     *handle
	observer Observer
	lastExit *ExitInfo
	starts   int
}

type handle struct {
	gen       uint64
	proc      Process
	pid       int
	startedAt time.Time
	readyAt   time.Time

	writeMu sync.Mutex
	streams sync.WaitGroup

	ready chan struct{}
	done  chan struct{}
	exit  ExitInfo

	shutdownRequested atomic.Bool
	exited            atomic.Bool
	termOnce          sync.Once
	killOnce          sync.Once
}

// New creates a Supervisor. A nil launcher means ExecLauncher; pub may be nil.
func New(cfg Config, launcher Launcher, pub Publisher) *Supervisor {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.OutputDrain <= 0 {
		cfg.OutputDrain = DefaultOutputDrain
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		pub:      pub,
		logger:   log.WithComponent("worker"),
	}
}

// SetObserver registers the single frame consumer.
func (s *Supervisor) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Start spawns the worker and waits for its ready frame.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Alive() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	spec, err := s.prepare()
	if err != nil {
		s.failStart(err)
		return err
	}

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		err = fmt.Errorf("%w: launching %s: %v", ErrSpawnFailed, spec.Executable, err)
		s.failStart(err)
		return err
	}

	s.mu.Lock()
	s.gen++
	h := &handle{
		gen:       s.gen,
		proc:      proc,
		pid:       proc.Pid(),
		startedAt: time.Now().UTC(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.proc = h
	s.starts++
	s.mu.Unlock()

	s.logger.Info("worker spawned", "pid", h.pid, "generation", h.gen, "executable", spec.Executable)
	s.publish("worker.started", map[string]any{"pid": h.pid, "generation": h.gen})

	h.streams.Add(2)
	go s.readStdout(h)
	go s.readStderr(h)
	go s.reap(h)

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-h.ready:
		return nil
	case <-h.done:
		if h.shutdownRequested.Load() {
			return fmt.Errorf("%w: shut down during startup", ErrSpawnFailed)
		}
		err := fmt.Errorf("%w: worker exited before ready (%s)", ErrSpawnFailed, h.exit)
		s.publish("worker.failed", map[string]any{"generation": h.gen, "error": err.Error()})
		return err
	case <-timer.C:
		if !s.abortStart(h) {
			return nil
		}
		err := fmt.Errorf("%w: worker did not respond within %s", ErrReadinessTimeout, s.cfg.ReadyTimeout)
		s.logger.Error("worker readiness timeout", "pid", h.pid, "timeout", s.cfg.ReadyTimeout.String())
		s.publish("worker.failed", map[string]any{"generation": h.gen, "error": err.Error()})
		return err
	case <-ctx.Done():
		if !s.abortStart(h) {
			return nil
		}
		return ctx.Err()
	}
}

func (s *Supervisor) failStart(err error) {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	s.logger.Error("worker failed to start", "error", err)
	s.publish("worker.failed", map[string]any{"error": err.Error()})
}

// abortStart kills a worker that has not become ready. It returns false when
// readiness won the race, in which case the worker is left alone.
func (s *Supervisor) abortStart(h *handle) bool {
	s.mu.Lock()
	if s.proc != h || s.state != StateStarting {
		s.mu.Unlock()
		return false
	}
	s.state = StateTerminating
	s.mu.Unlock()

	h.shutdownRequested.Store(true)
	_ = h.proc.CloseControl()
	_ = h.proc.Stdin().Close()
	s.kill(h)

	select {
	case <-h.done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("worker not reaped after kill", "pid", h.pid)
	}
	return true
}

func (s *Supervisor) prepare() (LaunchSpec, error) {
	exe, err := ResolveExecutable(s.cfg.Executable)
	if err != nil {
		return LaunchSpec{}, err
	}

	args := append([]string{}, s.cfg.Args...)
	if s.cfg.Script != "" {
		info, err := os.Stat(s.cfg.Script)
		if err != nil || !info.Mode().IsRegular() {
			return LaunchSpec{}, fmt.Errorf("%w: worker script not found at %s", ErrSpawnFailed, s.cfg.Script)
		}
		if s.cfg.ScriptBLAKE3 != "" {
			if err := config.VerifyFileHash(s.cfg.Script, s.cfg.ScriptBLAKE3); err != nil {
				return LaunchSpec{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
			}
		}
		args = append(args, s.cfg.Script)
	}

	env := os.Environ()
	if s.cfg.LogDirEnv != "" && s.cfg.LogDir != "" {
		env = append(env, s.cfg.LogDirEnv+"="+s.cfg.LogDir)
	}
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.cfg.Env[k])
	}

	return LaunchSpec{
		Executable:     exe,
		Args:           args,
		Dir:            s.cfg.WorkingDir,
		Env:            env,
		ControlChannel: s.cfg.ControlChannel,
	}, nil
}

// ResolveExecutable finds exe on disk or in PATH.
func ResolveExecutable(exe string) (string, error) {
	if exe == "" {
		return "", fmt.Errorf("%w: no worker executable configured", ErrSpawnFailed)
	}
	if filepath.IsAbs(exe) || strings.ContainsRune(exe, os.PathSeparator) {
		info, err := os.Stat(exe)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: worker executable not found at %s", ErrSpawnFailed, exe)
		}
		return exe, nil
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("%w: worker executable %q not found in PATH", ErrSpawnFailed, exe)
	}
	return path, nil
}

func (s *Supervisor) readStdout(h *handle) {
	defer h.streams.Done()

	fr := protocol.NewFrameReader(h.proc.Stdout(), func(line []byte) {
		s.logger.Debug("dropped undecodable worker output", "generation", h.gen, "line", clip(line))
	})
	for {
		frame, err := fr.Next()
		if err != nil {
			// A closed pipe after exit is the reaper cutting a drain short.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) && !h.exited.Load() {
				s.logger.Error("worker stdout read failed, stopping worker", "generation", h.gen, "error", err)
				s.shutdownHandle(h)
			}
			return
		}

		switch {
		case frame.Kind == protocol.KindReady:
			s.markReady(h)
		case !h.isReady():
			s.logger.Debug("dropped frame before ready", "generation", h.gen, "kind", frame.Kind.String())
		default:
			if obs := s.currentObserver(); obs != nil {
				obs.OnFrame(h.gen, frame)
			}
		}
	}
}

func (s *Supervisor) readStderr(h *handle) {
	defer h.streams.Done()

	sc := bufio.NewScanner(h.proc.Stderr())
	sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.logger.Error("worker stderr", "stream", "stderr", "generation", h.gen, "line", line)
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, h.proc.Stderr())
	}
}

func (s *Supervisor) markReady(h *handle) {
	s.mu.Lock()
	if s.proc != h || s.state != StateStarting {
		s.mu.Unlock()
		s.logger.Debug("ignored repeated ready frame", "generation", h.gen)
		return
	}
	s.state = StateReady
	h.readyAt = time.Now().UTC()
	close(h.ready)
	s.mu.Unlock()

	s.logger.Info("worker ready", "pid", h.pid, "generation", h.gen, "startup", h.readyAt.Sub(h.startedAt).String())
	s.publish("worker.ready", map[string]any{"pid": h.pid, "generation": h.gen})
}

func (s *Supervisor) reap(h *handle) {
	info := h.proc.Wait()
	h.exited.Store(true)
	info.Unexpected = !h.shutdownRequested.Load()

	// Frames already written are still delivered before OnExit, but a child
	// the worker left behind must not keep the exit from being seen.
	drained := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.OutputDrain):
		s.logger.Warn("worker output still open after exit, closing it", "pid", h.pid, "generation", h.gen)
		_ = h.proc.CloseOutput()
		<-drained
	}
	_ = h.proc.CloseOutput()
	_ = h.proc.Stdin().Close()

	s.mu.Lock()
	h.exit = info
	if s.proc == h {
		s.state = StateTerminated
		s.lastExit = &info
	}
	obs := s.observer
	s.mu.Unlock()
	close(h.done)

	if info.Unexpected {
		s.logger.Error("worker exited unexpectedly", "pid", h.pid, "generation", h.gen, "exit_code", info.Code, "signal", info.Signal)
	} else {
		s.logger.Info("worker exited", "pid", h.pid, "generation", h.gen, "exit_code", info.Code, "signal", info.Signal)
	}
	s.publish("worker.exited", map[string]any{
		"pid":        h.pid,
		"generation": h.gen,
		"exit_code":  info.Code,
		"signal":     info.Signal,
		"unexpected": info.Unexpected,
	})

	if obs != nil {
		obs.OnExit(h.gen, info)
	}
}

// Shutdown terminates the worker. It is idempotent, never blocks, and is a
// no-op when no worker is alive.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	h := s.proc
	s.mu.Unlock()
	s.shutdownHandle(h)
}

// shutdownHandle stops h if it is still the current, live process.
func (s *Supervisor) shutdownHandle(h *handle) {
	s.mu.Lock()
	if h == nil || s.proc != h || (s.state != StateStarting && s.state != StateReady && s.state != StateRunning) {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminating
	s.mu.Unlock()

	h.shutdownRequested.Store(true)
	s.terminate(h)
}

func (s *Supervisor) terminate(h *handle) {
	h.termOnce.Do(func() {
		s.logger.Info("stopping worker", "pid", h.pid, "generation", h.gen)
		_ = h.proc.CloseControl()
		_ = h.proc.Stdin().Close()
		if err := h.proc.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("failed to send SIGTERM", "pid", h.pid, "error", err)
		}
		time.AfterFunc(s.cfg.ShutdownGrace, func() {
			select {
			case <-h.done:
			default:
				s.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "pid", h.pid)
				s.kill(h)
			}
		})
	})
}

func (s *Supervisor) kill(h *handle) {
	h.killOnce.Do(func() {
		if err := h.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Error("failed to send SIGKILL", "pid", h.pid, "error", err)
		}
	})
}

// Restart stops the current worker, waits for it to be reaped, and starts a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Shutdown()
	if err := s.Wait(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Wait blocks until the current worker has been reaped.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed once the current worker process has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return closedChan
	}
	return s.proc.done
}

// Send writes one request frame to the worker of generation gen.
func (s *Supervisor) Send(gen uint64, req protocol.Request) error {
	s.mu.Lock()
	h := s.proc
	state := s.state
	s.mu.Unlock()

	if h == nil || !state.Accepting() {
		return ErrNotReady
	}
	if h.gen != gen {
		return ErrStaleGeneration
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return protocol.EncodeRequest(h.proc.Stdin(), req)
}

// Current returns the generation of a worker that can accept calls.
func (s *Supervisor) Current() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || !s.state.Accepting() {
		return 0, false
	}
	return s.proc.gen, true
}

// MarkBusy moves a ready worker of generation gen to Running.
func (s *Supervisor) MarkBusy(gen uint64) {
	s.transition(gen, StateReady, StateRunning)
}

// MarkIdle moves a running worker of generation gen back to Ready.
func (s *Supervisor) MarkIdle(gen uint64) {
	s.transition(gen, StateRunning, StateReady)
}

func (s *Supervisor) transition(gen uint64, from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && s.proc.gen == gen && s.state == from {
		s.state = to
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether calls can be dispatched.
func (s *Supervisor) Ready() bool {
	return s.State().Accepting()
}

// LogDir is the directory handed to the worker through its environment.
func (s *Supervisor) LogDir() string { return s.cfg.LogDir }

// Status returns a snapshot for operational surfaces.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      s.state.String(),
		Ready:      s.state.Accepting(),
		Generation: s.gen,
		Starts:     s.starts,
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		st.LastExit = &exit
	}
	if h := s.proc; h != nil && s.state.Alive() {
		st.PID = h.pid
		started := h.startedAt
		st.StartedAt = &started
		if !h.readyAt.IsZero() {
			ready := h.readyAt
			st.ReadyAt = &ready
		}
	}
	return st
}

func (s *Supervisor) currentObserver() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.pub != nil {
		s.pub.Publish(eventType, data)
	}
}

func (h *handle) isReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

func clip(line []byte) string {
	if len(line) > maxLoggedLine {
		return string(line[:maxLoggedLine]) + "..."
	}
	return string(line)
}

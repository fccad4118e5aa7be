// Package workertest provides in-memory worker processes for tests.
package workertest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/enginehost/internal/protocol"
	"github.com/mattjoyce/enginehost/internal/worker"
)

// FakeProcess is a worker.Process backed by io.Pipes. The test plays the
// worker side through its helper methods.
type FakeProcess struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	requests    chan protocol.Request
	stdinClosed chan struct{}
	controlDone chan struct{}
	controlOnce sync.Once

	exitOnce sync.Once
	exitCh   chan worker.ExitInfo

	terminations atomic.Int32
	kills        atomic.Int32

	// ExitOnTerminate makes Terminate behave like a well-behaved worker.
	ExitOnTerminate bool
}

// NewFakeProcess returns a process whose stdin is decoded into Requests.
func NewFakeProcess(pid int) *FakeProcess {
	p := &FakeProcess{
		pid:             pid,
		requests:        make(chan protocol.Request, 64),
		stdinClosed:     make(chan struct{}),
		controlDone:     make(chan struct{}),
		exitCh:          make(chan worker.ExitInfo, 1),
		ExitOnTerminate: true,
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.readRequests()
	return p
}

func (p *FakeProcess) readRequests() {
	defer close(p.requests)
	defer close(p.stdinClosed)
	sc := bufio.NewScanner(p.stdinR)
	sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		req, err := protocol.DecodeRequest(sc.Bytes())
		if err != nil {
			continue
		}
		p.requests <- req
	}
}

func (p *FakeProcess) Pid() int              { return p.pid }
func (p *FakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *FakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader     { return p.stderrR }

func (p *FakeProcess) Terminate() error {
	p.terminations.Add(1)
	if p.ExitOnTerminate {
		p.exit(worker.ExitInfo{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.kills.Add(1)
	p.exit(worker.ExitInfo{Code: -1, Signal: "killed"})
	return nil
}

func (p *FakeProcess) CloseControl() error {
	p.controlOnce.Do(func() { close(p.controlDone) })
	return nil
}

func (p *FakeProcess) CloseOutput() error {
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
	return nil
}

func (p *FakeProcess) Wait() worker.ExitInfo {
	info := <-p.exitCh
	info.At = time.Now().UTC()
	return info
}

// Exit ends the process with code, closing its output streams.
func (p *FakeProcess) Exit(code int) {
	p.exit(worker.ExitInfo{Code: code})
}

// ExitKeepingOutput ends the process with code but leaves stdout and
// stderr open, as when a child of the worker still holds them.
func (p *FakeProcess) ExitKeepingOutput(code int) {
	p.exitOnce.Do(func() {
		_ = p.stdinR.Close()
		p.exitCh <- worker.ExitInfo{Code: code}
	})
}

func (p *FakeProcess) exit(info worker.ExitInfo) {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.Close()
		p.exitCh <- info
	})
}

// WriteLine writes raw text plus a newline to stdout.
func (p *FakeProcess) WriteLine(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// WriteStderr writes one line to stderr.
func (p *FakeProcess) WriteStderr(line string) error {
	_, err := io.WriteString(p.stderrW, line+"\n")
	return err
}

// SendReady emits the ready frame.
func (p *FakeProcess) SendReady() error { return protocol.WriteReady(p.stdoutW) }

// SendProgress emits a progress frame.
func (p *FakeProcess) SendProgress(fields map[string]any) error {
	return protocol.WriteProgress(p.stdoutW, fields)
}

// SendResult emits a successful final frame.
func (p *FakeProcess) SendResult(v any) error { return protocol.WriteResult(p.stdoutW, v) }

// SendError emits a failed final frame.
func (p *FakeProcess) SendError(msg string) error { return protocol.WriteError(p.stdoutW, msg) }

// Requests yields decoded request frames in the order they were written.
func (p *FakeProcess) Requests() <-chan protocol.Request { return p.requests }

// NextRequest waits for the next request frame.
func (p *FakeProcess) NextRequest(timeout time.Duration) (protocol.Request, error) {
	select {
	case req, ok := <-p.requests:
		if !ok {
			return protocol.Request{}, errors.New("stdin closed")
		}
		return req, nil
	case <-time.After(timeout):
		return protocol.Request{}, errors.New("no request received")
	}
}

// StdinClosed is closed when the host closes stdin.
func (p *FakeProcess) StdinClosed() <-chan struct{} { return p.stdinClosed }

// ControlClosed is closed when the host closes the control channel.
func (p *FakeProcess) ControlClosed() <-chan struct{} { return p.controlDone }

// Terminations counts SIGTERM deliveries.
func (p *FakeProcess) Terminations() int { return int(p.terminations.Load()) }

// Kills counts SIGKILL deliveries.
func (p *FakeProcess) Kills() int { return int(p.kills.Load()) }

// Launcher hands out FakeProcesses.
type Launcher struct {
	mu     sync.Mutex
	procs  []*FakeProcess
	specs  []worker.LaunchSpec
	nextID int

	// Err, when set, fails every launch.
	Err error
	// OnLaunch runs in its own goroutine for each new process.
	OnLaunch func(p *FakeProcess)
	// Configure runs synchronously before the process is returned.
	Configure func(p *FakeProcess)
}

// Launch implements worker.Launcher.
func (l *Launcher) Launch(_ context.Context, spec worker.LaunchSpec) (worker.Process, error) {
	l.mu.Lock()
	if l.Err != nil {
		l.mu.Unlock()
		return nil, l.Err
	}
	l.nextID++
	p := NewFakeProcess(1000 + l.nextID)
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	configure, onLaunch := l.Configure, l.OnLaunch
	l.mu.Unlock()

	if configure != nil {
		configure(p)
	}
	if onLaunch != nil {
		go onLaunch(p)
	}
	return p, nil
}

// Procs returns every process launched so far.
func (l *Launcher) Procs() []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeProcess(nil), l.procs...)
}

// Last returns the most recent process, or nil.
func (l *Launcher) Last() *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Specs returns every launch spec seen so far.
func (l *Launcher) Specs() []worker.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]worker.LaunchSpec(nil), l.specs...)
}

// ReadyOnLaunch is an OnLaunch hook for a worker that becomes ready at once.
func ReadyOnLaunch(p *FakeProcess) { _ = p.SendReady() }

// EchoWorker is an OnLaunch hook that becomes ready and answers every request
// with its own payload.
func EchoWorker(p *FakeProcess) {
	if err := p.SendReady(); err != nil {
		return
	}
	for req := range p.requests {
		var v any
		_ = json.Unmarshal(req.Payload, &v)
		if err := p.SendResult(v); err != nil {
			return
		}
	}
}

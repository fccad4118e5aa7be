package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ControlFDEnv tells the worker which inherited descriptor is the control channel.
const ControlFDEnv = "ENGINE_CONTROL_FD"

// LaunchSpec is everything needed to start one worker process.
type LaunchSpec struct {
	Executable     string
	Args           []string
	Dir            string
	Env            []string
	ControlChannel bool
}

// Process is a running worker as seen by the supervisor.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill forcibly stops the process (SIGKILL).
	Kill() error
	// CloseControl closes the host end of the control channel, if any.
	CloseControl() error
	// CloseOutput closes the host ends of stdout and stderr, unblocking
	// readers.
	CloseOutput() error
	// Wait blocks until the process itself exits. It does not wait for
	// stdout or stderr, which a leftover child may still hold open.
	Wait() ExitInfo
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct{}

// Launch starts spec.Executable with piped stdio in its own process group,
// so signals and cleanup reach anything the worker spawns.
func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (_ Process, err error) {
	// Not CommandContext: lifetime is managed by Shutdown, not the start ctx.
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcessGroup(cmd)

	var opened []io.Closer
	defer func() {
		if err != nil {
			for _, c := range opened {
				_ = c.Close()
			}
		}
	}()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	opened = append(opened, stdin)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	opened = append(opened, stdout)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	opened = append(opened, stderr)

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}

	var controlRead *os.File
	if spec.ControlChannel {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("control pipe: %w", err)
		}
		opened = append(opened, r, w)
		controlRead = r
		p.control = w
		cmd.ExtraFiles = []*os.File{r}
		cmd.Env = append(cmd.Env, ControlFDEnv+"=3")
	}

	if err := cmd.Start(); err != nil {
		// Start has closed the child's ends; ours are closed by the defer.
		return nil, err
	}
	if controlRead != nil {
		// The child holds its own copy.
		_ = controlRead.Close()
	}
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	control *os.File

	outputOnce sync.Once
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Terminate() error {
	return signalGroup(p.cmd.Process, syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return signalGroup(p.cmd.Process, syscall.SIGKILL)
}

func (p *execProcess) CloseControl() error {
	if p.control == nil {
		return nil
	}
	return p.control.Close()
}

func (p *execProcess) CloseOutput() error {
	var err error
	p.outputOnce.Do(func() {
		err = errors.Join(p.stdout.Close(), p.stderr.Close())
	})
	return err
}

// Wait reaps the process with os.Process.Wait rather than exec.Cmd.Wait,
// which would also block on the output pipes. Whatever is left of the
// process group is killed so inherited pipes reach EOF.
func (p *execProcess) Wait() ExitInfo {
	state, err := p.cmd.Process.Wait()
	info := ExitInfo{At: time.Now().UTC()}
	if err != nil {
		info.Code = -1
		info.Err = err.Error()
	}
	if state != nil {
		info.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
		}
	}
	killGroupRemnant(p.cmd.Process.Pid)
	_ = p.CloseControl()
	return info
}

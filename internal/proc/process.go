package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Spec describes a long-running child process.
type Spec struct {
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
	// Stdout and Stderr default to discarding output.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a started process. Signals go to its whole process group.
type Handle interface {
	Pid() int
	Done() <-chan struct{}
	// Err is the wait result; only meaningful after Done is closed.
	Err() error
	Signal(sig syscall.Signal) error
	// Kill sends SIGKILL to the group and every descendant.
	Kill() error
}

// Launcher starts processes. The orchestrator and capture controller depend
// on this so tests can substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ExecLauncher starts real processes in their own process group.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	return Start(spec)
}

// Process is a child started by Start.
type Process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	err       error
	StartedAt time.Time
}

// Start launches spec in a new process group. The process is not tied to a
// context; callers own its lifetime through Signal/Kill/Stop.
func Start(spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Stdin = nil
	setGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{}), StartedAt: time.Now()}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) Pid() int              { return p.cmd.Process.Pid }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Process) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return signalGroup(p.Pid(), sig)
}

func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killTree(context.Background(), p.Pid())
}

// Stop sends sig, waits up to grace for the process to exit and then
// escalates to Kill. It returns once the process has exited or, if even
// SIGKILL is ignored, after a further grace period.
func Stop(h Handle, sig syscall.Signal, grace time.Duration) error {
	select {
	case <-h.Done():
		return nil
	default:
	}

	if err := h.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return h.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.Done():
		return nil
	case <-timer.C:
	}

	if err := h.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.Pid(), err)
	}
	timer.Reset(grace)
	select {
	case <-h.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("pid %d still running after SIGKILL", h.Pid())
	}
}

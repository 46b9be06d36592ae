package proc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const treePollInterval = 100 * time.Millisecond

// Tree terminates and inspects process trees by pid, for processes the
// caller may not have started itself.
type Tree struct{}

// Alive reports whether pid exists and is not a zombie.
func (Tree) Alive(ctx context.Context, pid int) bool {
	return alive(ctx, pid)
}

// Terminate sends SIGTERM to pid's group and every descendant, waits up to
// grace, then SIGKILLs whatever is left. It returns an error only if some
// process survived SIGKILL.
func (Tree) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	tree := descendants(ctx, pid)
	tree = append(tree, int32(pid))

	_ = signalGroup(pid, syscall.SIGTERM)
	for _, p := range tree {
		_ = signalPid(int(p), syscall.SIGTERM)
	}

	if waitGone(ctx, tree, grace) {
		return nil
	}

	slog.Warn("process tree ignored SIGTERM, escalating", "pid", pid, "grace", grace)
	_ = signalGroup(pid, syscall.SIGKILL)
	for _, p := range tree {
		if alive(ctx, int(p)) {
			_ = signalPid(int(p), syscall.SIGKILL)
		}
	}
	if waitGone(ctx, tree, grace) {
		return nil
	}
	return errors.New("process tree survived SIGKILL")
}

// KillByName terminates every process whose name or executable basename
// equals name (case-insensitive), other than ourselves. It returns the pids
// it terminated.
func (t Tree) KillByName(ctx context.Context, name string, grace time.Duration) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var killed []int
	var errs []error
	for _, p := range procs {
		if p.Pid == self || !matchesName(ctx, p, name) {
			continue
		}
		if err := t.Terminate(ctx, int(p.Pid), grace); err != nil {
			errs = append(errs, err)
			continue
		}
		killed = append(killed, int(p.Pid))
	}
	return killed, errors.Join(errs...)
}

func matchesName(ctx context.Context, p *process.Process, name string) bool {
	if n, err := p.NameWithContext(ctx); err == nil && strings.EqualFold(n, name) {
		return true
	}
	if exe, err := p.ExeWithContext(ctx); err == nil && strings.EqualFold(filepath.Base(exe), name) {
		return true
	}
	return false
}

func killTree(ctx context.Context, pid int) error {
	tree := descendants(ctx, pid)
	err := signalGroup(pid, syscall.SIGKILL)
	for _, p := range tree {
		_ = signalPid(int(p), syscall.SIGKILL)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// descendants returns all transitive children of pid, deepest last.
func descendants(ctx context.Context, pid int) []int32 {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			if !slices.Contains(out, c.Pid) {
				out = append(out, c.Pid)
				queue = append(queue, c)
			}
		}
	}
	return out
}

func alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

func waitGone(ctx context.Context, pids []int32, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		remaining := false
		for _, p := range pids {
			if alive(ctx, int(p)) {
				remaining = true
				break
			}
		}
		if !remaining {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(treePollInterval)
	}
}

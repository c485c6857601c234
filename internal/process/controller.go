// Package process starts local jobs and terminates their process trees.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"

	"github.com/CZERTAINLY/Launcher/internal/model"
	"github.com/shirou/gopsutil/v4/process"
)

type SpawnOptions struct {
	Dir string
	Env []string
	// Wait blocks Spawn until the process exits.
	Wait   bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Controller spawns job processes in their own process group.
type Controller struct{}

func NewController() *Controller {
	return &Controller{}
}

// Spawn starts line through sh -c and returns its pid. Unless opts.Wait is
// set the process is left running, its exit is only reaped in background and
// ctx is not watched. A waited for process group is killed once ctx is done.
func (c *Controller) Spawn(ctx context.Context, line string, opts SpawnOptions) (model.Identity, error) {
	var cmd *exec.Cmd
	if opts.Wait {
		cmd = exec.CommandContext(ctx, "sh", "-c", line)
		cmd.Cancel = func() error {
			return killGroup(cmd.Process.Pid)
		}
		cmd.WaitDelay = waitDelay
	} else {
		cmd = exec.Command("sh", "-c", line)
	}
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = slices.Clone(opts.Env)
	}
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	setpgid(cmd)

	slog.InfoContext(ctx, "running command", "command", line, "dir", opts.Dir)
	if err := cmd.Start(); err != nil {
		return model.Unknown, fmt.Errorf("starting %q: %w", line, err)
	}
	pid := cmd.Process.Pid

	if !opts.Wait {
		go func() {
			_ = cmd.Wait()
		}()
		return model.PID(pid), nil
	}

	err := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return model.PID(pid), fmt.Errorf("waiting for %d: %w", pid, ctx.Err())
	case err != nil:
		slog.WarnContext(ctx, "command finished with error", "pid", pid, "error", err)
	default:
		slog.DebugContext(ctx, "command finished", "pid", pid)
	}
	return model.PID(pid), nil
}

// KillTree kills pid together with all of its descendants. A process which
// is already gone is not an error.
func (c *Controller) KillTree(ctx context.Context, pid int) error {
	if pid <= 0 {
		slog.WarnContext(ctx, "refusing to kill non positive pid", "pid", pid)
		return nil
	}

	var descendants []*process.Process
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning):
		slog.DebugContext(ctx, "process already gone", "pid", pid)
		return nil
	case err != nil:
		slog.DebugContext(ctx, "can't inspect process, killing its group only", "pid", pid, "error", err)
	default:
		descendants = children(ctx, root)
	}

	if err := killGroup(pid); err != nil {
		return fmt.Errorf("killing process group %d: %w", pid, err)
	}

	var errs []error
	for _, p := range descendants {
		err := p.KillWithContext(ctx)
		if err != nil && !gone(err) && !errors.Is(err, process.ErrorProcessNotRunning) {
			errs = append(errs, fmt.Errorf("killing %d: %w", p.Pid, err))
		}
	}
	slog.DebugContext(ctx, "killed process tree", "pid", pid, "descendants", len(descendants))
	return errors.Join(errs...)
}

// children returns all descendants of p, collected before anything is killed
// so reparenting does not hide them.
func children(ctx context.Context, p *process.Process) []*process.Process {
	var ret []*process.Process
	seen := map[int32]struct{}{p.Pid: {}}
	queue := []*process.Process{p}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := cur.ChildrenWithContext(ctx)
		if err != nil {
			if !errors.Is(err, process.ErrorNoChildren) {
				slog.DebugContext(ctx, "listing children", "pid", cur.Pid, "error", err)
			}
			continue
		}
		for _, kid := range kids {
			if _, ok := seen[kid.Pid]; ok {
				continue
			}
			seen[kid.Pid] = struct{}{}
			ret = append(ret, kid)
			queue = append(queue, kid)
		}
	}
	return ret
}

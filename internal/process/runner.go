package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"
)

// waitDelay bounds Wait once the command exited but a forked helper still
// holds its output pipes.
const waitDelay = 2 * time.Second

// Command is a short lived control command: a queue submission, a
// cancellation or a remote shell call.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// Shell returns a command running line through sh -c.
func Shell(line string) Command {
	return Command{
		Path: "sh",
		Args: []string{"-c", line},
	}
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  *bytes.Buffer
}

// ExitCode returns the exit code or -1 when the command did not finish.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner runs commands synchronously, capturing stdout and stderr separately.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

// Run starts cmd and waits for it. A non zero exit is returned as
// *exec.ExitError together with the captured output. When ctx or the command
// timeout expires the whole process group is killed and the context error is
// returned.
func (r *Runner) Run(ctx context.Context, proto Command) (Result, error) {
	result := Result{
		Path:   proto.Path,
		Args:   slices.Clone(proto.Args),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = slices.Clone(proto.Env)
	}
	cmd.Stdout = result.Stdout
	cmd.Stderr = result.Stderr
	cmd.WaitDelay = waitDelay
	setpgid(cmd)
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}

	slog.DebugContext(ctx, "running", "path", proto.Path, "args", proto.Args, "dir", proto.Dir)
	result.Started = time.Now().UTC()
	err := cmd.Run()
	result.Stopped = time.Now().UTC()
	result.State = cmd.ProcessState

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return result, fmt.Errorf("running %s: %w", proto.Path, ctx.Err())
	case errors.Is(err, exec.ErrWaitDelay) && result.ExitCode() == 0:
		slog.DebugContext(ctx, "command left its output open", "path", proto.Path)
		return result, nil
	default:
		return result, err
	}
}

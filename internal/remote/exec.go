package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"slices"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/command"
	"github.com/CZERTAINLY/Launcher/internal/process"
)

// Executor runs a local command to completion.
type Executor interface {
	Run(ctx context.Context, cmd process.Command) (process.Result, error)
}

// DefaultSSHOptions keep the ssh client non interactive and quiet, so
// stderr carries remote failures only.
var DefaultSSHOptions = []string{"-o", "BatchMode=yes", "-o", "LogLevel=ERROR"}

// ExecTransport drives the ssh and scp binaries of the local machine. Their
// own configuration (~/.ssh/config, agent, known hosts) applies.
type ExecTransport struct {
	executor Executor
	SSH      string
	SCP      string
	Options  []string
}

func NewExecTransport(executor Executor) *ExecTransport {
	return &ExecTransport{
		executor: executor,
		SSH:      "ssh",
		SCP:      "scp",
		Options:  slices.Clone(DefaultSSHOptions),
	}
}

// Invocation returns the ssh command running line on address.
func (t *ExecTransport) Invocation(address, line string) command.Command {
	return command.New(t.SSH, t.Options...).With(address, line)
}

func (t *ExecTransport) Run(ctx context.Context, address, line string) (Output, error) {
	res, err := t.run(ctx, t.Invocation(address, line))
	out := Output{
		Stdout: res.Stdout.String(),
		Stderr: res.Stderr.String(),
	}
	return out, err
}

func (t *ExecTransport) Put(ctx context.Context, address, local, remote string) error {
	mkdir := command.New("mkdir", "-p", path.Dir(remote)).String()
	if res, err := t.run(ctx, t.Invocation(address, mkdir)); err != nil {
		return withStderr(err, res)
	}
	scp := command.New(t.SCP, t.Options...).With("-q", local, address+":"+remote)
	if res, err := t.run(ctx, scp); err != nil {
		return withStderr(err, res)
	}
	return nil
}

func (t *ExecTransport) run(ctx context.Context, cmd command.Command) (process.Result, error) {
	proto := process.Command{
		Path: cmd.Program,
		Args: cmd.Args,
	}
	if deadline, ok := ctx.Deadline(); ok {
		proto.Timeout = time.Until(deadline)
	}
	res, err := t.executor.Run(ctx, proto)
	if res.Stdout == nil {
		res.Stdout = new(bytes.Buffer)
	}
	if res.Stderr == nil {
		res.Stderr = new(bytes.Buffer)
	}
	return res, err
}

func withStderr(err error, res process.Result) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && res.Stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(res.Stderr.Bytes()))
	}
	return err
}

// Package remote controls jobs on other hosts through the remote installation's
// control entrypoint.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/command"
	"github.com/CZERTAINLY/Launcher/internal/model"
	"golang.org/x/sync/errgroup"
)

type Mode string

const (
	ModeRun  Mode = "run"
	ModeStop Mode = "stop"
)

const (
	// Entrypoint is the launcher binary under the remote root.
	Entrypoint = "scipion"
	// ControlScript is run by the entrypoint to start or stop a job.
	ControlScript = "pw_protocol_remote.py"
)

var jobIDRx = regexp.MustCompile(`Scipion remote jobid: (\d+)`)

// Output is what a remote invocation printed.
type Output struct {
	Stdout string
	Stderr string
}

// Transport executes a command line on a remote address and uploads files
// there.
type Transport interface {
	Run(ctx context.Context, address, line string) (Output, error)
	Put(ctx context.Context, address, local, remote string) error
}

// RemoteExecutionError carries anything the remote side wrote to stderr.
type RemoteExecutionError struct {
	Address string
	Stderr  string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Address, strings.TrimSpace(e.Stderr))
}

func (e *RemoteExecutionError) Unwrap() error {
	return model.ErrRemoteExecution
}

// UnparseableRemoteOutputError is returned when a remote run did not report
// its job id.
type UnparseableRemoteOutputError struct {
	Address string
	Stdout  string
}

func (e *UnparseableRemoteOutputError) Error() string {
	return fmt.Sprintf("couldn't parse output of %s: %q", e.Address, e.Stdout)
}

func (e *UnparseableRemoteOutputError) Unwrap() error {
	return model.ErrUnparseableRemoteOutput
}

type Dispatcher struct {
	transport Transport
	timeout   time.Duration
	copyLimit int
}

// NewDispatcher returns a dispatcher bounding every remote call by timeout
// and uploading at most copyLimit files at once.
func NewDispatcher(transport Transport, timeout time.Duration, copyLimit int) *Dispatcher {
	if copyLimit <= 0 {
		copyLimit = 1
	}
	return &Dispatcher{
		transport: transport,
		timeout:   timeout,
		copyLimit: copyLimit,
	}
}

// BuildCommand returns the control command executed on host.
//
//	<root>/scipion [--config <cfg>] runprotocol pw_protocol_remote.py <mode> <project> <db> <id>
//
// Only the base name of the project path is passed, the remote side resolves
// it against its own projects directory.
func BuildCommand(host model.HostConfig, mode Mode, job *model.Job) command.Command {
	cmd := command.New(path.Join(host.Root, Entrypoint))
	if host.Config != "" {
		cmd = cmd.With("--config", host.Config)
	}
	return cmd.With(
		"runprotocol",
		ControlScript,
		string(mode),
		filepath.Base(job.ProjectPath),
		job.DBPath,
		strconv.Itoa(job.ID),
	)
}

// Dispatch runs the control command on host in mode. Any stderr output fails
// the call. In run mode the job id reported on stdout is returned, stop mode
// always returns Unknown.
func (d *Dispatcher) Dispatch(ctx context.Context, host model.HostConfig, mode Mode, job *model.Job) (model.Identity, error) {
	if host.IsLocal() {
		return model.Unknown, fmt.Errorf("host %s has no address", host.Name)
	}
	line := BuildCommand(host, mode, job).String()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	slog.InfoContext(ctx, "running remote", "address", host.Address, "mode", mode, "command", line)
	out, err := d.transport.Run(ctx, host.Address, line)
	if out.Stderr != "" {
		return model.Unknown, &RemoteExecutionError{Address: host.Address, Stderr: out.Stderr}
	}
	if err != nil {
		return model.Unknown, fmt.Errorf("remote %s %s: %w", host.Address, mode, err)
	}
	if mode == ModeStop {
		return model.Unknown, nil
	}

	id, ok := ParseJobID(out.Stdout)
	if !ok {
		return model.Unknown, &UnparseableRemoteOutputError{Address: host.Address, Stdout: out.Stdout}
	}
	slog.InfoContext(ctx, "launched remote job", "address", host.Address, "job_id", id)
	return model.RemoteID(id), nil
}

// ParseJobID looks for the job id marker printed by the remote control script.
func ParseJobID(stdout string) (int, bool) {
	m := jobIDRx.FindStringSubmatch(stdout)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// CopyFiles uploads job files to host.HostPath. Relative files are resolved
// against the project directory and keep their relative path on the remote
// side.
func (d *Dispatcher) CopyFiles(ctx context.Context, host model.HostConfig, job *model.Job) error {
	if len(job.Files) == 0 {
		return nil
	}
	if host.HostPath == "" {
		slog.WarnContext(ctx, "host has no host_path, files not copied", "host", host.Name, "files", len(job.Files))
		return nil
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.copyLimit)
	for _, f := range job.Files {
		local, dest := remotePaths(job.ProjectPath, host.HostPath, f)
		g.Go(func() error {
			slog.DebugContext(gctx, "copying file", "local", local, "remote", dest)
			if err := d.transport.Put(gctx, host.Address, local, dest); err != nil {
				return fmt.Errorf("copying %s to %s:%s: %w", local, host.Address, dest, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func remotePaths(project, hostPath, f string) (local, dest string) {
	if filepath.IsAbs(f) {
		return f, path.Join(hostPath, filepath.Base(f))
	}
	return filepath.Join(project, f), path.Join(hostPath, filepath.ToSlash(f))
}

// Package launch decides how a job runs, starts it and stops it again.
package launch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/command"
	"github.com/CZERTAINLY/Launcher/internal/log"
	"github.com/CZERTAINLY/Launcher/internal/model"
	"github.com/CZERTAINLY/Launcher/internal/process"
	"github.com/CZERTAINLY/Launcher/internal/queue"
	"github.com/CZERTAINLY/Launcher/internal/remote"
	"github.com/google/uuid"
)

// Environment provides what the coordinator would otherwise read from the
// process: the environment of spawned commands and the local host name.
type Environment interface {
	Environ() []string
	Hostname() (string, error)
}

type OSEnvironment struct{}

func (OSEnvironment) Environ() []string {
	return os.Environ()
}

func (OSEnvironment) Hostname() (string, error) {
	return os.Hostname()
}

type Spawner interface {
	Spawn(ctx context.Context, line string, opts process.SpawnOptions) (model.Identity, error)
	KillTree(ctx context.Context, pid int) error
}

type Queue interface {
	Submit(ctx context.Context, host model.HostConfig, desc model.Descriptor, cwd string, env []string) (queue.Submission, error)
	Cancel(ctx context.Context, host model.HostConfig, id model.Identity) error
}

type Remote interface {
	Dispatch(ctx context.Context, host model.HostConfig, mode remote.Mode, job *model.Job) (model.Identity, error)
	CopyFiles(ctx context.Context, host model.HostConfig, job *model.Job) error
}

// Options apply to directly spawned jobs only.
type Options struct {
	Wait   bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	Identity model.Identity
	Strategy model.Strategy
	// Warning is set when a queue submission did not report a job id.
	Warning error
}

type Coordinator struct {
	settings Settings
	env      Environment
	spawner  Spawner
	queue    Queue
	remote   Remote
}

func New(settings Settings, env Environment, spawner Spawner, queue Queue, remote Remote) *Coordinator {
	return &Coordinator{
		settings: settings.withDefaults(),
		env:      env,
		spawner:  spawner,
		queue:    queue,
		remote:   remote,
	}
}

// RunCommand returns the command executing job on the local machine.
func (c *Coordinator) RunCommand(job *model.Job) command.Command {
	return command.New(
		c.settings.Python,
		filepath.Join(c.settings.AppsDir, c.settings.RunScript),
		job.ProjectPath,
		job.DBPath,
		strconv.Itoa(job.ID),
	)
}

// ScheduleCommand returns the command polling until job may run.
func (c *Coordinator) ScheduleCommand(job *model.Job, delay time.Duration) command.Command {
	return command.New(
		c.settings.Python,
		filepath.Join(c.settings.AppsDir, c.settings.ScheduleScript),
		job.ProjectPath,
		job.DBPath,
		strconv.Itoa(job.ID),
		"--initial_sleep",
		strconv.FormatInt(int64(delay/time.Second), 10),
	)
}

// ScriptPath is the queue submission script of job.
func (c *Coordinator) ScriptPath(job *model.Job) string {
	dir := c.settings.ScriptDir
	if dir == "" {
		dir = filepath.Join(job.ProjectPath, "Logs")
	}
	return filepath.Join(dir, strconv.Itoa(job.ID)+".job")
}

// Launch starts job and stores its identity and dispatch record on it. On
// error the job is left untouched.
func (c *Coordinator) Launch(ctx context.Context, job *model.Job, opts Options) (Result, error) {
	if !job.Identity.IsUnknown() {
		return Result{}, fmt.Errorf("launching job %d: holds %s: %w", job.ID, job.Identity, model.ErrIdentityAssigned)
	}

	strategy := model.Select(job.Host, job)
	ctx = c.logContext(ctx, job, "launch", strategy)
	res := Result{Identity: model.Unknown, Strategy: strategy}

	var (
		id  model.Identity
		err error
	)
	switch strategy {
	case model.StrategyDirect:
		id, err = c.spawner.Spawn(ctx, c.RunCommand(job).String(), process.SpawnOptions{
			Dir:    job.ProjectPath,
			Env:    c.env.Environ(),
			Wait:   opts.Wait,
			Stdin:  opts.Stdin,
			Stdout: opts.Stdout,
			Stderr: opts.Stderr,
		})
	case model.StrategyQueue:
		var sub queue.Submission
		sub, err = c.queue.Submit(ctx, job.Host, c.descriptor(job), job.ProjectPath, c.env.Environ())
		id, res.Warning = sub.ID, sub.Warning
	case model.StrategyRemote:
		if err = c.remote.CopyFiles(ctx, job.Host, job); err == nil {
			id, err = c.remote.Dispatch(ctx, job.Host, remote.ModeRun, job)
		}
	default:
		err = fmt.Errorf("unsupported strategy %q", strategy)
	}
	if err != nil {
		return res, fmt.Errorf("launching job %d: %w", job.ID, err)
	}

	if err := job.AssignIdentity(id); err != nil {
		return res, err
	}
	job.Dispatch = c.snapshot(ctx, job, strategy)
	res.Identity = id
	slog.InfoContext(ctx, "job launched", "identity", id.String())
	return res, nil
}

// Schedule starts the poller which launches job once its inputs are ready.
// The poller always runs on this machine.
func (c *Coordinator) Schedule(ctx context.Context, job *model.Job, delay time.Duration) (model.Identity, error) {
	if !job.Identity.IsUnknown() {
		return model.Unknown, fmt.Errorf("scheduling job %d: holds %s: %w", job.ID, job.Identity, model.ErrIdentityAssigned)
	}
	if delay < 0 {
		delay = 0
	}
	ctx = c.logContext(ctx, job, "schedule", model.StrategyDirect)

	id, err := c.spawner.Spawn(ctx, c.ScheduleCommand(job, delay).String(), process.SpawnOptions{
		Dir: job.ProjectPath,
		Env: c.env.Environ(),
	})
	if err != nil {
		return model.Unknown, fmt.Errorf("scheduling job %d: %w", job.ID, err)
	}
	if err := job.AssignIdentity(id); err != nil {
		return model.Unknown, err
	}
	job.Dispatch = c.snapshot(ctx, job, model.StrategyDirect)
	slog.InfoContext(ctx, "job scheduled", "identity", id.String(), "delay", delay)
	return id, nil
}

// Stop stops job the way it was launched. Jobs launched by an older
// launcher carry no dispatch record, their strategy is derived again from
// the host and the queue flag.
func (c *Coordinator) Stop(ctx context.Context, job *model.Job) error {
	strategy, host := c.stopPlan(job)
	ctx = c.logContext(ctx, job, "stop", strategy)

	switch strategy {
	case model.StrategyDirect:
		return c.kill(ctx, job)
	case model.StrategyQueue:
		if job.Scheduled {
			// not submitted yet, only the poller may be running
			return c.kill(ctx, job)
		}
		return c.queue.Cancel(ctx, host, job.Identity)
	case model.StrategyRemote:
		_, err := c.remote.Dispatch(ctx, host, remote.ModeStop, job)
		return err
	default:
		return fmt.Errorf("stopping job %d: unsupported strategy %q", job.ID, strategy)
	}
}

func (c *Coordinator) stopPlan(job *model.Job) (model.Strategy, model.HostConfig) {
	host := job.Host
	d := job.Dispatch
	if d == nil {
		return model.Select(host, job), host
	}
	host.Address = d.Address
	host.CancelCommand = d.CancelCommand
	return d.Strategy, host
}

func (c *Coordinator) kill(ctx context.Context, job *model.Job) error {
	pid, ok := job.Identity.Value()
	if !ok || job.Identity.Kind() != model.IdentityPID {
		slog.InfoContext(ctx, "no local process to stop", "identity", job.Identity.String())
		return nil
	}
	if d := job.Dispatch; d != nil && d.Hostname != "" {
		if hostname := c.hostname(ctx); hostname != "" && hostname != d.Hostname {
			return fmt.Errorf("stopping pid %d of job %d started on %s, this is %s: %w", pid, job.ID, d.Hostname, hostname, model.ErrForeignHost)
		}
	}
	return c.spawner.KillTree(ctx, pid)
}

func (c *Coordinator) descriptor(job *model.Job) model.Descriptor {
	desc := model.Merge(job.Host.QueueDefaults, job.Submit)
	desc[model.KeyJobCommand] = c.RunCommand(job).String()
	desc[model.KeyJobScript] = c.ScriptPath(job)
	if _, ok := desc[model.KeyJobName]; !ok {
		desc[model.KeyJobName] = strconv.Itoa(job.ID)
	}
	return desc
}

func (c *Coordinator) snapshot(ctx context.Context, job *model.Job, strategy model.Strategy) *model.Dispatch {
	return &model.Dispatch{
		Strategy:      strategy,
		Hostname:      c.hostname(ctx),
		Address:       job.Host.Address,
		CancelCommand: job.Host.CancelCommand,
	}
}

func (c *Coordinator) hostname(ctx context.Context) string {
	name, err := c.env.Hostname()
	if err != nil {
		slog.WarnContext(ctx, "can't get hostname", "error", err)
		return ""
	}
	return name
}

func (c *Coordinator) logContext(ctx context.Context, job *model.Job, op string, strategy model.Strategy) context.Context {
	return log.ContextAttrs(ctx, slog.Group("launch",
		slog.String("run", uuid.NewString()),
		slog.String("op", op),
		slog.Int("job", job.ID),
		slog.String("host", job.Host.Name),
		slog.String("strategy", string(strategy)),
	))
}

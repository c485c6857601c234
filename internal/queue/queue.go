// Package queue submits job scripts to a local batch system and cancels them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/model"
	"github.com/CZERTAINLY/Launcher/internal/process"
	"github.com/CZERTAINLY/Launcher/internal/template"
)

// Executor runs a control command to completion.
type Executor interface {
	Run(ctx context.Context, cmd process.Command) (process.Result, error)
}

// UnparseableSubmissionError is the warning of a submission which did not
// yield a job id. The job may or may not be queued.
type UnparseableSubmissionError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *UnparseableSubmissionError) Error() string {
	return fmt.Sprintf("couldn't submit to queue (%q exited with %d): %s", e.Command, e.ExitCode, strings.TrimSpace(e.Output))
}

func (e *UnparseableSubmissionError) Unwrap() error {
	return model.ErrQueueSubmissionUnparseable
}

// Submission is the outcome of Submit. ID is Unknown when Warning is set.
type Submission struct {
	ID      model.Identity
	Script  string
	Command string
	Output  string
	Warning error
}

type Adapter struct {
	executor      Executor
	submitTimeout time.Duration
	cancelTimeout time.Duration
}

func NewAdapter(executor Executor, submitTimeout, cancelTimeout time.Duration) *Adapter {
	return &Adapter{
		executor:      executor,
		submitTimeout: submitTimeout,
		cancelTimeout: cancelTimeout,
	}
}

// Submit renders the host submit template into the JOB_SCRIPT file and runs
// the host submit command in cwd. Template errors are returned before
// anything is written or spawned. A failed or unparseable submission is not an
// error, it is reported through Submission.Warning.
func (a *Adapter) Submit(ctx context.Context, host model.HostConfig, desc model.Descriptor, cwd string, env []string) (Submission, error) {
	if !host.HasQueue() {
		return Submission{}, fmt.Errorf("%w: %s", model.ErrNoQueue, host.Name)
	}
	if _, ok := desc[model.KeyJobCommand]; !ok {
		return Submission{}, &template.MissingPlaceholderError{Name: model.KeyJobCommand}
	}
	scriptPath, ok := desc[model.KeyJobScript].(string)
	if !ok || scriptPath == "" {
		return Submission{}, &template.MissingPlaceholderError{Name: model.KeyJobScript}
	}

	script, err := template.Render(host.SubmitTemplate, desc)
	if err != nil {
		return Submission{}, fmt.Errorf("rendering submit template: %w", err)
	}
	line, err := template.RenderShell(host.SubmitCommand, desc)
	if err != nil {
		return Submission{}, fmt.Errorf("rendering submit command: %w", err)
	}
	if err := template.Persist(script, scriptPath); err != nil {
		return Submission{}, err
	}

	cmd := process.Shell(line)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.Timeout = a.submitTimeout

	slog.InfoContext(ctx, "submitting to queue", "command", line, "script", scriptPath)
	res, err := a.executor.Run(ctx, cmd)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Submission{}, fmt.Errorf("submitting %s: %w", scriptPath, err)
	}

	sub := Submission{
		ID:      model.Unknown,
		Script:  scriptPath,
		Command: line,
		Output:  output(res),
	}
	if id, ok := ParseJobID(sub.Output); ok && err == nil {
		sub.ID = model.QueueID(id)
		slog.InfoContext(ctx, "launched job", "job_id", id)
		return sub, nil
	}

	sub.Warning = &UnparseableSubmissionError{
		Command:  line,
		ExitCode: res.ExitCode(),
		Output:   sub.Output,
	}
	slog.WarnContext(ctx, "couldn't submit to queue", "reason", sub.Warning.Error())
	return sub, nil
}

// Cancel runs the host cancel command for id. Failures are logged only, the
// job may have finished already. Only a broken cancel template is an error.
func (a *Adapter) Cancel(ctx context.Context, host model.HostConfig, id model.Identity) error {
	n, ok := id.Value()
	if !ok {
		slog.WarnContext(ctx, "nothing to cancel: job id unknown", "host", host.Name)
		return nil
	}
	line, err := template.RenderShell(host.CancelCommand, model.Descriptor{model.KeyJobID: n})
	if err != nil {
		return fmt.Errorf("rendering cancel command: %w", err)
	}

	cmd := process.Shell(line)
	cmd.Timeout = a.cancelTimeout
	slog.InfoContext(ctx, "cancelling queued job", "command", line, "job_id", n)
	res, err := a.executor.Run(ctx, cmd)
	if err != nil {
		slog.WarnContext(ctx, "cancel failed", "command", line, "error", err, "output", output(res))
	}
	return nil
}

var digitsRx = regexp.MustCompile(`\d+`)

// ParseJobID returns the first run of decimal digits in out.
func ParseJobID(out string) (int, bool) {
	m := digitsRx.FindString(out)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func output(res process.Result) string {
	if res.Stdout == nil {
		return ""
	}
	return res.Stdout.String()
}

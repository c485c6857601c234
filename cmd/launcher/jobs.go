package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/launch"
	"github.com/CZERTAINLY/Launcher/internal/log"
	"github.com/CZERTAINLY/Launcher/internal/model"
	"github.com/CZERTAINLY/Launcher/internal/parallel"
	"github.com/CZERTAINLY/Launcher/internal/process"
	"github.com/CZERTAINLY/Launcher/internal/queue"
	"github.com/CZERTAINLY/Launcher/internal/remote"
	"github.com/CZERTAINLY/Launcher/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagProject string
	flagDB      string
	flagID      int
	flagHost    string
	flagQueue   bool
	flagWait    bool
	flagSet     []string
	flagFiles   []string
	flagDelay   string
	flagAt      string
)

func init() {
	for _, cmd := range []*cobra.Command{launchCmd, scheduleCmd} {
		cmd.Flags().StringVar(&flagProject, "project", "", "project directory")
		cmd.Flags().StringVar(&flagDB, "db", "", "job database path, relative to the project")
		cmd.Flags().IntVar(&flagID, "id", 0, "numeric job id")
		cmd.Flags().StringVar(&flagHost, "host", model.LocalhostName, "host from the configuration")
		cmd.Flags().BoolVar(&flagQueue, "queue", false, "submit to the host queue")
		cmd.Flags().StringArrayVar(&flagSet, "set", nil, "submit descriptor value KEY=VALUE, can be repeated")
		cmd.Flags().StringArrayVar(&flagFiles, "file", nil, "file copied to a remote host, can be repeated")
		for _, name := range []string{"project", "db", "id"} {
			_ = cmd.MarkFlagRequired(name)
		}
	}
	launchCmd.Flags().BoolVar(&flagWait, "wait", false, "wait for a directly started job")
	scheduleCmd.Flags().StringVar(&flagDelay, "delay", "0", "initial sleep, seconds, ISO8601 or like 1h30m")
	scheduleCmd.Flags().StringVar(&flagAt, "at", "", "cron expression, the initial sleep lasts until its next activation")
	scheduleCmd.MarkFlagsMutuallyExclusive("delay", "at")
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "launch starts a job and records its identity",
	Args:  cobra.NoArgs,
	RunE:  doLaunch,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "schedule starts a poller launching the job once it may run",
	Args:  cobra.NoArgs,
	RunE:  doSchedule,
}

var stopCmd = &cobra.Command{
	Use:   "stop ID...",
	Short: "stop stops recorded jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doStop,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "jobs lists recorded jobs",
	Args:  cobra.NoArgs,
	RunE:  doJobs,
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "hosts prints configured hosts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config.Hosts); err != nil {
			return err
		}
		return enc.Close()
	},
}

func commandContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("launcher",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func newCoordinator() (*launch.Coordinator, error) {
	runner := process.NewRunner()
	var transport remote.Transport
	switch settings.Transport {
	case launch.TransportSSH:
		t, err := remote.NewSSHTransport(settings.SSH)
		if err != nil {
			return nil, err
		}
		transport = t
	default:
		transport = remote.NewExecTransport(runner)
	}

	return launch.New(
		settings.Settings,
		launch.OSEnvironment{},
		process.NewController(),
		queue.NewAdapter(runner, settings.SubmitTimeout, settings.CancelTimeout),
		remote.NewDispatcher(transport, settings.RemoteTimeout, settings.Parallel),
	), nil
}

// jobFromFlags returns the recorded job, or a new one when the id is not
// known yet. Flags always win over the record.
func jobFromFlags(ctx context.Context, db *sql.DB) (*model.Job, error) {
	host, err := config.Host(flagHost)
	if err != nil {
		return nil, err
	}
	desc, err := parseSet(flagSet)
	if err != nil {
		return nil, err
	}

	job := &model.Job{ID: flagID}
	row, err := store.Get(ctx, db, flagID)
	switch {
	case err == nil:
		job = &row.Job
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	job.ProjectPath = flagProject
	job.DBPath = flagDB
	job.Host = host
	job.UseQueue = flagQueue
	job.Submit = desc
	job.Files = flagFiles
	return job, nil
}

func parseSet(values []string) (model.Descriptor, error) {
	desc := make(model.Descriptor, len(values))
	for _, kv := range values {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: expected KEY=VALUE", kv)
		}
		desc[k] = v
	}
	return desc, nil
}

func doLaunch(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd, "launch")
	db, err := store.InitDB(ctx, settings.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	job, err := jobFromFlags(ctx, db)
	if err != nil {
		return err
	}
	job.Scheduled = false
	coordinator, err := newCoordinator()
	if err != nil {
		return err
	}

	opts := launch.Options{Wait: flagWait}
	if flagWait {
		opts.Stdout, opts.Stderr = os.Stdout, os.Stderr
	}
	res, err := coordinator.Launch(ctx, job, opts)
	if err != nil {
		return err
	}
	if res.Warning != nil {
		slog.WarnContext(ctx, "job may not be queued", "job", job.ID, "warning", res.Warning.Error())
	}
	if err := store.Put(ctx, db, job); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), job.Identity)
	return err
}

func doSchedule(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd, "schedule")
	delay, err := scheduleDelay(time.Now())
	if err != nil {
		return err
	}
	db, err := store.InitDB(ctx, settings.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	job, err := jobFromFlags(ctx, db)
	if err != nil {
		return err
	}
	job.Scheduled = true
	coordinator, err := newCoordinator()
	if err != nil {
		return err
	}

	if _, err := coordinator.Schedule(ctx, job, delay); err != nil {
		return err
	}
	if err := store.Put(ctx, db, job); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), job.Identity)
	return err
}

func scheduleDelay(now time.Time) (time.Duration, error) {
	if flagAt != "" {
		d, err := model.DelayUntil(flagAt, now)
		if err != nil {
			return 0, fmt.Errorf("--at %q: %w", flagAt, err)
		}
		return d, nil
	}
	d, err := model.ParseDelay(flagDelay)
	if err != nil {
		return 0, fmt.Errorf("--delay %q: %w", flagDelay, err)
	}
	return d, nil
}

func doStop(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd, "stop")
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("job id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}

	db, err := store.InitDB(ctx, settings.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	coordinator, err := newCoordinator()
	if err != nil {
		return err
	}

	stop := func(ctx context.Context, id int) (int, error) {
		return id, stopJob(ctx, db, coordinator, id)
	}
	var errs []error
	for id, err := range parallel.NewMap(ctx, settings.Parallel, stop).Iter(slices.Values(ids)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "job stopped", "job", id)
	}
	return errors.Join(errs...)
}

func stopJob(ctx context.Context, db *sql.DB, coordinator *launch.Coordinator, id int) error {
	row, err := store.Get(ctx, db, id)
	if err != nil {
		return fmt.Errorf("job %d: %w", id, err)
	}
	job := &row.Job
	host, err := config.Host(job.Host.Name)
	if err != nil {
		if job.Dispatch == nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
		// the dispatch record is enough to stop it
		slog.WarnContext(ctx, "host no longer configured", "job", id, "host", job.Host.Name)
		host = model.HostConfig{Name: job.Host.Name}
	}
	job.Host = host

	if err := coordinator.Stop(ctx, job); err != nil {
		return fmt.Errorf("job %d: %w", id, err)
	}
	job.ResetIdentity()
	job.Scheduled = false
	return store.Put(ctx, db, job)
}

func doJobs(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd, "jobs")
	db, err := store.InitDB(ctx, settings.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := store.List(ctx, db)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), row); err != nil {
			return err
		}
	}
	return nil
}

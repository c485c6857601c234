package remote_test

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/model"
	"github.com/CZERTAINLY/Launcher/internal/process"
	"github.com/CZERTAINLY/Launcher/internal/remote"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	out   remote.Output
	err   error
	lines []string
	puts  map[string]string
}

func (f *fakeTransport) Run(ctx context.Context, address, line string) (remote.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, address+" "+line)
	return f.out, f.err
}

func (f *fakeTransport) Put(ctx context.Context, address, local, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[address+":"+dest] = local
	return f.err
}

var cluster = model.HostConfig{
	Name:     "cluster",
	Address:  "cluster.example.org",
	Root:     "/opt/scipion",
	HostPath: "/scratch/launcher",
}

func testJob() *model.Job {
	return &model.Job{
		ID:          42,
		ProjectPath: "/home/user/ScipionUserData/projects/TestProject",
		DBPath:      "Runs/000042_ProtImport/logs/run.db",
	}
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		host     model.HostConfig
		mode     remote.Mode
		job      *model.Job
		then     string
	}{
		{
			scenario: "run",
			host:     cluster,
			mode:     remote.ModeRun,
			job:      testJob(),
			then:     "/opt/scipion/scipion runprotocol pw_protocol_remote.py run TestProject Runs/000042_ProtImport/logs/run.db 42",
		},
		{
			scenario: "stop with config",
			host: model.HostConfig{
				Address: "cluster.example.org",
				Root:    "/opt/scipion",
				Config:  "/opt/scipion/config/hosts.conf",
			},
			mode: remote.ModeStop,
			job:  testJob(),
			then: "/opt/scipion/scipion --config /opt/scipion/config/hosts.conf runprotocol pw_protocol_remote.py stop TestProject Runs/000042_ProtImport/logs/run.db 42",
		},
		{
			scenario: "project with space",
			host:     cluster,
			mode:     remote.ModeRun,
			job: &model.Job{
				ID:          7,
				ProjectPath: "/data/my project",
				DBPath:      "project.sqlite",
			},
			then: "/opt/scipion/scipion runprotocol pw_protocol_remote.py run 'my project' project.sqlite 7",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, remote.BuildCommand(tc.host, tc.mode, tc.job).String())
		})
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("run", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{out: remote.Output{Stdout: "Scipion remote jobid: 987\n"}}
		d := remote.NewDispatcher(tr, time.Minute, 1)
		id, err := d.Dispatch(t.Context(), cluster, remote.ModeRun, testJob())
		require.NoError(t, err)
		require.Equal(t, model.RemoteID(987), id)
		require.Len(t, tr.lines, 1)
		require.True(t, strings.HasPrefix(tr.lines[0], "cluster.example.org /opt/scipion/scipion runprotocol"))
		require.Contains(t, tr.lines[0], " run TestProject ")
	})

	t.Run("stderr wins over stdout", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{out: remote.Output{
			Stdout: "Scipion remote jobid: 987\n",
			Stderr: "permission denied",
		}}
		d := remote.NewDispatcher(tr, time.Minute, 1)
		id, err := d.Dispatch(t.Context(), cluster, remote.ModeRun, testJob())
		require.True(t, id.IsUnknown())
		require.ErrorIs(t, err, model.ErrRemoteExecution)
		var remoteErr *remote.RemoteExecutionError
		require.ErrorAs(t, err, &remoteErr)
		require.Equal(t, "permission denied", remoteErr.Stderr)
		require.Contains(t, err.Error(), "permission denied")
	})

	t.Run("stderr in stop mode", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{out: remote.Output{Stderr: "no such project\n"}}
		d := remote.NewDispatcher(tr, time.Minute, 1)
		_, err := d.Dispatch(t.Context(), cluster, remote.ModeStop, testJob())
		require.ErrorIs(t, err, model.ErrRemoteExecution)
	})

	t.Run("missing marker", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{out: remote.Output{Stdout: "launched 42\n"}}
		d := remote.NewDispatcher(tr, time.Minute, 1)
		id, err := d.Dispatch(t.Context(), cluster, remote.ModeRun, testJob())
		require.True(t, id.IsUnknown())
		require.ErrorIs(t, err, model.ErrUnparseableRemoteOutput)
		var parseErr *remote.UnparseableRemoteOutputError
		require.ErrorAs(t, err, &parseErr)
		require.Equal(t, "launched 42\n", parseErr.Stdout)
	})

	t.Run("stop ignores stdout", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{out: remote.Output{Stdout: "stopped\n"}}
		d := remote.NewDispatcher(tr, time.Minute, 1)
		id, err := d.Dispatch(t.Context(), cluster, remote.ModeStop, testJob())
		require.NoError(t, err)
		require.True(t, id.IsUnknown())
		require.Contains(t, tr.lines[0], " stop TestProject ")
	})

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{err: errors.New("connection refused")}
		d := remote.NewDispatcher(tr, time.Minute, 1)
		_, err := d.Dispatch(t.Context(), cluster, remote.ModeRun, testJob())
		require.ErrorContains(t, err, "connection refused")
		require.NotErrorIs(t, err, model.ErrRemoteExecution)
	})

	t.Run("local host", func(t *testing.T) {
		t.Parallel()
		d := remote.NewDispatcher(&fakeTransport{}, time.Minute, 1)
		_, err := d.Dispatch(t.Context(), model.HostConfig{Name: "localhost"}, remote.ModeRun, testJob())
		require.Error(t, err)
	})
}

func TestCopyFiles(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	d := remote.NewDispatcher(tr, time.Minute, 2)
	job := testJob()
	job.Files = []string{"Runs/000042_ProtImport/logs/run.db", "Tmp/input.star", "/etc/launcher/extra.conf"}

	require.NoError(t, d.CopyFiles(t.Context(), cluster, job))
	require.Equal(t, map[string]string{
		"cluster.example.org:/scratch/launcher/Runs/000042_ProtImport/logs/run.db": "/home/user/ScipionUserData/projects/TestProject/Runs/000042_ProtImport/logs/run.db",
		"cluster.example.org:/scratch/launcher/Tmp/input.star":                     "/home/user/ScipionUserData/projects/TestProject/Tmp/input.star",
		"cluster.example.org:/scratch/launcher/extra.conf":                         "/etc/launcher/extra.conf",
	}, tr.puts)

	t.Run("no host path", func(t *testing.T) {
		tr := &fakeTransport{}
		d := remote.NewDispatcher(tr, time.Minute, 2)
		host := cluster
		host.HostPath = ""
		require.NoError(t, d.CopyFiles(t.Context(), host, job))
		require.Empty(t, tr.puts)
	})

	t.Run("failure", func(t *testing.T) {
		tr := &fakeTransport{err: errors.New("disk full")}
		d := remote.NewDispatcher(tr, time.Minute, 2)
		require.ErrorContains(t, d.CopyFiles(t.Context(), cluster, job), "disk full")
	})
}

func TestParseJobID(t *testing.T) {
	t.Parallel()
	id, ok := remote.ParseJobID("Connecting...\nScipion remote jobid: 42\n")
	require.True(t, ok)
	require.Equal(t, 42, id)

	_, ok = remote.ParseJobID("jobid: 42")
	require.False(t, ok)
}

type recordingExecutor struct {
	mu     sync.Mutex
	cmds   []process.Command
	stdout string
	stderr string
	err    error
}

func (r *recordingExecutor) Run(ctx context.Context, cmd process.Command) (process.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return process.Result{
		Stdout: bytes.NewBufferString(r.stdout),
		Stderr: bytes.NewBufferString(r.stderr),
	}, r.err
}

func TestExecTransport(t *testing.T) {
	t.Parallel()

	t.Run("invocation", func(t *testing.T) {
		t.Parallel()
		tr := remote.NewExecTransport(nil)
		line := remote.BuildCommand(cluster, remote.ModeRun, testJob()).String()
		require.Equal(t,
			"ssh -o BatchMode=yes -o LogLevel=ERROR cluster.example.org '"+line+"'",
			tr.Invocation(cluster.Address, line).String())
	})

	t.Run("run through dispatcher", func(t *testing.T) {
		t.Parallel()
		exe := &recordingExecutor{stdout: "Scipion remote jobid: 42\n"}
		d := remote.NewDispatcher(remote.NewExecTransport(exe), time.Minute, 1)
		id, err := d.Dispatch(t.Context(), cluster, remote.ModeRun, testJob())
		require.NoError(t, err)
		require.Equal(t, model.RemoteID(42), id)

		require.Len(t, exe.cmds, 1)
		cmd := exe.cmds[0]
		require.Equal(t, "ssh", cmd.Path)
		require.Greater(t, cmd.Timeout, time.Duration(0))
		require.Equal(t, "cluster.example.org", cmd.Args[len(cmd.Args)-2])
		require.Contains(t, cmd.Args[len(cmd.Args)-1], "runprotocol pw_protocol_remote.py run TestProject")
	})

	t.Run("stderr is fatal", func(t *testing.T) {
		t.Parallel()
		exe := &recordingExecutor{stderr: "Permission denied (publickey).\n", err: &exec.ExitError{}}
		d := remote.NewDispatcher(remote.NewExecTransport(exe), time.Minute, 1)
		_, err := d.Dispatch(t.Context(), cluster, remote.ModeRun, testJob())
		var remoteErr *remote.RemoteExecutionError
		require.ErrorAs(t, err, &remoteErr)
		require.Equal(t, "Permission denied (publickey).\n", remoteErr.Stderr)
	})

	t.Run("put", func(t *testing.T) {
		t.Parallel()
		exe := &recordingExecutor{}
		tr := remote.NewExecTransport(exe)
		require.NoError(t, tr.Put(t.Context(), "cluster.example.org", "/tmp/run.db", "/scratch/Runs/run.db"))
		require.Len(t, exe.cmds, 2)
		require.Equal(t, "mkdir -p /scratch/Runs", exe.cmds[0].Args[len(exe.cmds[0].Args)-1])
		require.Equal(t, "scp", exe.cmds[1].Path)
		args := exe.cmds[1].Args
		require.Equal(t, []string{"/tmp/run.db", "cluster.example.org:/scratch/Runs/run.db"}, args[len(args)-2:])
	})
}

package remote_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/model"
	"github.com/CZERTAINLY/Launcher/internal/remote"
	"github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/require"
)

// fakeScipion answers like the remote control script does.
func fakeScipion(s ssh.Session) {
	cmd := s.RawCommand()
	switch {
	case strings.Contains(cmd, "pw_protocol_remote.py run Broken "):
		_, _ = io.WriteString(s.Stderr(), "Traceback: no such project\n")
		_ = s.Exit(1)
	case strings.Contains(cmd, "pw_protocol_remote.py run "):
		_, _ = io.WriteString(s, "Scipion remote jobid: 42\n")
	case strings.Contains(cmd, "pw_protocol_remote.py stop "):
		_, _ = io.WriteString(s, "stopped\n")
	case strings.HasPrefix(cmd, "sleep"):
		<-s.Context().Done()
	default:
		_, _ = io.WriteString(s.Stderr(), "unexpected command: "+cmd+"\n")
		_ = s.Exit(127)
	}
}

func TestSSHTransport(t *testing.T) {
	t.Parallel()
	srv := newSSHServer(t, fakeScipion)
	tr, err := remote.NewSSHTransport(remote.SSHConfig{
		User:                  "launcher",
		InsecureIgnoreHostKey: true,
	})
	require.NoError(t, err)
	d := remote.NewDispatcher(tr, 10*time.Second, 1)
	host := model.HostConfig{Name: "test", Address: srv.Addr(), Root: "/opt/scipion"}

	t.Run("run", func(t *testing.T) {
		t.Parallel()
		id, err := d.Dispatch(t.Context(), host, remote.ModeRun, testJob())
		require.NoError(t, err)
		require.Equal(t, model.RemoteID(42), id)
	})

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		id, err := d.Dispatch(t.Context(), host, remote.ModeStop, testJob())
		require.NoError(t, err)
		require.True(t, id.IsUnknown())
	})

	t.Run("stderr", func(t *testing.T) {
		t.Parallel()
		job := testJob()
		job.ProjectPath = "/projects/Broken"
		_, err := d.Dispatch(t.Context(), host, remote.ModeRun, job)
		var remoteErr *remote.RemoteExecutionError
		require.ErrorAs(t, err, &remoteErr)
		require.Equal(t, "Traceback: no such project\n", remoteErr.Stderr)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := tr.Run(ctx, srv.Addr(), "sleep 60")
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestSSHTransportPut(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	uploads := map[string]string{}
	srv := newSSHServer(t, func(s ssh.Session) {
		cmd := s.RawCommand()
		if !strings.HasPrefix(cmd, "mkdir -p /scratch/Runs && cat > ") {
			_ = s.Exit(2)
			return
		}
		data, err := io.ReadAll(s)
		if err != nil {
			_ = s.Exit(1)
			return
		}
		mu.Lock()
		uploads[strings.TrimPrefix(cmd, "mkdir -p /scratch/Runs && cat > ")] = string(data)
		mu.Unlock()
	})

	local := filepath.Join(t.TempDir(), "run.db")
	require.NoError(t, os.WriteFile(local, []byte("sqlite"), 0o600))

	tr, err := remote.NewSSHTransport(remote.SSHConfig{User: "launcher", InsecureIgnoreHostKey: true})
	require.NoError(t, err)
	require.NoError(t, tr.Put(t.Context(), srv.Addr(), local, "/scratch/Runs/run.db"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]string{"/scratch/Runs/run.db": "sqlite"}, uploads)
}

func TestSSHTransportAuth(t *testing.T) {
	t.Parallel()
	keyFile, pub := clientKey(t)

	var mu sync.Mutex
	var users []string
	srv := newSSHServer(t, fakeScipion, ssh.PublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
		mu.Lock()
		users = append(users, ctx.User())
		mu.Unlock()
		return ssh.KeysEqual(key, pub)
	}))
	host := model.HostConfig{Name: "test", Address: "scipion@" + srv.Addr(), Root: "/opt/scipion"}

	t.Run("known host and key", func(t *testing.T) {
		tr, err := remote.NewSSHTransport(remote.SSHConfig{
			KeyFile:    keyFile,
			KnownHosts: srv.knownHosts(t, srv.HostKey.PublicKey()),
		})
		require.NoError(t, err)
		id, err := remote.NewDispatcher(tr, 10*time.Second, 1).Dispatch(t.Context(), host, remote.ModeRun, testJob())
		require.NoError(t, err)
		require.Equal(t, model.RemoteID(42), id)
		mu.Lock()
		require.Contains(t, users, "scipion")
		mu.Unlock()
	})

	t.Run("host key mismatch", func(t *testing.T) {
		_, other := clientKey(t)
		tr, err := remote.NewSSHTransport(remote.SSHConfig{
			KeyFile:    keyFile,
			KnownHosts: srv.knownHosts(t, other),
		})
		require.NoError(t, err)
		_, err = tr.Run(t.Context(), srv.Addr(), "true")
		require.ErrorContains(t, err, "ssh handshake")
	})

	t.Run("key not accepted", func(t *testing.T) {
		otherKey, _ := clientKey(t)
		tr, err := remote.NewSSHTransport(remote.SSHConfig{
			User:                  "launcher",
			KeyFile:               otherKey,
			InsecureIgnoreHostKey: true,
		})
		require.NoError(t, err)
		_, err = tr.Run(t.Context(), srv.Addr(), "true")
		require.Error(t, err)
	})

	t.Run("no host key policy", func(t *testing.T) {
		_, err := remote.NewSSHTransport(remote.SSHConfig{KeyFile: keyFile})
		require.Error(t, err)
	})
}

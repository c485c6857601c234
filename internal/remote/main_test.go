package remote_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshServer is an equivalent of net/http/httptest, but for ssh servers
type sshServer struct {
	server   *ssh.Server
	Listener net.Listener
	HostKey  gossh.Signer
	wg       sync.WaitGroup
}

func newSSHServer(t *testing.T, handler ssh.Handler, opts ...ssh.Option) *sshServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := gossh.NewSignerFromKey(priv)
	require.NoError(t, err)

	ts := &sshServer{
		Listener: listener,
		HostKey:  hostKey,
		server: &ssh.Server{
			Addr:    listener.Addr().String(),
			Handler: handler,
		},
	}
	ts.server.AddHostKey(hostKey)
	for _, opt := range opts {
		require.NoError(t, ts.server.SetOption(opt))
	}
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		err := ts.server.Serve(ts.Listener)
		if err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			panic("server error: " + err.Error())
		}
	}()
	t.Cleanup(ts.Close)
	return ts
}

func (ts *sshServer) Addr() string {
	return ts.Listener.Addr().String()
}

func (ts *sshServer) Close() {
	_ = ts.server.Close()
	_ = ts.Listener.Close()
	ts.wg.Wait()
}

// knownHosts writes a known_hosts file trusting key for the server address.
func (ts *sshServer) knownHosts(t *testing.T, key gossh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(ts.Addr())}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

// clientKey writes a fresh private key in OpenSSH format and returns its
// path together with the public part.
func clientKey(t *testing.T) (string, gossh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := gossh.MarshalPrivateKey(priv, "launcher test")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	sshPub, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

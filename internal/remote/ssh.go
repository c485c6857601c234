package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Launcher/internal/command"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SSHConfig struct {
	// User is used when the address carries no user@ prefix.
	User    string `mapstructure:"user"`
	Port    int    `mapstructure:"port"`
	KeyFile string `mapstructure:"key_file"`
	// KnownHosts is the known_hosts file host keys are verified against.
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
}

// SSHTransport talks ssh natively, one connection per call.
type SSHTransport struct {
	cfg     SSHConfig
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
}

func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHosts != "":
		var err error
		hostKey, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
	default:
		return nil, errors.New("ssh: known_hosts must be set unless insecure_ignore_host_key is true")
	}

	return &SSHTransport{
		cfg:     cfg,
		auth:    auth,
		hostKey: hostKey,
	}, nil
}

func (t *SSHTransport) Run(ctx context.Context, address, line string) (Output, error) {
	var stdout, stderr bytes.Buffer
	err := t.session(ctx, address, func(sess *ssh.Session) error {
		sess.Stdout = &stdout
		sess.Stderr = &stderr
		return sess.Run(line)
	})
	return Output{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// Put streams local into remote through cat, creating the parent directory.
func (t *SSHTransport) Put(ctx context.Context, address, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	line := command.New("mkdir", "-p", path.Dir(remote)).String() +
		" && cat > " + command.Quote(remote)
	var stderr bytes.Buffer
	err = t.session(ctx, address, func(sess *ssh.Session) error {
		sess.Stdin = f
		sess.Stderr = &stderr
		return sess.Run(line)
	})
	if err != nil && stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return err
}

func (t *SSHTransport) session(ctx context.Context, address string, do func(*ssh.Session) error) error {
	user, addr := t.target(address)
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	// the handshake does not watch ctx
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            t.auth,
		HostKeyCallback: t.hostKey,
		Timeout:         t.cfg.DialTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(cconn, chans, reqs)
	defer func() {
		_ = client.Close()
	}()

	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer func() {
		_ = sess.Close()
	}()

	done := make(chan error, 1)
	go func() {
		done <- do(sess)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// target splits [user@]host[:port] into the ssh user and a dialable address.
func (t *SSHTransport) target(address string) (string, string) {
	user := t.cfg.User
	if i := strings.LastIndex(address, "@"); i >= 0 {
		user, address = address[:i], address[i+1:]
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return user, address
	}
	return user, net.JoinHostPort(address, strconv.Itoa(t.cfg.Port))
}

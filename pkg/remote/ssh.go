// Package remote runs commands on a cluster login host over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultDialTimeout bounds TCP connect plus SSH handshake.
const DefaultDialTimeout = 15 * time.Second

// Config describes how to reach the login host.
type Config struct {
	Host string
	Port int
	User string

	// KeyFile is a private key in OpenSSH or PEM format.
	KeyFile string

	// Password is used when no key file is configured (or in addition to it).
	Password string

	// KnownHosts is an OpenSSH known_hosts file used to verify the host key.
	KnownHosts string

	// InsecureIgnoreHostKey disables host key verification. Test setups only.
	InsecureIgnoreHostKey bool

	DialTimeout time.Duration
}

// Address returns host:port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Runner executes shell commands on a remote host.
type Runner interface {
	// Run executes cmd, feeding stdin when non-nil, and returns stdout.
	Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error)
	Close() error
}

// CommandError is a remote command that ran and exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("remote command %q exited with status %d: %s", e.Command, e.ExitCode, msg)
}

// ErrConnectionLost indicates the session ended without an exit status;
// the remote command may or may not have run.
var ErrConnectionLost = errors.New("ssh connection lost before command completed")

// Client is an SSH Runner.
type Client struct {
	client *ssh.Client
}

// Dial connects and authenticates to the host in cfg.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := cfg.Address()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{client: ssh.NewClient(c, chans, reqs)}, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("ssh host is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, errors.New("ssh user is required")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh key file or password is required")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		// #nosec G106 -- explicit opt-in for test clusters
		hostKey = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHosts != "":
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	default:
		return nil, errors.New("ssh known_hosts file is required (or enable insecure_ignore_host_key)")
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Run executes cmd in a new session.
//
// A non-zero exit is returned as *CommandError. A session that ends without
// an exit status returns an error wrapping ErrConnectionLost.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	err = session.Run(cmd)
	if err == nil {
		return stdout.Bytes(), nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &CommandError{Command: cmd, ExitCode: exitErr.ExitStatus(), Stderr: stderr.String()}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), fmt.Errorf("%w: %w", ErrConnectionLost, ctxErr)
	}
	return stdout.Bytes(), fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Runner = (*Client)(nil)

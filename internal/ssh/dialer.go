package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/almond-mart/almond-trainer/pkg/models"
)

const (
	// DefaultConnectTimeout is the timeout for one TCP dial plus SSH handshake
	DefaultConnectTimeout = 30 * time.Second

	// DefaultKeepAlive is the interval between keepalive requests on an idle connection
	DefaultKeepAlive = 30 * time.Second
)

// SSHDialer opens real SSH shell and SFTP channels
type SSHDialer struct {
	auth           []ssh.AuthMethod
	hostKey        ssh.HostKeyCallback
	connectTimeout time.Duration
	keepAlive      time.Duration
}

// DialerOption configures the SSHDialer
type DialerOption func(*SSHDialer)

// WithConnectTimeout sets the per-attempt connection timeout
func WithConnectTimeout(d time.Duration) DialerOption {
	return func(d2 *SSHDialer) {
		d2.connectTimeout = d
	}
}

// WithKeepAlive sets the keepalive interval, zero disables keepalives
func WithKeepAlive(d time.Duration) DialerOption {
	return func(d2 *SSHDialer) {
		d2.keepAlive = d
	}
}

// NewSSHDialer creates a dialer using the given auth methods and host key callback
func NewSSHDialer(auth []ssh.AuthMethod, hostKey ssh.HostKeyCallback, opts ...DialerOption) *SSHDialer {
	d := &SSHDialer{
		auth:           auth,
		hostKey:        hostKey,
		connectTimeout: DefaultConnectTimeout,
		keepAlive:      DefaultKeepAlive,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dial connects, authenticates and opens the SFTP subsystem
func (d *SSHDialer) Dial(ctx context.Context, ep models.Endpoint) (Shell, FileSystem, error) {
	config := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.connectTimeout,
	}

	addr := ep.Addr()

	dialer := net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// Bound the handshake by the connect timeout and the context
	deadline := time.Now().Add(d.connectTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	files, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	shell := &sshShell{client: client, done: make(chan struct{})}
	if d.keepAlive > 0 {
		go shell.keepAliveLoop(d.keepAlive)
	}

	return shell, &sftpFileSystem{client: files}, nil
}

// sshShell runs commands over new SSH sessions on one client connection
type sshShell struct {
	client *ssh.Client
	done   chan struct{}
}

func (s *sshShell) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case runErr := <-done:
		return exitCode(runErr)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return -1, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
}

func (s *sshShell) Start(cmd string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return fmt.Errorf("failed to start %q: %w", cmd, err)
	}
	go func() {
		_ = session.Wait()
		session.Close()
	}()
	return nil
}

func (s *sshShell) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.client.Close()
}

func (s *sshShell) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}

// exitCode separates a command's exit status from transport failures
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, fmt.Errorf("command exited without status: %w", err)
	}
	return -1, fmt.Errorf("command failed: %w", err)
}

// sftpFileSystem adapts an sftp client to FileSystem
type sftpFileSystem struct {
	client *sftp.Client
}

func (f *sftpFileSystem) MkdirAll(path string) error {
	return f.client.MkdirAll(path)
}

func (f *sftpFileSystem) Create(path string) (io.WriteCloser, error) {
	return f.client.Create(path)
}

func (f *sftpFileSystem) Stat(path string) (os.FileInfo, error) {
	return f.client.Stat(path)
}

func (f *sftpFileSystem) Getwd() (string, error) {
	return f.client.Getwd()
}

func (f *sftpFileSystem) Close() error {
	return f.client.Close()
}

package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/internal/poll"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

const (
	// DefaultRetryInterval is the wait between connection attempts
	DefaultRetryInterval = 5 * time.Second
)

// Shell is the command channel of a session
type Shell interface {
	// Exec runs cmd to completion, streaming its output into stdout and stderr.
	// The error is reserved for transport faults; a command that ran reports
	// its status through the exit code.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
	// Start launches cmd without waiting for it to finish
	Start(cmd string) error
	Close() error
}

// FileSystem is the transfer channel of a session
type FileSystem interface {
	MkdirAll(path string) error
	Create(path string) (io.WriteCloser, error)
	Stat(path string) (os.FileInfo, error)
	// Getwd returns the login directory
	Getwd() (string, error)
	Close() error
}

// Dialer opens both channels to an endpoint in one attempt
type Dialer interface {
	Dial(ctx context.Context, ep models.Endpoint) (Shell, FileSystem, error)
}

// Session is an authenticated connection to an instance with a shell channel
// and a file transfer channel
type Session struct {
	endpoint models.Endpoint
	shell    Shell
	files    FileSystem

	mu     sync.Mutex
	closed bool
}

// NewSession wraps already opened channels
func NewSession(ep models.Endpoint, shell Shell, files FileSystem) *Session {
	return &Session{endpoint: ep, shell: shell, files: files}
}

// Endpoint returns the endpoint the session is connected to
func (s *Session) Endpoint() models.Endpoint {
	return s.endpoint
}

// Shell returns the command channel
func (s *Session) Shell() (Shell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.shell == nil {
		return nil, ErrNotConnected
	}
	return s.shell, nil
}

// Files returns the transfer channel
func (s *Session) Files() (FileSystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.files == nil {
		return nil, ErrNotConnected
	}
	return s.files, nil
}

// Close closes the transfer channel then the shell channel. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.files != nil {
		if err := s.files.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transfer channel: %w", err))
		}
	}
	if s.shell != nil {
		if err := s.shell.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shell channel: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Manager owns the current session to an instance
type Manager struct {
	dialer Dialer
	policy poll.Policy
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithRetryPolicy sets the policy for connection-refused retries
func WithRetryPolicy(p poll.Policy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithManagerLogger sets a custom logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a session manager. By default connection-refused errors
// are retried every 5s until the context is cancelled.
func NewManager(dialer Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dialer: dialer,
		policy: poll.Fixed(DefaultRetryInterval),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Connect opens a session to ep, retrying while the host refuses connections.
// Any open session is closed before dialing. Authentication and host key
// failures are returned immediately.
func (m *Manager) Connect(ctx context.Context, ep models.Endpoint) (*Session, error) {
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	m.release()

	var sess *Session
	attempts := 0
	err := poll.Until(ctx, m.policy, poll.Options{
		Operation: "ssh connect to " + ep.String(),
		Retryable: IsConnectionRefused,
		OnRetry: func(attempt int, err error, next time.Duration) {
			m.logger.Info("ssh not ready, retrying",
				slog.String("endpoint", ep.String()),
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.String("error", err.Error()))
		},
	}, func(ctx context.Context, attempt int) error {
		attempts = attempt
		shell, files, err := m.dialer.Dial(ctx, ep)
		if err != nil {
			metrics.RecordSSHConnectAttempt(classifyConnectError(err))
			return err
		}
		metrics.RecordSSHConnectAttempt("success")
		sess = NewSession(ep, shell, files)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep, err)
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	m.logger.Info("ssh session established",
		slog.String("endpoint", ep.String()),
		slog.Int("attempts", attempts))
	return sess, nil
}

// Reconnect closes the current session and opens a new one to ep, which may
// differ from the previous endpoint
func (m *Manager) Reconnect(ctx context.Context, ep models.Endpoint) (*Session, error) {
	m.logger.Info("reconnecting ssh session", slog.String("endpoint", ep.String()))
	return m.Connect(ctx, ep)
}

// release closes and forgets the current session
func (m *Manager) release() {
	m.mu.Lock()
	previous := m.current
	m.current = nil
	m.mu.Unlock()

	if previous == nil {
		return
	}
	if err := previous.Close(); err != nil {
		m.logger.Debug("error closing previous session", slog.String("error", err.Error()))
	}
}

// Current returns the open session, if any
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNotConnected
	}
	return m.current, nil
}

// Close closes the current session
func (m *Manager) Close() error {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// Executor runs command batches over a session's shell channel.
// Pattern: create one executor per process, pass it the session for each call.
type Executor struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// ExecutorOption configures the Executor
type ExecutorOption func(*Executor)

// WithOutput streams remote stdout and stderr into the given writers
func WithOutput(stdout, stderr io.Writer) ExecutorOption {
	return func(e *Executor) {
		e.stdout = stdout
		e.stderr = stderr
	}
}

// WithExecutorLogger sets a custom logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor. Remote output is discarded unless WithOutput is given.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		stdout: io.Discard,
		stderr: io.Discard,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	// Concurrent batches share the writers
	e.stdout = &lockedWriter{w: e.stdout}
	e.stderr = &lockedWriter{w: e.stderr}

	return e
}

// Run executes batch in order and returns the first non-zero exit code, or 0.
// A joined batch is a single invocation whose code is that of the first failing
// command. The error is only set for transport faults.
func (e *Executor) Run(ctx context.Context, sess *Session, batch models.CommandBatch) (int, error) {
	shell, err := sess.Shell()
	if err != nil {
		return -1, err
	}

	name := batch.Name
	if name == "" {
		name = "batch"
	}

	for i, cmd := range batch.Invocations() {
		e.logger.Debug("running remote command",
			slog.String("batch", name),
			slog.Int("step", i+1),
			slog.String("command", redact(cmd)))

		code, err := shell.Exec(ctx, cmd, e.stdout, e.stderr)
		if err != nil {
			metrics.RecordCommandExit(name, code, err)
			return -1, fmt.Errorf("%s: %w", name, err)
		}
		if code != 0 {
			metrics.RecordCommandExit(name, code, nil)
			e.logger.Warn("remote command failed",
				slog.String("batch", name),
				slog.Int("step", i+1),
				slog.Int("exit_code", code))
			return code, nil
		}
	}

	metrics.RecordCommandExit(name, 0, nil)
	return 0, nil
}

// RunConcurrent dispatches independent batches in parallel and returns their
// exit codes in argument order. A transport fault in one batch cancels the others.
func (e *Executor) RunConcurrent(ctx context.Context, sess *Session, batches ...models.CommandBatch) ([]int, error) {
	codes := make([]int, len(batches))
	g, gctx := errgroup.WithContext(ctx)

	for i, batch := range batches {
		g.Go(func() error {
			code, err := e.Run(gctx, sess, batch)
			codes[i] = code
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return codes, err
	}
	return codes, nil
}

// Start launches cmd and returns without waiting for it. The command's outcome
// is never observed.
func (e *Executor) Start(sess *Session, cmd string) error {
	shell, err := sess.Shell()
	if err != nil {
		return err
	}
	e.logger.Debug("starting remote command", slog.String("command", redact(cmd)))
	return shell.Start(cmd)
}

// Output runs a single command and returns its trimmed stdout and exit code
func (e *Executor) Output(ctx context.Context, sess *Session, cmd string) (string, int, error) {
	shell, err := sess.Shell()
	if err != nil {
		return "", -1, err
	}

	var stdout bytes.Buffer
	code, err := shell.Exec(ctx, cmd, &stdout, e.stderr)
	if err != nil {
		return "", -1, err
	}
	return strings.TrimSpace(stdout.String()), code, nil
}

// lockedWriter serializes writes from concurrent batches
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// redact hides credentials embedded in clone URLs and login commands
func redact(cmd string) string {
	fields := strings.Fields(cmd)
	for i, f := range fields {
		switch {
		case strings.HasPrefix(f, "https://") && strings.Contains(f, "@"):
			at := strings.LastIndex(f, "@")
			fields[i] = "https://***" + f[at:]
		case i > 0 && fields[i-1] == "login":
			fields[i] = "***"
		}
	}
	return strings.Join(fields, " ")
}

// Package setup prepares a provisioned instance for training: it clones the
// training repository, installs miniconda and the Python environment, and
// uploads the dataset.
package setup

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// Step names, also used as batch names in logs and metrics
const (
	StepClone        = "clone"
	StepMiniconda    = "miniconda"
	StepDependencies = "dependencies"
	StepDataDir      = "data_dir"
	StepTransfer     = "transfer"
)

// StepError is returned when a setup batch exits non-zero
type StepError struct {
	Step     string
	ExitCode int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("setup step %s failed with exit code %d", e.Step, e.ExitCode)
}

// CommandRunner runs command batches over a session
type CommandRunner interface {
	Run(ctx context.Context, sess *ssh.Session, batch models.CommandBatch) (int, error)
	RunConcurrent(ctx context.Context, sess *ssh.Session, batches ...models.CommandBatch) ([]int, error)
}

// Transferer uploads local files over a session
type Transferer interface {
	Transfer(ctx context.Context, sess *ssh.Session, job models.TransferJob) error
}

// Config holds what the remote commands need
type Config struct {
	Repository    string // owner/name on GitHub
	CondaEnv      string
	PythonVersion string
	MinicondaURL  string
	Username      string
	GitHubToken   string
	WandBAPIKey   string
}

// RepoDir is the directory the repository is cloned into, relative to the login directory
func (c Config) RepoDir() string {
	return strings.TrimSuffix(path.Base(c.Repository), ".git")
}

// RemoteDataDir is where datasets are uploaded
func (c Config) RemoteDataDir() string {
	return path.Join("~", c.RepoDir(), "data", c.Username)
}

// Pipeline runs the setup steps against one session
type Pipeline struct {
	cfg      Config
	runner   CommandRunner
	transfer Transferer
	logger   *slog.Logger
}

// Option configures the Pipeline
type Option func(*Pipeline)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a setup pipeline
func New(cfg Config, runner CommandRunner, transfer Transferer, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		runner:   runner,
		transfer: transfer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CloneBatch clones the training repository with the GitHub token
func (p *Pipeline) CloneBatch() models.CommandBatch {
	return models.NewBatch(StepClone,
		fmt.Sprintf("git clone https://%s@github.com/%s.git", p.cfg.GitHubToken, p.cfg.Repository))
}

// MinicondaBatch installs miniconda into ~/miniconda3
func (p *Pipeline) MinicondaBatch() models.CommandBatch {
	return models.NewJoinedBatch(StepMiniconda,
		"mkdir -p ~/miniconda3",
		fmt.Sprintf("wget %s -O ~/miniconda3/miniconda.sh", p.cfg.MinicondaURL),
		"bash ~/miniconda3/miniconda.sh -b -u -p ~/miniconda3",
		"rm ~/miniconda3/miniconda.sh",
		"source ~/miniconda3/bin/activate",
		"conda init --all",
	)
}

// DependenciesBatch creates the conda environment and installs the repository
func (p *Pipeline) DependenciesBatch() models.CommandBatch {
	return models.NewJoinedBatch(StepDependencies,
		"cd "+p.cfg.RepoDir(),
		"source ~/miniconda3/bin/activate",
		fmt.Sprintf("conda create -y -n %s python=%s", p.cfg.CondaEnv, p.cfg.PythonVersion),
		"conda activate "+p.cfg.CondaEnv,
		"pip install -e .",
		"wandb login "+p.cfg.WandBAPIKey,
	)
}

// DataDirBatch creates the remote dataset directory
func (p *Pipeline) DataDirBatch() models.CommandBatch {
	return models.NewBatch(StepDataDir, "mkdir -p "+p.cfg.RemoteDataDir())
}

// Run executes the pipeline. The clone and the miniconda install run
// concurrently; once both succeed, the dependency install runs alongside the
// dataset upload. A non-zero exit from any batch fails the pipeline with a
// StepError.
func (p *Pipeline) Run(ctx context.Context, sess *ssh.Session, datasetPath string) error {
	start := time.Now()
	p.warnMissingSecrets()

	p.logger.InfoContext(ctx, "cloning repository and installing miniconda",
		slog.String("repository", p.cfg.Repository))

	first := []models.CommandBatch{p.CloneBatch(), p.MinicondaBatch()}
	codes, err := p.runner.RunConcurrent(ctx, sess, first...)
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	for i, code := range codes {
		if code != 0 {
			return &StepError{Step: first[i].Name, ExitCode: code}
		}
	}

	p.logger.InfoContext(ctx, "installing dependencies and transferring training data",
		slog.String("dataset", datasetPath),
		slog.String("remote", p.cfg.RemoteDataDir()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.runStep(gctx, sess, p.DependenciesBatch())
	})
	g.Go(func() error {
		if err := p.runStep(gctx, sess, p.DataDirBatch()); err != nil {
			return err
		}
		job := models.TransferJob{LocalPath: datasetPath, RemotePath: p.cfg.RemoteDataDir()}
		if err := p.transfer.Transfer(gctx, sess, job); err != nil {
			return fmt.Errorf("%s: %w", StepTransfer, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "setup complete", slog.Duration("duration", time.Since(start)))
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, sess *ssh.Session, batch models.CommandBatch) error {
	code, err := p.runner.Run(ctx, sess, batch)
	if err != nil {
		return fmt.Errorf("%s: %w", batch.Name, err)
	}
	if code != 0 {
		return &StepError{Step: batch.Name, ExitCode: code}
	}
	return nil
}

// warnMissingSecrets logs secrets that are empty. The commands still run and
// fail remotely.
func (p *Pipeline) warnMissingSecrets() {
	if p.cfg.GitHubToken == "" {
		p.logger.Warn("GITHUB_TOKEN is not set, cloning a private repository will fail")
	}
	if p.cfg.WandBAPIKey == "" {
		p.logger.Warn("WANDB_API_KEY is not set, wandb login will fail")
	}
}

package setup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// fakeRunner records batches and returns a configured exit code per batch name
type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	batches map[string]models.CommandBatch
	codes   map[string]int
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		batches: make(map[string]models.CommandBatch),
		codes:   make(map[string]int),
		errs:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, sess *ssh.Session, batch models.CommandBatch) (int, error) {
	f.mu.Lock()
	f.order = append(f.order, batch.Name)
	f.batches[batch.Name] = batch
	code, err := f.codes[batch.Name], f.errs[batch.Name]
	f.mu.Unlock()
	if err != nil {
		return -1, err
	}
	return code, nil
}

func (f *fakeRunner) RunConcurrent(ctx context.Context, sess *ssh.Session, batches ...models.CommandBatch) ([]int, error) {
	codes := make([]int, len(batches))
	for i, b := range batches {
		code, err := f.Run(ctx, sess, b)
		codes[i] = code
		if err != nil {
			return codes, err
		}
	}
	return codes, nil
}

func (f *fakeRunner) ran(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.batches[name]
	return ok
}

// fakeTransfer records transfer jobs
type fakeTransfer struct {
	mu   sync.Mutex
	jobs []models.TransferJob
	err  error
}

func (f *fakeTransfer) Transfer(ctx context.Context, sess *ssh.Session, job models.TransferJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.err
}

func testConfig() Config {
	return Config{
		Repository:    "Almond-Mart/almond-intelligence",
		CondaEnv:      "lerobot",
		PythonVersion: "3.10",
		MinicondaURL:  "https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh",
		Username:      "alice",
		GitHubToken:   "ghp_secret",
		WandBAPIKey:   "wandb_secret",
	}
}

func testSession() *ssh.Session {
	return ssh.NewSession(models.Endpoint{Host: "10.0.0.1", Port: 20022, User: "user"}, nil, nil)
}

func newTestPipeline(runner *fakeRunner, transfer *fakeTransfer) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testConfig(), runner, transfer, WithLogger(logger))
}

func TestConfig_Paths(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "almond-intelligence", cfg.RepoDir())
	assert.Equal(t, "~/almond-intelligence/data/alice", cfg.RemoteDataDir())

	cfg.Repository = "owner/repo.git"
	assert.Equal(t, "repo", cfg.RepoDir())
}

func TestPipeline_Batches(t *testing.T) {
	p := newTestPipeline(newFakeRunner(), &fakeTransfer{})

	clone := p.CloneBatch()
	assert.False(t, clone.Joined)
	assert.Equal(t, []string{"git clone https://ghp_secret@github.com/Almond-Mart/almond-intelligence.git"}, clone.Commands)

	miniconda := p.MinicondaBatch()
	assert.True(t, miniconda.Joined)
	require.Len(t, miniconda.Invocations(), 1)
	assert.Equal(t, "mkdir -p ~/miniconda3 && "+
		"wget https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh -O ~/miniconda3/miniconda.sh && "+
		"bash ~/miniconda3/miniconda.sh -b -u -p ~/miniconda3 && "+
		"rm ~/miniconda3/miniconda.sh && "+
		"source ~/miniconda3/bin/activate && "+
		"conda init --all", miniconda.Invocations()[0])

	deps := p.DependenciesBatch()
	assert.True(t, deps.Joined)
	assert.Equal(t, []string{
		"cd almond-intelligence",
		"source ~/miniconda3/bin/activate",
		"conda create -y -n lerobot python=3.10",
		"conda activate lerobot",
		"pip install -e .",
		"wandb login wandb_secret",
	}, deps.Commands)

	assert.Equal(t, []string{"mkdir -p ~/almond-intelligence/data/alice"}, p.DataDirBatch().Commands)
}

func TestPipeline_Run(t *testing.T) {
	runner := newFakeRunner()
	transfer := &fakeTransfer{}
	p := newTestPipeline(runner, transfer)

	require.NoError(t, p.Run(context.Background(), testSession(), "/home/alice/data/alice/run1"))

	// Clone and miniconda always complete before dependencies start
	require.Len(t, runner.order, 4)
	assert.ElementsMatch(t, []string{StepClone, StepMiniconda}, runner.order[:2])
	assert.ElementsMatch(t, []string{StepDependencies, StepDataDir}, runner.order[2:])

	require.Len(t, transfer.jobs, 1)
	assert.Equal(t, models.TransferJob{
		LocalPath:  "/home/alice/data/alice/run1",
		RemotePath: "~/almond-intelligence/data/alice",
	}, transfer.jobs[0])
}

func TestPipeline_CloneFailureStopsBeforeDependencies(t *testing.T) {
	runner := newFakeRunner()
	runner.codes[StepClone] = 128
	transfer := &fakeTransfer{}
	p := newTestPipeline(runner, transfer)

	err := p.Run(context.Background(), testSession(), "/data/run1")
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepClone, stepErr.Step)
	assert.Equal(t, 128, stepErr.ExitCode)

	assert.False(t, runner.ran(StepDependencies))
	assert.Empty(t, transfer.jobs)
}

func TestPipeline_MinicondaFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.codes[StepMiniconda] = 1
	p := newTestPipeline(runner, &fakeTransfer{})

	err := p.Run(context.Background(), testSession(), "/data/run1")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepMiniconda, stepErr.Step)
	assert.False(t, runner.ran(StepDependencies))
}

func TestPipeline_DependenciesFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.codes[StepDependencies] = 2
	p := newTestPipeline(runner, &fakeTransfer{})

	err := p.Run(context.Background(), testSession(), "/data/run1")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepDependencies, stepErr.Step)
	assert.Equal(t, 2, stepErr.ExitCode)
	assert.Equal(t, "setup step dependencies failed with exit code 2", stepErr.Error())
}

func TestPipeline_DataDirFailureSkipsTransfer(t *testing.T) {
	runner := newFakeRunner()
	runner.codes[StepDataDir] = 1
	transfer := &fakeTransfer{}
	p := newTestPipeline(runner, transfer)

	err := p.Run(context.Background(), testSession(), "/data/run1")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepDataDir, stepErr.Step)
	assert.Empty(t, transfer.jobs)
}

func TestPipeline_TransferFailure(t *testing.T) {
	transferErr := errors.New("sftp: connection lost")
	p := newTestPipeline(newFakeRunner(), &fakeTransfer{err: transferErr})

	err := p.Run(context.Background(), testSession(), "/data/run1")
	require.Error(t, err)
	assert.ErrorIs(t, err, transferErr)
	assert.Contains(t, err.Error(), StepTransfer)
}

func TestPipeline_TransportFault(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[StepClone] = ssh.ErrNotConnected
	p := newTestPipeline(runner, &fakeTransfer{})

	err := p.Run(context.Background(), testSession(), "/data/run1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ssh.ErrNotConnected)

	var stepErr *StepError
	assert.False(t, errors.As(err, &stepErr))
}

func TestPipeline_MissingSecretsStillRun(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig()
	cfg.GitHubToken = ""
	cfg.WandBAPIKey = ""
	p := New(cfg, runner, &fakeTransfer{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, p.Run(context.Background(), testSession(), "/data/run1"))
	assert.Equal(t, "git clone https://@github.com/Almond-Mart/almond-intelligence.git", runner.batches[StepClone].Commands[0])
}

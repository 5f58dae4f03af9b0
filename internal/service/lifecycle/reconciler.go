// Package lifecycle keeps the run ledger consistent with the marketplace after
// the process that owned a run has exited.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/almond-mart/almond-trainer/internal/logging"
	"github.com/almond-mart/almond-trainer/internal/marketplace"
	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/internal/service/provisioner"
	"github.com/almond-mart/almond-trainer/internal/storage"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

const (
	// DefaultReconcileInterval is how often the background loop runs
	DefaultReconcileInterval = 5 * time.Minute

	// DefaultStaleAfter is how long a run may sit in an in-flight state
	// before it is considered abandoned
	DefaultStaleAfter = 12 * time.Hour

	// DefaultGhostGrace is how long after its last transition an in-flight run
	// is left to its owning process. The marketplace can briefly answer "not
	// found" for an instance that was just deployed.
	DefaultGhostGrace = 30 * time.Minute
)

// Reconciliation outcomes, also used as metric labels
const (
	OutcomeGhost     = "ghost"
	OutcomeAbandoned = "abandoned"
	OutcomeError     = "error"
)

// InstanceChecker reports the marketplace state of an instance
type InstanceChecker interface {
	InstanceStatus(ctx context.Context, id string) (*models.ProvisionedInstance, error)
}

// RunStore defines the ledger operations needed by the reconciler
type RunStore interface {
	List(ctx context.Context, filter storage.RunFilter) ([]*models.Run, error)
	Update(ctx context.Context, run *models.Run) error
	RecordTransition(ctx context.Context, runID string, from, to models.RunState) error
}

// Result summarizes one reconciliation pass
type Result struct {
	Checked   int
	Ghosts    int
	Abandoned int
	Errors    int
}

// Reconciler compares ledger runs with marketplace instances. A run whose
// instance no longer exists is a ghost and is marked stopped. A run stuck in
// an in-flight state longer than staleAfter is marked failed.
type Reconciler struct {
	runs      RunStore
	instances InstanceChecker
	logger    *slog.Logger

	// Configuration
	reconcileInterval time.Duration
	staleAfter        time.Duration
	ghostGrace        time.Duration

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ReconcilerOption configures the reconciler
type ReconcilerOption func(*Reconciler)

// WithReconcileLogger sets a custom logger
func WithReconcileLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithReconcileInterval sets how often to run reconciliation
func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.reconcileInterval = d
	}
}

// WithStaleAfter sets how long an in-flight run may go without a transition
func WithStaleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.staleAfter = d
	}
}

// WithGhostGrace sets how long an in-flight run is skipped after its last
// transition
func WithGhostGrace(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.ghostGrace = d
	}
}

// WithReconcileTimeFunc sets a custom time function (for testing)
func WithReconcileTimeFunc(fn func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = fn
	}
}

// NewReconciler creates a new reconciler
func NewReconciler(runs RunStore, instances InstanceChecker, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		runs:              runs,
		instances:         instances,
		logger:            slog.Default(),
		reconcileInterval: DefaultReconcileInterval,
		staleAfter:        DefaultStaleAfter,
		ghostGrace:        DefaultGhostGrace,
		now:               time.Now,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reconciler starting",
		slog.Duration("interval", r.reconcileInterval),
		slog.Duration("stale_after", r.staleAfter))

	go r.run(ctx)
	return nil
}

// Stop gracefully stops the reconciler
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	// Capture channels under the lock so a concurrent Start cannot swap them
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
	r.logger.Info("reconciler stopped")
}

// IsRunning returns whether the background loop is active
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.doneCh)
	}()

	ticker := time.NewTicker(r.reconcileInterval)
	defer ticker.Stop()

	r.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if _, err := r.RunReconciliation(ctx); err != nil {
		r.logger.Error("reconciliation failed", slog.String("error", err.Error()))
	}
}

// openStates are every state except stopped
var openStates = []models.RunState{
	models.RunSelecting,
	models.RunDeploying,
	models.RunAwaitingRunning,
	models.RunReady,
	models.RunGPUCheckFailed,
	models.RunRebooting,
	models.RunSettingUp,
	models.RunSetupComplete,
	models.RunFailed,
}

// inFlight reports whether a live process should be advancing the run
func inFlight(s models.RunState) bool {
	switch s {
	case models.RunSetupComplete, models.RunFailed, models.RunStopped:
		return false
	default:
		return true
	}
}

// RunReconciliation executes a single pass over every run that is not stopped.
// Per-run marketplace errors are counted in the result; only a ledger read
// failure is returned.
func (r *Reconciler) RunReconciliation(ctx context.Context) (Result, error) {
	var res Result

	runs, err := r.runs.List(ctx, storage.RunFilter{States: openStates})
	if err != nil {
		return res, fmt.Errorf("failed to list runs: %w", err)
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++

		outcome, err := r.reconcileRun(logging.WithRunID(ctx, run.ID), run)
		if err != nil {
			res.Errors++
			metrics.RecordRunReconciled(OutcomeError)
			r.logger.Warn("failed to reconcile run",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()))
			continue
		}

		switch outcome {
		case OutcomeGhost:
			res.Ghosts++
		case OutcomeAbandoned:
			res.Abandoned++
		default:
			continue
		}
		metrics.RecordRunReconciled(outcome)
	}

	r.logger.Debug("reconciliation complete",
		slog.Int("checked", res.Checked),
		slog.Int("ghosts", res.Ghosts),
		slog.Int("abandoned", res.Abandoned),
		slog.Int("errors", res.Errors))

	return res, nil
}

// reconcileRun returns the outcome applied to run, or "" when it was left alone
func (r *Reconciler) reconcileRun(ctx context.Context, run *models.Run) (string, error) {
	age := r.now().Sub(run.UpdatedAt)

	// A recently advanced run belongs to a live start process, which would
	// overwrite whatever is decided here
	if inFlight(run.State) && age <= r.ghostGrace {
		return "", nil
	}
	stale := inFlight(run.State) && age > r.staleAfter

	// Without an instance ID there is nothing to ask the marketplace about
	if run.InstanceID == "" {
		if !stale {
			return "", nil
		}
		return OutcomeAbandoned, r.markAbandoned(ctx, run, "")
	}

	inst, err := r.instances.InstanceStatus(ctx, run.InstanceID)
	if err != nil {
		if marketplace.IsNotFoundError(err) {
			return OutcomeGhost, r.markGhost(ctx, run)
		}
		return "", fmt.Errorf("failed to get instance %s: %w", run.InstanceID, err)
	}

	if !stale {
		return "", nil
	}
	return OutcomeAbandoned, r.markAbandoned(ctx, run, inst.Status)
}

// markGhost stops a run whose instance is gone from the marketplace
func (r *Reconciler) markGhost(ctx context.Context, run *models.Run) error {
	r.logger.WarnContext(ctx, "GHOST DETECTED: run owns an instance the marketplace no longer knows",
		slog.String("instance_id", run.InstanceID),
		slog.String("state", string(run.State)))

	logging.Audit(ctx, "ghost_run_stopped",
		"instance_id", run.InstanceID,
		"state", string(run.State))

	if run.Error == "" {
		run.Error = "instance not found on marketplace during reconciliation"
	}
	return r.transition(ctx, run, models.RunStopped)
}

// markAbandoned fails a run whose owning process stopped advancing it
func (r *Reconciler) markAbandoned(ctx context.Context, run *models.Run, status models.InstanceStatus) error {
	run.Error = fmt.Sprintf("abandoned while %s", run.State)

	if status != "" {
		r.logger.WarnContext(ctx, "abandoned run still owns an instance, delete it with `almond-train stop`",
			slog.String("instance_id", run.InstanceID),
			slog.String("instance_status", string(status)),
			slog.String("state", string(run.State)))
	} else {
		r.logger.InfoContext(ctx, "marking abandoned run failed",
			slog.String("state", string(run.State)))
	}

	return r.transition(ctx, run, models.RunFailed)
}

func (r *Reconciler) transition(ctx context.Context, run *models.Run, to models.RunState) error {
	from := run.State
	if !provisioner.CanTransition(from, to) {
		return &provisioner.InvalidTransitionError{From: from, To: to}
	}

	run.State = to
	if err := r.runs.Update(ctx, run); err != nil {
		return err
	}
	if err := r.runs.RecordTransition(ctx, run.ID, from, to); err != nil {
		r.logger.WarnContext(ctx, "failed to record transition", slog.String("error", err.Error()))
	}
	metrics.RecordTransition(string(to))
	return nil
}

package provisioner

import (
	"context"
	"log/slog"
	"time"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// transitions lists the forward edges of the run state machine.
// Failed and Stopped are reachable from any non-terminal state.
var transitions = map[models.RunState][]models.RunState{
	models.RunSelecting:       {models.RunDeploying},
	models.RunDeploying:       {models.RunAwaitingRunning},
	models.RunAwaitingRunning: {models.RunReady},
	models.RunReady:           {models.RunGPUCheckFailed, models.RunSettingUp},
	models.RunGPUCheckFailed:  {models.RunRebooting},
	models.RunRebooting:       {models.RunAwaitingRunning},
	models.RunSettingUp:       {models.RunSetupComplete},
}

// CanTransition reports whether a run may move from one state to another
func CanTransition(from, to models.RunState) bool {
	switch to {
	case models.RunStopped:
		return from != models.RunStopped
	case models.RunFailed:
		return from != models.RunStopped && from != models.RunFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves run to the target state and persists the change.
// Ledger writes ignore cancellation so a cancelled run is still recorded.
func (c *Controller) transition(ctx context.Context, run *models.Run, to models.RunState) error {
	from := run.State
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}

	run.State = to
	run.UpdatedAt = time.Now()

	writeCtx := context.WithoutCancel(ctx)
	if err := c.store.Update(writeCtx, run); err != nil {
		c.logger.Error("failed to update run",
			slog.String("run_id", run.ID),
			slog.String("state", string(to)),
			slog.String("error", err.Error()))
	}
	if err := c.store.RecordTransition(writeCtx, run.ID, from, to); err != nil {
		c.logger.Error("failed to record transition",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}

	metrics.RecordTransition(string(to))
	c.logger.DebugContext(ctx, "run transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

// fail marks the run as failed with reason
func (c *Controller) fail(ctx context.Context, run *models.Run, reason error) {
	run.Error = reason.Error()
	if err := c.transition(ctx, run, models.RunFailed); err != nil {
		c.logger.Warn("could not mark run failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}
}

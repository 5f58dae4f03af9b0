package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/internal/poll"
	"github.com/almond-mart/almond-trainer/internal/service/inventory"
	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// ensureGPU runs the GPU diagnostic and, when the GPU is not attached,
// reboots the instance and reconnects. At most maxReboots cycles run; a
// failure after that is logged and provisioning continues.
func (c *Controller) ensureGPU(ctx context.Context, ps *ProvisioningSession) error {
	for {
		out, _, err := c.runner.Output(ctx, ps.Session, ssh.GPUCheckCommand)
		if err != nil {
			return fmt.Errorf("gpu check failed: %w", err)
		}
		if !ssh.IsGPUFailure(out) {
			c.logGPUStatus(ctx, ps)
			return nil
		}

		if ps.Reboots >= c.maxReboots {
			c.logger.WarnContext(ctx, "GPU still not detected, continuing without another reboot",
				slog.Int("reboots", ps.Reboots),
				slog.String("output", out))
			c.noteNodeFailure(ctx, ps.Run, inventory.FailureGPUMissing, errors.New(strings.TrimSpace(out)))
			return nil
		}

		c.logger.WarnContext(ctx, "GPU not detected, rebooting instance", slog.String("output", out))
		if err := c.rebootAndReconnect(ctx, ps); err != nil {
			return err
		}
	}
}

// rebootAndReconnect walks Ready -> GPUCheckFailed -> Rebooting ->
// AwaitingRunning -> Ready. The reboot is only requested; the status poll and
// the reconnect are what confirm the instance came back.
func (c *Controller) rebootAndReconnect(ctx context.Context, ps *ProvisioningSession) error {
	run := ps.Run
	if err := c.transition(ctx, run, models.RunGPUCheckFailed); err != nil {
		return err
	}

	if err := c.runner.Start(ps.Session, ssh.RebootCommand); err != nil {
		c.logger.WarnContext(ctx, "reboot request returned an error", slog.String("error", err.Error()))
	}
	ps.Reboots++
	metrics.RecordRebootRequested()

	if err := c.transition(ctx, run, models.RunRebooting); err != nil {
		return err
	}
	if err := poll.Sleep(ctx, c.settleDelay); err != nil {
		return err
	}

	before := ps.Endpoint()
	if err := c.transition(ctx, run, models.RunAwaitingRunning); err != nil {
		return err
	}
	if err := c.awaitRunning(ctx, ps); err != nil {
		return err
	}
	if after := ps.Endpoint(); after != before {
		c.logger.InfoContext(ctx, "instance address changed after reboot",
			slog.String("before", before.String()),
			slog.String("after", after.String()))
		if after.Addr() != before.Addr() {
			c.forgetHost(ctx, after.Addr())
		}
	}
	if err := c.transition(ctx, run, models.RunReady); err != nil {
		return err
	}

	sess, err := c.sessions.Reconnect(ctx, ps.Endpoint())
	if err != nil {
		c.noteSSHFailure(ctx, run, err)
		return err
	}
	ps.Session = sess
	return nil
}

// logGPUStatus logs per-GPU details. Failures are ignored.
func (c *Controller) logGPUStatus(ctx context.Context, ps *ProvisioningSession) {
	out, code, err := c.runner.Output(ctx, ps.Session, ssh.GPUQueryCommand)
	if err != nil || code != 0 {
		return
	}
	gpus, err := ssh.ParseMultiGPUNvidiaSMI(out)
	if err != nil {
		c.logger.DebugContext(ctx, "could not parse GPU status", slog.String("error", err.Error()))
		return
	}
	for i, gpu := range gpus {
		c.logger.InfoContext(ctx, "GPU detected",
			slog.Int("index", i),
			slog.String("status", gpu.String()))
	}
}

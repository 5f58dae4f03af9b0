package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/service/provisioner"
	"github.com/almond-mart/almond-trainer/internal/storage"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

var stopCmd = &cobra.Command{
	Use:   "stop [run-id]",
	Short: "Delete the instance of a run",
	Long: `Delete the marketplace instance owned by a run and mark the run stopped.

Without a run ID the newest run that still owns an instance is stopped. An
instance that the marketplace no longer knows about counts as deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	run, err := findRunToStop(cmd, a.runs, args)
	if err != nil {
		return err
	}

	opts := []provisioner.Option{provisioner.WithLogger(a.logger)}
	if hostKeys, err := newHostKeys(a.cfg, a.logger); err != nil {
		a.logger.Warn("host keys of the stopped instance are kept", slog.String("error", err.Error()))
	} else {
		opts = append(opts, provisioner.WithHostTrust(hostKeys))
	}

	// Stop only talks to the marketplace, the ledger and the known hosts file
	controller := provisioner.New(newMarketplaceClient(a.cfg, a.logger), nil, nil, nil, a.runs, opts...)
	if err := controller.Stop(ctx, run); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s deleted (run %s)\n", run.StatusID(), run.ID)
	return nil
}

func findRunToStop(cmd *cobra.Command, runs *storage.RunStore, args []string) (*models.Run, error) {
	ctx := cmd.Context()
	if len(args) == 1 {
		run, err := runs.Get(ctx, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("run %s not found", args[0])
		}
		return run, err
	}

	run, err := runs.LatestWithInstance(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.New("no run owns an instance")
	}
	return run, err
}

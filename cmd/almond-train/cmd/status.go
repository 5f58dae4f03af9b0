package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/service/lifecycle"
	"github.com/almond-mart/almond-trainer/internal/storage"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

var (
	statusLimit   int
	statusState   string
	statusRefresh bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs",
	Long: `List runs from the local ledger, newest first. With a run ID, show that run
and its state history.

With --refresh, runs are first checked against the marketplace: runs whose
instance no longer exists are marked stopped and runs left in flight longer
than server.stale_after are marked failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Maximum runs to list")
	statusCmd.Flags().StringVarP(&statusState, "state", "s", "", "Filter by state (comma separated)")
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "Reconcile runs with the marketplace first")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if statusRefresh {
		if err := refreshRuns(cmd, a); err != nil {
			return err
		}
	}

	if len(args) == 1 {
		return showRun(cmd, a.runs, args[0], out)
	}

	filter := storage.RunFilter{Limit: statusLimit}
	for _, st := range strings.Split(statusState, ",") {
		if st = strings.TrimSpace(st); st != "" {
			filter.States = append(filter.States, models.RunState(st))
		}
	}

	runs, err := a.runs.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return writeJSON(out, runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tDATASET\tSTATE\tINSTANCE\tENDPOINT\t$/HR\tAGE")
	fmt.Fprintln(w, "---\t-------\t-----\t--------\t--------\t----\t---")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
			shortID(r.ID),
			r.Dataset,
			r.State,
			orDash(r.StatusID()),
			orDash(endpointOf(r)),
			r.HourlyCost,
			formatAge(time.Since(r.CreatedAt)),
		)
	}
	return w.Flush()
}

// refreshRuns runs one reconciliation pass and reports what changed on stderr
func refreshRuns(cmd *cobra.Command, a *app) error {
	if !hasMarketplaceCredentials(a.cfg) {
		return fmt.Errorf("--refresh needs TENSORDOCK_AUTH_KEY and TENSORDOCK_AUTH_TOKEN")
	}

	r := lifecycle.NewReconciler(a.runs, newMarketplaceClient(a.cfg, a.logger),
		lifecycle.WithReconcileLogger(a.logger),
		lifecycle.WithStaleAfter(a.cfg.Server.StaleAfter),
		lifecycle.WithGhostGrace(a.cfg.Server.GhostGrace))

	res, err := r.RunReconciliation(cmd.Context())
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	if res.Ghosts > 0 || res.Abandoned > 0 || res.Errors > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Refreshed %d runs: %d stopped (instance gone), %d failed (abandoned), %d unreachable\n",
			res.Checked, res.Ghosts, res.Abandoned, res.Errors)
	}
	return nil
}

func showRun(cmd *cobra.Command, runs *storage.RunStore, id string, out io.Writer) error {
	ctx := cmd.Context()
	run, err := runs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get run %s: %w", id, err)
	}
	transitions, err := runs.Transitions(ctx, id)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return writeJSON(out, struct {
			Run         *models.Run          `json:"run"`
			Transitions []storage.Transition `json:"transitions"`
		}{run, transitions})
	}

	fmt.Fprintf(out, "Run:       %s\n", run.ID)
	fmt.Fprintf(out, "Dataset:   %s\n", run.Dataset)
	fmt.Fprintf(out, "State:     %s\n", run.State)
	fmt.Fprintf(out, "Node:      %s\n", orDash(run.NodeID))
	fmt.Fprintf(out, "Instance:  %s\n", orDash(run.InstanceID))
	fmt.Fprintf(out, "Endpoint:  %s\n", orDash(endpointOf(run)))
	fmt.Fprintf(out, "Cost:      $%.3f/hr\n", run.HourlyCost)
	fmt.Fprintf(out, "Created:   %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	if run.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", run.Error)
	}

	if len(transitions) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tFROM\tTO")
		for _, t := range transitions {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.CreatedAt.Local().Format("15:04:05"), t.From, t.To)
		}
		return w.Flush()
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func endpointOf(r *models.Run) string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s@%s:%d", r.User, r.Host, r.Port)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge renders a duration the way ps and kubectl do: the largest unit only
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/service/selector"
)

var (
	offersGPUModel  string
	offersMinUptime float64
	offersLimit     int
)

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List matching marketplace offers, cheapest first",
	Long: `Query the marketplace with the configured requirement and print every
matching host node with its hourly cost. The first row is the offer start
would deploy to. FAILS counts runs that failed on the node within
provisioning.node_failure_window; with provisioning.node_failure_threshold set,
nodes at the threshold are hidden.`,
	Args: cobra.NoArgs,
	RunE: runOffers,
}

func init() {
	rootCmd.AddCommand(offersCmd)

	offersCmd.Flags().StringVarP(&offersGPUModel, "gpu", "g", "", "GPU model (overrides requirement.gpu_model)")
	offersCmd.Flags().Float64Var(&offersMinUptime, "min-uptime", 0, "Minimum uptime 0-1 (overrides requirement.min_uptime)")
	offersCmd.Flags().IntVarP(&offersLimit, "limit", "n", 10, "Maximum offers to show (0 for all)")
}

func runOffers(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	req := cfg.Requirement
	if offersGPUModel != "" {
		req.GPUModel = offersGPUModel
	}
	if offersMinUptime > 0 {
		req.MinUptime = offersMinUptime
	}
	cfg.Requirement = req
	if err := cfg.Validate(); err != nil {
		return err
	}

	market := newMarketplaceClient(cfg, logger)
	nodes := a.nodeTracker(cmd.Context())
	ranked, err := selector.New(market, selector.WithLogger(logger), selector.WithNodeHealth(nodes)).Rank(cmd.Context(), req)
	if err != nil {
		return err
	}
	total := len(ranked)
	if offersLimit > 0 && len(ranked) > offersLimit {
		ranked = ranked[:offersLimit]
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(out, ranked)
	}

	if total == 0 {
		fmt.Fprintf(out, "No offers match %s with uptime >= %.3f\n", req.GPUModel, req.MinUptime)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\t$/HR\tUPTIME\tPORTS\tFAILS\tLOCATION")
	fmt.Fprintln(w, "----\t----\t------\t-----\t-----\t--------")
	for _, r := range ranked {
		fmt.Fprintf(w, "%s\t%.3f\t%.2f%%\t%s\t%d\t%s\n",
			r.Offering.NodeID,
			r.Cost,
			r.Offering.Uptime*100,
			formatPorts(r.Offering.Ports),
			nodes.RecentFailures(r.Offering.NodeID),
			orDash(r.Offering.Location),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nShowing %d of %d offers for %d x %s\n", len(ranked), total, req.GPUCount, req.GPUModel)
	return nil
}

// formatPorts shows the first few ports and a count of the rest
func formatPorts(ports []int) string {
	const shown = 3
	parts := make([]string, 0, shown+1)
	for i, p := range ports {
		if i == shown {
			parts = append(parts, fmt.Sprintf("+%d", len(ports)-shown))
			break
		}
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	return strings.Join(parts, ",")
}

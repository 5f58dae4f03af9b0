package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the marketplace account balance",
	Args:  cobra.NoArgs,
	RunE:  runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	bal, err := newMarketplaceClient(cfg, logger).Balance(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(out, struct {
			Balance      float64 `json:"balance"`
			HourlyCost   float64 `json:"hourly_cost"`
			RuntimeHours float64 `json:"runtime_hours"`
		}{bal.Balance, bal.HourlyCost, bal.Runtime()})
	}

	fmt.Fprintf(out, "Balance:      $%.2f\n", bal.Balance)
	fmt.Fprintf(out, "Hourly cost:  $%.3f\n", bal.HourlyCost)
	if bal.HourlyCost > 0 {
		fmt.Fprintf(out, "Runtime left: %.1f hours\n", bal.Runtime())
	} else {
		fmt.Fprintln(out, "Runtime left: nothing running")
	}
	return nil
}

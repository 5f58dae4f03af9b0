package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/dataset"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List local datasets that can be used for training",
	Long: `List the dataset directories under <data_dir>/<username>. Directories whose
name starts with "eval_" are evaluation recordings and are not listed.`,
	Args: cobra.NoArgs,
	RunE: runDatasets,
}

func init() {
	rootCmd.AddCommand(datasetsCmd)
}

func runDatasets(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	root := dataset.Root(cfg.Training.DataDir, cfg.Training.Username)
	names, err := dataset.List(root)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(out, struct {
			Root     string   `json:"root"`
			Datasets []string `json:"datasets"`
		}{root, names})
	}

	if len(names) == 0 {
		fmt.Fprintf(out, "No datasets found in %s\n", root)
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

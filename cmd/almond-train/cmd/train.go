package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ErrNotImplemented is returned by reserved commands
var ErrNotImplemented = errors.New("not implemented")

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Start training on a prepared instance (reserved)",
	Long:  `Reserved for launching the training job on an instance prepared by start.`,
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("train: %w, run the training script over ssh after `almond-train start`", ErrNotImplemented)
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

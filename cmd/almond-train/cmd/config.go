package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View CLI configuration",
	Long:  `View the effective almond-train configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		masked := *cfg
		masked.Marketplace.APIKey = maskSecret(cfg.Marketplace.APIKey)
		masked.Marketplace.APIToken = maskSecret(cfg.Marketplace.APIToken)
		masked.Secrets.GitHubToken = maskSecret(cfg.Secrets.GitHubToken)
		masked.Secrets.WandBAPIKey = maskSecret(cfg.Secrets.WandBAPIKey)
		return writeJSON(out, masked)
	}

	printConfig(out, cfg)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Files:")
	fmt.Fprintf(out, "  Config file:  %s\n", orDash(configPath))
	fmt.Fprintf(out, "  Env file:     %s%s\n", envFile, existsNote(envFile))
	return nil
}

func printConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "almond-train Configuration")
	fmt.Fprintln(out, "==========================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Marketplace:")
	fmt.Fprintf(out, "  Base URL:         %s\n", cfg.Marketplace.BaseURL)
	fmt.Fprintf(out, "  Auth key:         %s\n", maskSecret(cfg.Marketplace.APIKey))
	fmt.Fprintf(out, "  Auth token:       %s\n", maskSecret(cfg.Marketplace.APIToken))
	fmt.Fprintf(out, "  Timeout:          %s\n", cfg.Marketplace.Timeout)
	fmt.Fprintf(out, "  Rate limit:       %.1f req/s\n", cfg.Marketplace.RateLimit)

	req := cfg.Requirement
	fmt.Fprintln(out, "Requirement:")
	fmt.Fprintf(out, "  GPU:              %d x %s (>= %d GiB VRAM)\n", req.GPUCount, req.GPUModel, req.MinVRAMGiB)
	fmt.Fprintf(out, "  CPU/RAM/Disk:     %d vCPU, %d GiB, %d GiB\n", req.CPUs, req.RAMGiB, req.StorageGiB)
	fmt.Fprintf(out, "  Min uptime:       %.3f\n", req.MinUptime)
	fmt.Fprintf(out, "  OS:               %s\n", req.OperatingSystem)

	fmt.Fprintln(out, "SSH:")
	fmt.Fprintf(out, "  Public key:       %s\n", cfg.SSH.PublicKeyPath)
	fmt.Fprintf(out, "  Private key:      %s\n", cfg.SSH.PrivateKeyPath)
	fmt.Fprintf(out, "  Host key policy:  %s (%s)\n", cfg.SSH.HostKeyPolicy, cfg.SSH.KnownHostsPath)

	fmt.Fprintln(out, "Provisioning:")
	fmt.Fprintf(out, "  Poll interval:    %s\n", cfg.Provisioning.Poll.Interval)
	fmt.Fprintf(out, "  Max reboots:      %d\n", cfg.Provisioning.MaxReboots)
	fmt.Fprintf(out, "  Cleanup on ^C:    %t\n", cfg.Provisioning.CleanupOnCancel)

	fmt.Fprintln(out, "Training:")
	fmt.Fprintf(out, "  Repository:       %s\n", cfg.Training.Repository)
	fmt.Fprintf(out, "  Conda env:        %s (python %s)\n", cfg.Training.CondaEnv, cfg.Training.PythonVersion)
	fmt.Fprintf(out, "  Datasets:         %s/%s\n", cfg.Training.DataDir, cfg.Training.Username)
	fmt.Fprintf(out, "  GITHUB_TOKEN:     %s\n", maskSecret(cfg.Secrets.GitHubToken))
	fmt.Fprintf(out, "  WANDB_API_KEY:    %s\n", maskSecret(cfg.Secrets.WandBAPIKey))

	fmt.Fprintln(out, "Ledger:")
	fmt.Fprintf(out, "  Database:         %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  Status server:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
}

// maskSecret keeps the last four characters of long secrets
func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

func existsNote(path string) string {
	if _, err := os.Stat(path); err != nil {
		return " (not found)"
	}
	return ""
}

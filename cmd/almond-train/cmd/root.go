package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/config"
	"github.com/almond-mart/almond-trainer/internal/logging"
	"github.com/almond-mart/almond-trainer/internal/marketplace"
	"github.com/almond-mart/almond-trainer/internal/service/inventory"
	"github.com/almond-mart/almond-trainer/internal/storage"
)

var (
	configPath   string
	envFile      string
	outputFormat string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "almond-train",
	Short: "Provision a rented GPU machine and prepare it for training",
	Long: `almond-train rents the cheapest matching GPU machine on the TensorDock
marketplace, connects to it over SSH, checks that the GPU is attached, and
prepares it for a training run.

Typical workflow:
  almond-train datasets          # list local recordings
  almond-train start <dataset>   # provision, set up, upload the dataset
  almond-train status            # show recorded runs
  almond-train stop              # delete the instance of the latest run`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("ALMOND_CONFIG", ""), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file holding marketplace and training secrets")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// app holds what most commands need: configuration, a logger and the run ledger
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *storage.DB
	runs   *storage.RunStore
}

// loadConfig reads configuration and sets up logging
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, logger, nil
}

// newApp loads configuration and opens the run ledger. When requireMarketplace
// is set the marketplace credentials must be present.
func newApp(cmd *cobra.Command, requireMarketplace bool) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if requireMarketplace {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}
	if err := db.Migrate(cmd.Context()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate run ledger: %w", err)
	}

	return &app{cfg: cfg, logger: logger, db: db, runs: storage.NewRunStore(db)}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close run ledger", slog.String("error", err.Error()))
	}
}

// nodeTracker loads recent node failures from the ledger. A load failure only
// costs the failure history, so it is logged and an empty tracker is returned.
func (a *app) nodeTracker(ctx context.Context) *inventory.NodeFailureTracker {
	tracker := inventory.NewNodeFailureTracker(
		inventory.WithStore(storage.NewNodeFailureStore(a.db)),
		inventory.WithSuppressThreshold(a.cfg.Provisioning.NodeFailureThreshold),
		inventory.WithFailureWindow(a.cfg.Provisioning.NodeFailureWindow),
		inventory.WithLogger(a.logger))
	if err := tracker.Load(ctx); err != nil {
		a.logger.Warn("failed to load node failures", slog.String("error", err.Error()))
	}
	return tracker
}

// hasMarketplaceCredentials reports whether both TensorDock secrets are set
func hasMarketplaceCredentials(cfg *config.Config) bool {
	return cfg.Marketplace.APIKey != "" && cfg.Marketplace.APIToken != ""
}

func newMarketplaceClient(cfg *config.Config, logger *slog.Logger) *marketplace.Client {
	return marketplace.NewClient(cfg.Marketplace.APIKey, cfg.Marketplace.APIToken,
		marketplace.WithBaseURL(cfg.Marketplace.BaseURL),
		marketplace.WithTimeout(cfg.Marketplace.Timeout),
		marketplace.WithRetryMax(cfg.Marketplace.RetryMax),
		marketplace.WithRateLimit(cfg.Marketplace.RateLimit),
		marketplace.WithLogger(logger))
}

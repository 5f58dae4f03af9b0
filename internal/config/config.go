package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/almond-mart/almond-trainer/internal/poll"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// Config holds all application configuration
type Config struct {
	Marketplace  MarketplaceConfig          `mapstructure:"marketplace"`
	Requirement  models.ResourceRequirement `mapstructure:"requirement"`
	Instance     InstanceConfig             `mapstructure:"instance"`
	SSH          SSHConfig                  `mapstructure:"ssh"`
	Provisioning ProvisioningConfig         `mapstructure:"provisioning"`
	Training     TrainingConfig             `mapstructure:"training"`
	Secrets      SecretsConfig              `mapstructure:"secrets"`
	Database     DatabaseConfig             `mapstructure:"database"`
	Server       ServerConfig               `mapstructure:"server"`
	Logging      LoggingConfig              `mapstructure:"logging"`
}

// MarketplaceConfig holds TensorDock API configuration
type MarketplaceConfig struct {
	BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
	APIKey    string        `mapstructure:"api_key"`
	APIToken  string        `mapstructure:"api_token"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryMax  int           `mapstructure:"retry_max" validate:"gte=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gt=0"` // requests per second
}

// InstanceConfig holds deploy request settings that are not resources
type InstanceConfig struct {
	Name string `mapstructure:"name" validate:"required"`
}

// SSHConfig holds remote session configuration
type SSHConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path" validate:"required"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	HostKeyPolicy  string        `mapstructure:"host_key_policy" validate:"oneof=tofu strict insecure"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" validate:"gte=0"`
	Retry          poll.Policy   `mapstructure:"retry"`
}

// ProvisioningConfig holds controller timing configuration
type ProvisioningConfig struct {
	Poll              poll.Policy   `mapstructure:"poll"`
	RebootSettleDelay time.Duration `mapstructure:"reboot_settle_delay" validate:"gte=0"`
	MaxReboots        int           `mapstructure:"max_reboots" validate:"gte=0"`
	CleanupOnCancel   bool          `mapstructure:"cleanup_on_cancel"`
	CleanupTimeout    time.Duration `mapstructure:"cleanup_timeout" validate:"gt=0"`

	// Nodes with this many failed runs inside the window are skipped; 0 disables
	NodeFailureThreshold int           `mapstructure:"node_failure_threshold" validate:"gte=0"`
	NodeFailureWindow    time.Duration `mapstructure:"node_failure_window" validate:"gt=0"`
}

// TrainingConfig holds the setup pipeline configuration
type TrainingConfig struct {
	Repository    string `mapstructure:"repository" validate:"required"` // owner/name on GitHub
	CondaEnv      string `mapstructure:"conda_env" validate:"required"`
	PythonVersion string `mapstructure:"python_version" validate:"required"`
	MinicondaURL  string `mapstructure:"miniconda_url" validate:"required,url"`
	DataDir       string `mapstructure:"data_dir" validate:"required"`
	Username      string `mapstructure:"username"`
}

// SecretsConfig holds credentials used by remote commands. They are not
// validated at startup; a missing value fails the command that needs it.
type SecretsConfig struct {
	GitHubToken string `mapstructure:"github_token"`
	WandBAPIKey string `mapstructure:"wandb_api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig holds status server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"gte=0,lte=65535"`

	// Ledger reconciliation against the marketplace
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gte=0"`
	StaleAfter        time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	GhostGrace        time.Duration `mapstructure:"ghost_grace" validate:"gte=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// RepoDir returns the directory the repository is cloned into
func (t TrainingConfig) RepoDir() string {
	return strings.TrimSuffix(filepath.Base(t.Repository), ".git")
}

var validate = validator.New()

// Load loads configuration from an optional env file, an optional config
// file, and the environment. Variables already set in the environment win
// over the env file.
func Load(configPath, envFile string) (*Config, error) {
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ALMOND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDerived()
	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	// Marketplace defaults
	v.SetDefault("marketplace.base_url", "https://marketplace.tensordock.com/api/v0")
	v.SetDefault("marketplace.timeout", 30*time.Second)
	v.SetDefault("marketplace.retry_max", 3)
	v.SetDefault("marketplace.rate_limit", 1.0)

	// Requirement defaults
	req := models.DefaultRequirement()
	v.SetDefault("requirement.cpus", req.CPUs)
	v.SetDefault("requirement.ram_gib", req.RAMGiB)
	v.SetDefault("requirement.storage_gib", req.StorageGiB)
	v.SetDefault("requirement.gpu_count", req.GPUCount)
	v.SetDefault("requirement.min_vram_gib", req.MinVRAMGiB)
	v.SetDefault("requirement.gpu_model", req.GPUModel)
	v.SetDefault("requirement.min_uptime", req.MinUptime)
	v.SetDefault("requirement.operating_system", req.OperatingSystem)

	v.SetDefault("instance.name", "almond-intelligence")

	// SSH defaults
	v.SetDefault("ssh.public_key_path", filepath.Join(home, ".ssh", "id_ed25519.pub"))
	v.SetDefault("ssh.known_hosts_path", filepath.Join(home, ".almond", "known_hosts"))
	v.SetDefault("ssh.host_key_policy", "tofu")
	v.SetDefault("ssh.connect_timeout", 30*time.Second)
	v.SetDefault("ssh.keep_alive", 30*time.Second)
	v.SetDefault("ssh.retry.interval", 5*time.Second)
	v.SetDefault("ssh.retry.multiplier", 1.0)

	// Provisioning defaults: fixed 5s polls with no cap
	v.SetDefault("provisioning.poll.interval", 5*time.Second)
	v.SetDefault("provisioning.poll.multiplier", 1.0)
	v.SetDefault("provisioning.reboot_settle_delay", 5*time.Second)
	v.SetDefault("provisioning.max_reboots", 1)
	v.SetDefault("provisioning.cleanup_on_cancel", true)
	v.SetDefault("provisioning.cleanup_timeout", time.Minute)
	v.SetDefault("provisioning.node_failure_threshold", 0)
	v.SetDefault("provisioning.node_failure_window", 24*time.Hour)

	// Training defaults
	v.SetDefault("training.repository", "Almond-Mart/almond-intelligence")
	v.SetDefault("training.conda_env", "lerobot")
	v.SetDefault("training.python_version", "3.10")
	v.SetDefault("training.miniconda_url", "https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh")
	v.SetDefault("training.data_dir", "data")

	v.SetDefault("database.path", filepath.Join(home, ".almond", "runs.db"))

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.reconcile_interval", 5*time.Minute)
	v.SetDefault("server.stale_after", 12*time.Hour)
	v.SetDefault("server.ghost_grace", 30*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal but should be logged
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Marketplace credentials
	bindEnv("marketplace.api_key", "TENSORDOCK_AUTH_KEY")
	bindEnv("marketplace.api_token", "TENSORDOCK_AUTH_TOKEN")

	// Secrets used by remote setup commands
	bindEnv("secrets.github_token", "GITHUB_TOKEN")
	bindEnv("secrets.wandb_api_key", "WANDB_API_KEY")

	bindEnv("database.path", "DATABASE_PATH")
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// applyDerived fills values that depend on other settings
func (c *Config) applyDerived() {
	if c.SSH.PrivateKeyPath == "" {
		c.SSH.PrivateKeyPath = strings.TrimSuffix(c.SSH.PublicKeyPath, ".pub")
	}
	if c.Training.Username == "" {
		if u, err := user.Current(); err == nil {
			c.Training.Username = u.Username
		}
	}
}

// Validate checks the configuration needed to provision. Secrets used only
// by remote commands are not checked here.
func (c *Config) Validate() error {
	if c.Marketplace.APIKey == "" {
		return fmt.Errorf("TENSORDOCK_AUTH_KEY is required")
	}
	if c.Marketplace.APIToken == "" {
		return fmt.Errorf("TENSORDOCK_AUTH_TOKEN is required")
	}

	if err := c.Requirement.Validate(); err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Training.Username == "" {
		return fmt.Errorf("training.username is required")
	}
	return nil
}

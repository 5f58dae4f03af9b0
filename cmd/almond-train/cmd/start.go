package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/config"
	"github.com/almond-mart/almond-trainer/internal/dataset"
	"github.com/almond-mart/almond-trainer/internal/filetransfer"
	"github.com/almond-mart/almond-trainer/internal/service/provisioner"
	"github.com/almond-mart/almond-trainer/internal/service/selector"
	"github.com/almond-mart/almond-trainer/internal/service/setup"
	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

var startDataset string

var startCmd = &cobra.Command{
	Use:   "start [dataset]",
	Short: "Provision an instance and prepare it for training",
	Long: `Rent the cheapest machine matching the configured requirement, wait for it
to boot, check the GPU (rebooting once if it is missing), then clone the
training repository, install the Python environment and upload the dataset.

The dataset must be a directory under <data_dir>/<username>. Interrupting the
command deletes the instance unless provisioning.cleanup_on_cancel is false.`,
	Example: `  almond-train start pick_and_place
  almond-train start --dataset pick_and_place`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startDataset, "dataset", "d", "", "Dataset name (alternative to the positional argument)")
}

// datasetArg picks the dataset from the positional argument or the flag
func datasetArg(args []string, flag string) (string, error) {
	switch {
	case len(args) == 1 && flag != "" && args[0] != flag:
		return "", fmt.Errorf("dataset given twice: %q and --dataset %q", args[0], flag)
	case len(args) == 1:
		return args[0], nil
	case flag != "":
		return flag, nil
	default:
		return "", errors.New("dataset is required (see `almond-train datasets`)")
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	name, err := datasetArg(args, startDataset)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	datasetPath, err := dataset.Resolve(dataset.Root(cfg.Training.DataDir, cfg.Training.Username), name)
	if err != nil {
		return err
	}

	sessions, hostKeys, closeAuth, err := newSessionManager(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	out := cmd.OutOrStdout()
	executor := ssh.NewExecutor(ssh.WithOutput(out, cmd.ErrOrStderr()), ssh.WithExecutorLogger(logger))
	market := newMarketplaceClient(cfg, logger)

	nodes := a.nodeTracker(ctx)
	offers := selector.New(market, selector.WithLogger(logger), selector.WithNodeHealth(nodes))
	controller := provisioner.New(market, offers, sessions, executor, a.runs,
		append(provisionerOptions(cfg, logger),
			provisioner.WithFailureRecorder(nodes),
			provisioner.WithHostTrust(hostKeys))...)

	ps, err := controller.Provision(ctx, provisioner.Request{
		Dataset:       name,
		Requirement:   cfg.Requirement,
		PublicKeyPath: cfg.SSH.PublicKeyPath,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ps.Close(); err != nil {
			logger.Debug("failed to close session", slog.String("error", err.Error()))
		}
	}()

	fmt.Fprintf(out, "Instance ready: %s (run %s, $%.3f/hr)\n", ps.Endpoint(), ps.Run.ID, ps.Run.HourlyCost)

	if err := ps.Advance(ctx, models.RunSettingUp); err != nil {
		return err
	}

	printer := filetransfer.NewProgressPrinter(out)
	transfer := filetransfer.New(filetransfer.WithProgress(printer.Report), filetransfer.WithLogger(logger))
	pipeline := setup.New(setupConfig(cfg), executor, transfer, setup.WithLogger(logger))

	err = pipeline.Run(ctx, ps.Session, datasetPath)
	printer.Finish()
	if err != nil {
		ps.Abort(ctx, err)
		return fmt.Errorf("setup failed: %w", err)
	}

	if err := ps.Advance(ctx, models.RunSetupComplete); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete.")
	fmt.Fprintf(out, "  Connect: ssh -p %d %s@%s\n", ps.Run.Port, ps.Run.User, ps.Run.Host)
	fmt.Fprintf(out, "  Stop:    almond-train stop %s\n", ps.Run.ID)
	return nil
}

// newHostKeys builds the host key verifier from config
func newHostKeys(cfg *config.Config, logger *slog.Logger) (*ssh.HostKeys, error) {
	policy, err := ssh.ParsePolicy(cfg.SSH.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	return ssh.NewHostKeys(policy, cfg.SSH.KnownHostsPath, logger)
}

// newDialer opens SSH connections for start. Tests replace it with an
// in-memory dialer. The returned func releases the ssh-agent connection.
var newDialer = func(cfg *config.Config, hostKeys *ssh.HostKeys, logger *slog.Logger) (ssh.Dialer, func(), error) {
	auth, err := ssh.LoadAuth(cfg.SSH.PrivateKeyPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load SSH credentials: %w", err)
	}

	dialer := ssh.NewSSHDialer(auth.Methods, hostKeys.Callback(),
		ssh.WithConnectTimeout(cfg.SSH.ConnectTimeout),
		ssh.WithKeepAlive(cfg.SSH.KeepAlive))
	return dialer, func() { auth.Close() }, nil
}

// newSessionManager builds the SSH session manager from config. The returned
// func releases the dialer's credentials.
func newSessionManager(cfg *config.Config, logger *slog.Logger) (*ssh.Manager, *ssh.HostKeys, func(), error) {
	hostKeys, err := newHostKeys(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	dialer, release, err := newDialer(cfg, hostKeys, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	manager := ssh.NewManager(dialer,
		ssh.WithRetryPolicy(cfg.SSH.Retry),
		ssh.WithManagerLogger(logger))

	return manager, hostKeys, release, nil
}

func provisionerOptions(cfg *config.Config, logger *slog.Logger) []provisioner.Option {
	return []provisioner.Option{
		provisioner.WithLogger(logger),
		provisioner.WithInstanceName(cfg.Instance.Name),
		provisioner.WithPollPolicy(cfg.Provisioning.Poll),
		provisioner.WithRebootSettleDelay(cfg.Provisioning.RebootSettleDelay),
		provisioner.WithMaxReboots(cfg.Provisioning.MaxReboots),
		provisioner.WithCleanupOnCancel(cfg.Provisioning.CleanupOnCancel, cfg.Provisioning.CleanupTimeout),
	}
}

func setupConfig(cfg *config.Config) setup.Config {
	return setup.Config{
		Repository:    cfg.Training.Repository,
		CondaEnv:      cfg.Training.CondaEnv,
		PythonVersion: cfg.Training.PythonVersion,
		MinicondaURL:  cfg.Training.MinicondaURL,
		Username:      cfg.Training.Username,
		GitHubToken:   cfg.Secrets.GitHubToken,
		WandBAPIKey:   cfg.Secrets.WandBAPIKey,
	}
}

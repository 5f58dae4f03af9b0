package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/almond-mart/almond-trainer/internal/api"
	"github.com/almond-mart/almond-trainer/internal/service/lifecycle"
	"github.com/almond-mart/almond-trainer/internal/service/selector"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status server",
	Long: `Serve the run ledger, Prometheus metrics and, when marketplace credentials
are configured, live offers and the account balance over HTTP.

Endpoints:
  GET /health, /ready, /metrics
  GET /api/v1/runs?state=&limit=
  GET /api/v1/runs/:id
  GET /api/v1/offers?gpu_model=&min_uptime=&limit=
  GET /api/v1/balance

With credentials the server also reconciles the ledger against the marketplace
every server.reconcile_interval (0 disables it).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithHost(host),
		api.WithPort(port),
	}
	if hasMarketplaceCredentials(cfg) {
		market := newMarketplaceClient(cfg, logger)
		opts = append(opts,
			api.WithOffers(selector.New(market, selector.WithLogger(logger)), cfg.Requirement),
			api.WithBalance(market))

		if cfg.Server.ReconcileInterval > 0 {
			reconciler := lifecycle.NewReconciler(a.runs, market,
				lifecycle.WithReconcileLogger(logger),
				lifecycle.WithReconcileInterval(cfg.Server.ReconcileInterval),
				lifecycle.WithStaleAfter(cfg.Server.StaleAfter),
				lifecycle.WithGhostGrace(cfg.Server.GhostGrace))
			if err := reconciler.Start(ctx); err != nil {
				return err
			}
			defer reconciler.Stop()
		}
	} else {
		logger.Warn("marketplace credentials not set, offers and balance endpoints disabled")
	}

	server := api.New(a.runs, opts...)
	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("status server stopped", slog.String("addr", server.Addr()))
	return nil
}

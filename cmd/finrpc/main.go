package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrjvadi/finance-rpc/config"
	"github.com/mrjvadi/finance-rpc/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env bundles what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		e       env
	)
	root := &cobra.Command{
		Use:           "finrpc",
		Short:         "Finance backend over a message broker",
		Long:          "finrpc runs the HTTP gateway and the queue workers of the finance backend. Every HTTP call becomes an RPC over the broker.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = logger.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file (FINRPC_* env vars override it)")

	root.AddCommand(
		newGatewayCmd(&e),
		newWorkerCmd(&e),
		newServeCmd(&e),
		newMigrateCmd(&e),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the HTTP API, forwarding every call to the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			t, cleanup, err := newTransport(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer cleanup()
			return runGateway(ctx, e.cfg, t, e.logger)
		},
	}
}

func newWorkerCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the finance queues and answer requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
				e.cfg.Worker.Count = n
			}
			store, err := openStore(ctx, e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			t, cleanup, err := newTransport(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			e.logger.Info("starting workers", zap.Int("count", e.cfg.Worker.Count))
			err = runWorkers(ctx, e.cfg, t, store, e.logger)
			e.logger.Info("workers shut down")
			return err
		},
	}
	cmd.Flags().Int("workers", 0, "number of workers (overrides worker.count)")
	return cmd
}

// serve runs gateway and workers in one process, the only useful layout for
// the memory transport.
func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and the workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx, e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			t, cleanup, err := newTransport(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return runWorkers(gctx, e.cfg, t, store, e.logger) })
			g.Go(func() error { return runGateway(gctx, e.cfg, t, e.logger) })
			return g.Wait()
		},
	}
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx, e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			e.logger.Info("schema migrated", zap.String("driver", e.cfg.Database.Driver))
			return nil
		},
	}
}

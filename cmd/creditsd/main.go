// Command creditsd serves the credit ledger over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xraph/credits/store/backend"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "creditsd",
		Short:         "Per-tenant prepaid credit ledger server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("CREDITS_CONFIG"), "config file (YAML)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Migrate the store and serve the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				cfg, err := LoadConfig(cfgFile)
				if err != nil {
					return err
				}
				logger, err := cfg.Log.Logger()
				if err != nil {
					return err
				}
				srv, err := newServer(ctx, cfg, logger, newRegistry())
				if err != nil {
					return err
				}
				return srv.run(ctx)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the store schema and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := LoadConfig(cfgFile)
				if err != nil {
					return err
				}
				return migrate(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration and print the resolved store driver",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := LoadConfig(cfgFile)
				if err != nil {
					return err
				}
				if _, err := cfg.Log.Logger(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config ok: driver=%s listen=%s\n", cfg.Store.Driver, cfg.Listen)
				return nil
			},
		},
	)
	return root
}

// migrate opens the configured store, applies its schema and closes it.
func migrate(ctx context.Context, cfg Config) error {
	st, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // best effort on exit

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

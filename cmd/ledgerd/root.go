package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/config"
	"github.com/vnmchuo/usage-ledger/internal/logging"
)

const (
	serviceName = "usage-ledger"
	version     = "0.1.0"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerd",
		Short: "Metered usage billing ledger",
		Long: `ledgerd prices billable calls, debits organization credit balances
and records every call exactly once.

Examples:
  ledgerd serve
  ledgerd seed --org org-123 --balance 250
  ledgerd catalog validate ./catalog.yaml`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newCatalogCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", serviceName, version)
		},
	})
	return root
}

// loadConfig is shared by the commands that talk to the backends.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Log).With(zap.String("service", serviceName))
	return cfg, logger, nil
}

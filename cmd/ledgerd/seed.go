package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/usage-ledger/config"
	"github.com/vnmchuo/usage-ledger/internal/seeder"
)

func newSeedCmd() *cobra.Command {
	f := seeder.DefaultFixture()
	var balance, apiKey string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register an organization, run and step and set its balance",
		Long: `Seed development fixtures into the configured Postgres ledger.

The organization balance is overwritten, not topped up. Running the command
twice is safe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("invalid --balance %q: %w", balance, err)
			}
			if amount.IsNegative() {
				return fmt.Errorf("--balance must be non-negative")
			}
			f.Balance = amount
			return runSeed(cmd, f, apiKey)
		},
	}

	cmd.Flags().StringVar(&f.OrgID, "org", f.OrgID, "organization id")
	cmd.Flags().StringVar(&f.RunID, "run", f.RunID, "run id")
	cmd.Flags().StringVar(&f.StepID, "step", f.StepID, "step id")
	cmd.Flags().StringVar(&f.AgentID, "agent", f.AgentID, "agent id (empty to skip)")
	cmd.Flags().StringVar(&balance, "balance", f.Balance.String(), "starting credit balance")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "also store this bearer key scoped to --org")
	return cmd
}

func runSeed(cmd *cobra.Command, f seeder.Fixture, apiKey string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.StoreBackend == config.BackendMemory {
		return fmt.Errorf("seed needs a persistent store; set STORE_BACKEND=postgres")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := seeder.Seed(ctx, b.registrar, b.balances, f, logger); err != nil {
		return err
	}
	if apiKey != "" {
		if err := seeder.SeedAPIKey(ctx, b.keys, f.OrgID, apiKey, logger); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded org %s (run %s, step %s) with balance %s\n",
		f.OrgID, f.RunID, f.StepID, f.Balance.StringFixed(8))
	return nil
}

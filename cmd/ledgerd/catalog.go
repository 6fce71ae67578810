package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/usage-ledger/internal/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Reference data commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a catalog file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %s is valid\n", args[0])
			fmt.Fprintf(out, "  pricing rules:   %d\n", len(c.Pricing))
			fmt.Fprintf(out, "  surcharges:      %d\n", len(c.Surcharges))
			fmt.Fprintf(out, "  org rate limits: %d\n", len(c.RateLimits.Orgs))
			return nil
		},
	})
	return cmd
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	rapidpro "github.com/istresearch/rapidpro-sub000"
)

// sweepCommand runs one engine sweep against the configured stores and
// reports how many items it touched.
func sweepCommand(use, short, noun string, sweep func(*rapidpro.Engine, context.Context) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			n, err := sweep(app.Engine, cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", n, noun)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(
		sweepCommand("expire", "End waiting runs past their expiry", "runs expired", (*rapidpro.Engine).ExpireRuns),
		sweepCommand("timeout", "Resume runs whose wait timed out", "runs timed out", (*rapidpro.Engine).TimeoutRuns),
		sweepCommand("squash", "Fold pending counter deltas into totals", "counter rows squashed", (*rapidpro.Engine).Squash),
	)
}

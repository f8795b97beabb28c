// cmd/membership/sweep.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"memberhub/internal/clock"
	"memberhub/internal/membership"
)

func sweepCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of a background job and exit",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "expiry",
		Short: "Downgrade members whose paid period has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer a.close()

			sweeper := membership.NewExpirySweeper(a.store, clock.NewSystem(), a.logger, a.cfg.ExpirySweepHour)
			n, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "downgraded %d members\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refunds",
		Short: "Retry refunds that failed during cancellation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.cfg.RequireGateway(); err != nil {
				return err
			}

			n, err := a.paymentService().RetryPendingRefunds(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %d refunds\n", n)
			return nil
		},
	})

	return cmd
}

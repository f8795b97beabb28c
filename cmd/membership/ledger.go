// cmd/membership/ledger.go
package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

func ledgerCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect ledger entries",
	}

	var orderID string
	history := &cobra.Command{
		Use:   "history",
		Short: "Print a ledger entry and its journal of status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orderID == "" {
				return errors.New("--order is required")
			}
			a, err := newApp(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer a.close()

			txn, err := a.store.FindByOrderID(cmd.Context(), orderID)
			if err != nil {
				return err
			}
			events, err := a.store.History(cmd.Context(), txn.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"transaction": txn,
				"events":      events,
			})
		},
	}
	history.Flags().StringVar(&orderID, "order", "", "gateway order id")

	cmd.AddCommand(history)
	return cmd
}

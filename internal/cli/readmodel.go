package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/app"
)

func newReadModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readmodel",
		Short: "Read model repair tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync <order-id>",
		Short: "Rebuild one order view from the write model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Sync.SyncOrderReadModel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s synced\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync-all",
		Short: "Rebuild every order view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Sync.SyncAllOrders(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%d orders synced\n", n)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Compare the read model against the write model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				found, err := a.Sync.CheckDataConsistency(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), found)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Fix every inconsistency the check reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Sync.RepairInconsistentData(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	})
	return cmd
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/app"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the transactional outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count outbox messages by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.OutboxStore.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <message-id>",
		Short: "Move a FAILED message back to PENDING with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.OutboxStore.Requeue(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "message %s requeued\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Run one retry pass over pending messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n := a.Scheduler.ProcessPending(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%d messages processed\n", n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete SENT messages past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Scheduler.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d messages purged\n", n)
				return nil
			})
		},
	})
	return cmd
}

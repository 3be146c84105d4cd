package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tripledger/booking/internal/app"
	"github.com/tripledger/booking/internal/config"
	"go.uber.org/zap"
)

// withApp loads configuration, wires the services and runs fn.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Charge every installment that has fallen due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Processor.RunDueInstallments(cmd.Context(), time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync [customer-id]",
		Short: "Rebuild a customer's local state from the payment gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Reconciler.Resync(cmd.Context(), args[0], time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the notification outbox",
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Pop queued notifications and print them as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd.Context(), func(a *app.App) error {
				if a.Outbox == nil {
					return fmt.Errorf("REDIS_URL is not set; there is no outbox")
				}
				for i := 0; limit <= 0 || i < limit; i++ {
					n, err := a.Outbox.Next(cmd.Context())
					if err != nil {
						return err
					}
					if n == nil {
						return nil
					}
					if err := printJSON(cmd.OutOrStdout(), n); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	drain.Flags().IntP("limit", "n", 100, "Maximum notifications to pop (0 for all)")

	cmd.AddCommand(drain)
	return cmd
}

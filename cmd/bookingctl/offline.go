package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/internal/service"
	"go.uber.org/zap"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect installment and job schedules",
	}

	preview := &cobra.Command{
		Use:   "preview",
		Short: "Print the installments a balance would be split into",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetInt64("amount")
			freq, _ := cmd.Flags().GetString("frequency")
			cutoffStr, _ := cmd.Flags().GetString("cutoff")

			cutoff, err := time.Parse(time.DateOnly, cutoffStr)
			if err != nil {
				return fmt.Errorf("--cutoff must be YYYY-MM-DD: %w", err)
			}
			charges, err := service.PreviewSchedule(amount, cutoff, domain.Frequency(freq), time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), charges)
		},
	}
	preview.Flags().Int64("amount", 0, "Remaining balance in minor units")
	preview.Flags().String("frequency", string(domain.FrequencyMonthly), "weekly, biweekly or monthly")
	preview.Flags().String("cutoff", "", "Final payment date (YYYY-MM-DD)")
	_ = preview.MarkFlagRequired("amount")
	_ = preview.MarkFlagRequired("cutoff")

	nextRun := &cobra.Command{
		Use:   "next-run",
		Short: "Print the next occurrences of the due-installment job",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, _ := cmd.Flags().GetString("rrule")
			count, _ := cmd.Flags().GetInt("count")

			s, err := service.NewScheduler(rule, nil, zap.NewNop())
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			for i := 0; i < count; i++ {
				at = s.NextRun(at)
				if at.IsZero() {
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), at.Format(time.RFC3339))
			}
			return nil
		},
	}
	nextRun.Flags().String("rrule", "FREQ=DAILY;BYHOUR=3;BYMINUTE=0;BYSECOND=0", "Recurrence rule of the job")
	nextRun.Flags().Int("count", 5, "Number of occurrences to print")

	cmd.AddCommand(preview, nextRun)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue API tokens",
	}

	issue := &cobra.Command{
		Use:   "issue [subject]",
		Short: "Sign a bearer token for a buyer or operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if role != domain.RoleBuyer && role != domain.RoleAdmin {
				return fmt.Errorf("--role must be %s or %s", domain.RoleBuyer, domain.RoleAdmin)
			}
			v := viper.New()
			v.AutomaticEnv()
			secret := v.GetString("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := service.NewTokenService(secret).IssueToken(args[0], email, role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().String("email", "", "Email claim")
	issue.Flags().String("role", domain.RoleBuyer, "buyer or admin")
	issue.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	cmd.AddCommand(issue)
	return cmd
}

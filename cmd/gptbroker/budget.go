package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/gptbroker/pkg/budget"
	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/tracker"
)

func newBudgetCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect the rolling spend limit",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show spend against the configured ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tr, err := tracker.New(cfg.DBPath())
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			l := budget.NewLimiter(cfg.Budget.Ceiling, cfg.Budget.Window)
			if err := l.Load(context.Background(), tr); err != nil {
				return err
			}
			// Allow rolls an expired window forward without spending.
			l.Allow()
			fmt.Print(formatLimiterState(l.Snapshot(), time.Now()))
			return nil
		},
	}

	cmd.AddCommand(statusCmd)
	return cmd
}

func formatLimiterState(s models.LimiterState, now time.Time) string {
	resets := s.ResetsAt().Sub(now).Round(time.Minute)
	if resets < 0 {
		resets = 0
	}
	state := "open"
	if s.Remaining <= 0 {
		state = "exhausted"
	}
	return fmt.Sprintf("Ceiling:   $%.4f\nSpent:     $%.4f\nRemaining: $%.4f\nWindow:    %s (started %s, resets in %s)\nState:     %s\n",
		s.BudgetCeiling, s.Spent(), s.Remaining,
		s.Window, s.WindowStartedAt.Format(time.RFC3339), resets, state)
}

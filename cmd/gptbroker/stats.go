package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/tracker"
)

func newStatsCmd(load configLoader) *cobra.Command {
	var (
		since  string
		recent int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage and spend by kind and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			sinceTime, err := parseSince(since)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath())
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := context.Background()

			if recent > 0 {
				recs, err := tr.Records(ctx, sinceTime, recent)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No usage records found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tFINGERPRINT\tKIND\tMODEL\tPROMPT\tCOMPLETION\tTOTAL\tCOST")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t$%.4f\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.Fingerprint, r.Kind, r.Model,
						r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.Cost)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, sinceTime)
			if err != nil {
				return err
			}
			fmt.Print(formatSummary(summaries))
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD), default all time")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent billed calls instead of the summary")
	return cmd
}

func parseSince(since string) (time.Time, error) {
	if since == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", since)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
	}
	return t, nil
}

func formatSummary(summaries []models.UsageSummary) string {
	if len(summaries) == 0 {
		return "No usage data found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-26s %8s %10s %12s %10s %10s\n",
		"KIND", "MODEL", "REQUESTS", "PROMPT", "COMPLETION", "TOTAL", "COST")
	b.WriteString(strings.Repeat("-", 98) + "\n")
	var totalCost float64
	var totalTokens int
	for _, s := range summaries {
		fmt.Fprintf(&b, "%-16s %-26s %8d %10d %12d %10d %10s\n",
			s.Kind, s.Model, s.RequestCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens,
			fmt.Sprintf("$%.4f", s.TotalCost))
		totalCost += s.TotalCost
		totalTokens += s.TotalTokens
	}
	b.WriteString(strings.Repeat("-", 98) + "\n")
	fmt.Fprintf(&b, "%-16s %-26s %8s %10s %12s %10d %10s\n",
		"TOTAL", "", "", "", "", totalTokens, fmt.Sprintf("$%.4f", totalCost))
	return b.String()
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/gptbroker/pkg/audit"
	"github.com/pario-ai/gptbroker/pkg/models"
)

func newAuditCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the exchange audit log",
	}

	open := func() (*audit.Logger, func(), error) {
		cfg, err := load()
		if err != nil {
			return nil, nil, err
		}
		acfg := cfg.Audit
		acfg.DBPath = cfg.AuditDBPath()
		l, err := audit.New(acfg, zerolog.Nop())
		if err != nil {
			return nil, nil, fmt.Errorf("open audit db: %w", err)
		}
		return l, func() { _ = l.Close() }, nil
	}

	cmd.AddCommand(
		newAuditSearchCmd(open),
		newAuditShowCmd(open),
		newAuditStatsCmd(open),
		newAuditCleanupCmd(open),
	)
	return cmd
}

type auditOpener func() (*audit.Logger, func(), error)

func newAuditSearchCmd(open auditOpener) *cobra.Command {
	var (
		model       string
		kind        string
		outcome     string
		fingerprint string
		since       string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.AuditQueryOpts{
				Model:       model,
				Kind:        kind,
				Outcome:     outcome,
				Fingerprint: fingerprint,
				Limit:       limit,
			}
			t, err := parseSince(since)
			if err != nil {
				return err
			}
			opts.Since = t

			l, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by request kind")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "filter by request fingerprint")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditShowCmd(open auditOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "show <exchange-id>",
		Short: "Show a single audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), models.AuditQueryOpts{
				ExchangeID: args[0],
				Limit:      1,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No entry found for that exchange ID.")
				return nil
			}

			e := entries[0]
			fmt.Printf("Exchange ID:   %s\n", e.ExchangeID)
			fmt.Printf("Fingerprint:   %s\n", e.Fingerprint)
			fmt.Printf("Kind:          %s\n", e.Kind)
			fmt.Printf("Model:         %s\n", e.Model)
			fmt.Printf("Outcome:       %s\n", e.Outcome)
			fmt.Printf("Cache hit:     %t\n", e.CacheHit)
			fmt.Printf("Latency:       %dms\n", e.LatencyMs)
			fmt.Printf("Tokens:        %d prompt / %d completion / %d total\n",
				e.PromptTokens, e.CompletionTokens, e.TotalTokens)
			fmt.Printf("Cost:          $%.6f\n", e.Cost)
			fmt.Printf("Time:          %s\n", e.CreatedAt.Format(time.RFC3339))
			if e.PromptText != "" {
				fmt.Printf("\n--- Prompt ---\n%s\n", e.PromptText)
			}
			if e.ResponseText != "" {
				fmt.Printf("\n--- Response ---\n%s\n", e.ResponseText)
			}
			return nil
		},
	}
}

func newAuditStatsCmd(open auditOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit log statistics by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(open auditOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-16s %-16s %-22s %-14s %5s %8s %8s %-19s\n",
		"EXCHANGE ID", "FINGERPRINT", "KIND", "MODEL", "OUTCOME", "CACHE", "LATENCY", "TOKENS", "TIME")
	b.WriteString(strings.Repeat("-", 156) + "\n")
	for _, e := range entries {
		hit := "miss"
		if e.CacheHit {
			hit = "hit"
		}
		fmt.Fprintf(&b, "%-36s %-16s %-16s %-22s %-14s %5s %6dms %8d %-19s\n",
			e.ExchangeID, e.Fingerprint, e.Kind, e.Model, e.Outcome, hit,
			e.LatencyMs, e.TotalTokens, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %8s %10s\n", "MODEL", "DAY", "COUNT", "CACHE HITS")
	b.WriteString(strings.Repeat("-", 58) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-12s %8d %10d\n", s.Model, s.Day, s.Count, s.CacheHits)
	}
	return b.String()
}

package main

import (
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/gptbroker/pkg/models"
)

func TestFormatSummaryTotals(t *testing.T) {
	out := formatSummary([]models.UsageSummary{
		{Kind: "chat_completion", Model: "gpt-4", RequestCount: 2, TotalPrompt: 200, TotalCompletion: 100, TotalTokens: 300, TotalCost: 0.012},
		{Kind: "embedding", Model: "text-embedding-ada-002", RequestCount: 1, TotalPrompt: 50, TotalTokens: 50, TotalCost: 0.00002},
	})
	if !strings.Contains(out, "gpt-4") || !strings.Contains(out, "text-embedding-ada-002") {
		t.Fatalf("missing model rows:\n%s", out)
	}
	if !strings.Contains(out, "$0.0120") {
		t.Errorf("missing row cost:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "TOTAL") || !strings.Contains(last, "350") {
		t.Errorf("unexpected total line %q", last)
	}
}

func TestFormatSummaryEmpty(t *testing.T) {
	if got := formatSummary(nil); got != "No usage data found.\n" {
		t.Errorf("got %q", got)
	}
}

func TestFormatLimiterState(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := models.LimiterState{BudgetCeiling: 10, Window: 24 * time.Hour, Remaining: 0, WindowStartedAt: start}
	out := formatLimiterState(s, start.Add(12*time.Hour))
	for _, want := range []string{"Spent:     $10.0000", "exhausted", "resets in 12h0m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatAuditEntries(t *testing.T) {
	out := formatAuditEntries([]models.AuditEntry{{
		ExchangeID: "abc",
		Kind:       "embedding",
		Outcome:    models.OutcomeOK,
		CacheHit:   true,
		CreatedAt:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}})
	if !strings.Contains(out, "abc") || !strings.Contains(out, " hit ") || !strings.Contains(out, "2024-03-01 10:00:00") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if got := formatAuditEntries(nil); got != "No audit entries found.\n" {
		t.Errorf("got %q", got)
	}
}

func TestFormatResult(t *testing.T) {
	if got := formatResult(models.TextCompletionResult{Text: "hello"}); got != "hello\n" {
		t.Errorf("got %q", got)
	}
	got := formatResult(models.EmbeddingResult{Vectors: [][]float32{{1, 2, 3, 4, 5}, {}}})
	if !strings.Contains(got, "0\t5 dims\t[1 2 3 4]...") || !strings.Contains(got, "1\t0 dims\n") {
		t.Errorf("got %q", got)
	}
}

func TestPromptArg(t *testing.T) {
	p, err := promptArg([]string{"hi"}, strings.NewReader("ignored"))
	if err != nil || p != "hi" {
		t.Fatalf("got %q, %v", p, err)
	}
	p, err = promptArg(nil, strings.NewReader("from stdin\n"))
	if err != nil || p != "from stdin" {
		t.Fatalf("got %q, %v", p, err)
	}
	if _, err := promptArg(nil, strings.NewReader("")); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestParseSince(t *testing.T) {
	if ts, err := parseSince(""); err != nil || !ts.IsZero() {
		t.Errorf("got %v, %v", ts, err)
	}
	if _, err := parseSince("yesterday"); err == nil {
		t.Error("expected error")
	}
}

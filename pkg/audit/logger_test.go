package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/gptbroker/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 90,
		MaxBodySize:   1024,
		Include:       []string{"prompts", "responses"},
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		ExchangeID:       "ex-001",
		Fingerprint:      "0123456789abcdef",
		Kind:             "chat_completion",
		Model:            "gpt-4",
		Outcome:          models.OutcomeOK,
		PromptText:       "What is 2+2?",
		ResponseText:     "4",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		Cost:             0.0015,
		LatencyMs:        150,
		CreatedAt:        time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ExchangeID != "ex-001" || e.Outcome != models.OutcomeOK || e.PromptText != "What is 2+2?" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.ExchangeID = "ex-002"
	e2.Outcome = models.OutcomeRateExceeded
	e2.Fingerprint = "fedcba9876543210"
	_ = l.Log(ctx, e2)

	entries, err := l.Query(ctx, models.AuditQueryOpts{Outcome: models.OutcomeRateExceeded})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].ExchangeID != "ex-002" {
		t.Fatalf("unexpected outcome filter result %+v", entries)
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{Fingerprint: "0123456789abcdef"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].ExchangeID != "ex-001" {
		t.Fatalf("unexpected fingerprint filter result %+v", entries)
	}
}

func TestEnqueueDrainsOnClose(t *testing.T) {
	cfg := tempCfg(t)
	l, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		e := sampleEntry()
		e.ExchangeID = "ex-" + strings.Repeat("x", i+1)
		l.Enqueue(e)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l = mustNew(t, cfg)
	entries, err := l.Query(context.Background(), models.AuditQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Errorf("expected 10 entries, got %d", len(entries))
	}
}

func TestExcludeModels(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeModels = []string{"gpt-4"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries for excluded model, got %d", len(entries))
	}
}

func TestBodyTruncation(t *testing.T) {
	cfg := tempCfg(t)
	cfg.MaxBodySize = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.PromptText = strings.Repeat("x", 100)
	if err := l.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{ExchangeID: "ex-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries[0].PromptText) != 16 {
		t.Errorf("expected truncated prompt len 16, got %d", len(entries[0].PromptText))
	}
}

func TestIncludeFiltering(t *testing.T) {
	cfg := tempCfg(t)
	cfg.Include = nil
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{ExchangeID: "ex-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entries[0].PromptText != "" {
		t.Errorf("expected empty prompt, got %q", entries[0].PromptText)
	}
	if entries[0].ResponseText != "" {
		t.Errorf("expected empty response, got %q", entries[0].ResponseText)
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 1
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(0, 0, -2)
	_ = l.Log(ctx, old)
	fresh := sampleEntry()
	fresh.ExchangeID = "ex-002"
	_ = l.Log(ctx, fresh)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.ExchangeID = "ex-002"
	e2.CacheHit = true
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) == 0 {
		t.Fatal("expected stats")
	}
	if stats[0].Count != 2 || stats[0].CacheHits != 1 {
		t.Errorf("unexpected stat %+v", stats[0])
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
	l.Enqueue(sampleEntry())
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	_, err := New(cfg, zerolog.Nop())
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/gptbroker/pkg/cache/sqlite"
	"github.com/pario-ai/gptbroker/pkg/models"
)

// Tracker records and queries billed provider usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Records returns the most recent usage records since a given time.
	Records(ctx context.Context, since time.Time, limit int) ([]models.UsageRecord, error)
	// Summary returns usage aggregated by kind and model since a given time.
	Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error)
	// TotalCost returns the total recorded spend since a given time.
	TotalCost(ctx context.Context, since time.Time) (float64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database. It also persists
// the spend limiter's state.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL,
	kind TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
`

const createLimiterTable = `
CREATE TABLE IF NOT EXISTS limiter_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	budget_ceiling REAL NOT NULL,
	window_ns INTEGER NOT NULL,
	remaining REAL NOT NULL,
	window_started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", sqlite.DSN(dbPath, ""))
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	if _, err := db.Exec(createLimiterTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate limiter table: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (fingerprint, kind, model, prompt_tokens, completion_tokens, total_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Fingerprint, rec.Kind, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Cost, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Records returns usage records since a given time, newest first. A
// non-positive limit returns everything.
func (t *SQLiteTracker) Records(ctx context.Context, since time.Time, limit int) ([]models.UsageRecord, error) {
	query := `SELECT id, fingerprint, kind, model, prompt_tokens, completion_tokens, total_tokens, cost, created_at
		 FROM usage_records WHERE created_at >= ? ORDER BY created_at DESC, id DESC`
	args := []any{since.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.Kind, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cost, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary returns aggregated usage grouped by kind and model.
func (t *SQLiteTracker) Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT kind, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(cost)
		 FROM usage_records WHERE created_at >= ?
		 GROUP BY kind, model ORDER BY kind, model`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Kind, &s.Model, &s.RequestCount, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens, &s.TotalCost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// TotalCost returns the total recorded spend since a given time.
func (t *SQLiteTracker) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE created_at >= ?`,
		since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}

// LoadLimiterState returns the persisted limiter state, if any.
func (t *SQLiteTracker) LoadLimiterState(ctx context.Context) (models.LimiterState, bool, error) {
	var (
		s        models.LimiterState
		windowNs int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT budget_ceiling, window_ns, remaining, window_started_at FROM limiter_state WHERE id = 1`,
	).Scan(&s.BudgetCeiling, &windowNs, &s.Remaining, &s.WindowStartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LimiterState{}, false, nil
	}
	if err != nil {
		return models.LimiterState{}, false, fmt.Errorf("load limiter state: %w", err)
	}
	s.Window = time.Duration(windowNs)
	return s, true, nil
}

// SaveLimiterState upserts the limiter state.
func (t *SQLiteTracker) SaveLimiterState(ctx context.Context, s models.LimiterState) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO limiter_state (id, budget_ceiling, window_ns, remaining, window_started_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			budget_ceiling = excluded.budget_ceiling,
			window_ns = excluded.window_ns,
			remaining = excluded.remaining,
			window_started_at = excluded.window_started_at,
			updated_at = excluded.updated_at`,
		s.BudgetCeiling, int64(s.Window), s.Remaining, s.WindowStartedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save limiter state: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}

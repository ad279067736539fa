package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/gptbroker/pkg/cache/sqlite"
	"github.com/pario-ai/gptbroker/pkg/models"
)

const queueSize = 256

// Logger writes and queries exchange audit entries in a dedicated SQLite
// database. Enqueue hands entries to a background writer so the exchange
// path never waits on the audit database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	log     zerolog.Logger
	done    chan struct{}
	queue   chan models.AuditEntry
	wg      sync.WaitGroup
	include map[string]bool
	exclude map[string]bool
	dropped atomic.Int64
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig, log zerolog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", sqlite.DSN(cfg.DBPath, ""))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	inc := make(map[string]bool)
	for _, v := range cfg.Include {
		inc[v] = true
	}
	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeModels {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		log:     log,
		done:    make(chan struct{}),
		queue:   make(chan models.AuditEntry, queueSize),
		include: inc,
		exclude: exc,
	}

	l.wg.Add(2)
	go l.retentionLoop()
	go l.writeLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		exchange_id       TEXT PRIMARY KEY,
		fingerprint       TEXT NOT NULL,
		kind              TEXT NOT NULL,
		model             TEXT NOT NULL,
		outcome           TEXT NOT NULL,
		cache_hit         INTEGER NOT NULL DEFAULT 0,
		prompt_text       TEXT,
		response_text     TEXT,
		prompt_tokens     INTEGER,
		completion_tokens INTEGER,
		total_tokens      INTEGER,
		cost              REAL,
		latency_ms        INTEGER,
		created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_model ON audit_log(model)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_fingerprint ON audit_log(fingerprint)`)
	return err
}

// Enqueue schedules entry for writing. Entries are dropped when the queue
// is full or the logger is closed.
func (l *Logger) Enqueue(entry models.AuditEntry) {
	if l == nil {
		return
	}
	select {
	case <-l.done:
		l.dropped.Add(1)
		return
	default:
	}
	select {
	case l.queue <- entry:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.log.Warn().Int64("dropped", n).Msg("audit queue full")
		}
	}
}

// Dropped returns how many entries were discarded by Enqueue.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Log inserts an audit entry, respecting include/exclude configuration.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[entry.Model] {
		return nil
	}

	prompt := entry.PromptText
	response := entry.ResponseText
	if !l.include["prompts"] {
		prompt = ""
	}
	if !l.include["responses"] {
		response = ""
	}
	if l.cfg.MaxBodySize > 0 {
		if len(prompt) > l.cfg.MaxBodySize {
			prompt = prompt[:l.cfg.MaxBodySize]
		}
		if len(response) > l.cfg.MaxBodySize {
			response = response[:l.cfg.MaxBodySize]
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log
		(exchange_id, fingerprint, kind, model, outcome, cache_hit,
		 prompt_text, response_text,
		 prompt_tokens, completion_tokens, total_tokens, cost, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExchangeID, entry.Fingerprint, entry.Kind, entry.Model, entry.Outcome, entry.CacheHit,
		prompt, response,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens, entry.Cost,
		entry.LatencyMs, entry.CreatedAt.UTC(),
	)
	return err
}

// Query returns audit entries matching the given options.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT exchange_id, fingerprint, kind, model, outcome, cache_hit,
		prompt_text, response_text,
		prompt_tokens, completion_tokens, total_tokens, cost, latency_ms, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.ExchangeID != "" {
		q += " AND exchange_id = ?"
		args = append(args, opts.ExchangeID)
	}
	if opts.Fingerprint != "" {
		q += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var prompt, response sql.NullString
		var cost sql.NullFloat64
		if err := rows.Scan(
			&e.ExchangeID, &e.Fingerprint, &e.Kind, &e.Model, &e.Outcome, &e.CacheHit,
			&prompt, &response,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &cost,
			&e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.PromptText = prompt.String
		e.ResponseText = response.String
		e.Cost = cost.Float64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by model and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, substr(created_at, 1, 10) as day, count(*) as cnt, sum(cache_hit) as hits
		 FROM audit_log GROUP BY model, day ORDER BY day DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Model, &day, &s.Count, &s.CacheHits); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains queued entries, stops background goroutines and closes the
// database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e models.AuditEntry) {
	if err := l.Log(context.Background(), e); err != nil {
		l.log.Warn().Err(err).Str("exchange_id", e.ExchangeID).Msg("audit write failed")
	}
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if n, err := l.Cleanup(context.Background()); err != nil {
				l.log.Warn().Err(err).Msg("audit retention cleanup")
			} else if n > 0 {
				l.log.Debug().Int64("deleted", n).Msg("audit retention cleanup")
			}
		}
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/wire"
)

var (
	// ErrNotFound is returned by Get when no entry exists for a fingerprint.
	ErrNotFound = errors.New("cache entry not found")
	// ErrUndecodable is wrapped when a stored entry no longer decodes.
	ErrUndecodable = errors.New("cache entry undecodable")
)

// Options controls storage behaviour.
type Options struct {
	// Compression zstd-compresses newly written entries. Existing rows keep
	// their own flag, so toggling it never invalidates the cache.
	Compression      bool
	CompressionLevel int
	// Synchronous is the SQLite synchronous pragma (OFF, NORMAL, FULL).
	Synchronous string
}

// Cache is a durable fingerprint-keyed result cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	opts   Options
	hits   atomic.Int64
	misses atomic.Int64

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
	dec     *zstd.Decoder
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint BLOB PRIMARY KEY,
	kind INTEGER NOT NULL,
	result BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DSN builds a modernc sqlite DSN with WAL journaling, a busy timeout and the
// given synchronous mode.
func DSN(dbPath, synchronous string) string {
	if synchronous == "" {
		synchronous = "NORMAL"
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous("+synchronous+")")
	return dbPath + "?" + q.Encode()
}

// New opens (or creates) the cache at dbPath.
func New(dbPath string, opts Options) (*Cache, error) {
	db, err := sql.Open("sqlite", DSN(dbPath, opts.Synchronous))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &Cache{db: db, opts: opts, dec: dec}, nil
}

// Contains reports whether an entry exists for fp.
func (c *Cache) Contains(ctx context.Context, fp models.Fingerprint) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM cache_entries WHERE fingerprint = ?`, fp.Bytes(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache contains: %w", err)
	}
	return true, nil
}

// Get retrieves the result stored for fp.
func (c *Cache) Get(ctx context.Context, fp models.Fingerprint) (models.Result, error) {
	var (
		data       []byte
		compressed bool
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT result, compressed FROM cache_entries WHERE fingerprint = ?`, fp.Bytes(),
	).Scan(&data, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	if compressed {
		data, err = c.dec.DecodeAll(data, nil)
		if err != nil {
			c.misses.Add(1)
			return nil, fmt.Errorf("%w: decompress %s: %v", ErrUndecodable, fp, err)
		}
	}
	res, err := wire.DecodeResult(data)
	if err != nil {
		c.misses.Add(1)
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, fp, err)
	}

	c.hits.Add(1)
	return res, nil
}

// Put stores res under fp, replacing any existing entry.
func (c *Cache) Put(ctx context.Context, fp models.Fingerprint, res models.Result) error {
	data, err := wire.EncodeResult(res)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	compressed := false
	if c.opts.Compression {
		enc, err := c.encoder()
		if err != nil {
			return fmt.Errorf("cache put: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		compressed = true
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, kind, result, compressed, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		fp.Bytes(), int(res.Kind()), data, compressed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *Cache) encoder() (*zstd.Encoder, error) {
	c.encOnce.Do(func() {
		opts := []zstd.EOption{}
		if c.opts.CompressionLevel > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.opts.CompressionLevel)))
		}
		c.enc, c.encErr = zstd.NewWriter(nil, opts...)
	})
	return c.enc, c.encErr
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count, size int64
	err := c.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(result)), 0) FROM cache_entries`,
	).Scan(&count, &size)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Bytes:   size,
	}, nil
}

// Clear removes cache entries. A non-zero olderThan only removes entries
// written before that age.
func (c *Cache) Clear(olderThan time.Duration) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if olderThan > 0 {
		res, err = c.db.Exec(`DELETE FROM cache_entries WHERE created_at < ?`, time.Now().UTC().Add(-olderThan))
	} else {
		res, err = c.db.Exec(`DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database connection and codec resources.
func (c *Cache) Close() error {
	c.dec.Close()
	if c.enc != nil {
		_ = c.enc.Close()
	}
	return c.db.Close()
}

// Package cache provides the durable quote and history caches shared by
// the collector and every monitor. Data is stored as msgpack blobs in
// SQLite (WAL mode) with an in-memory mirror that always reflects the
// durable tier after a successful write.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

// QuoteSchema is the single source of truth for the quote cache tables.
const QuoteSchema = `
CREATE TABLE IF NOT EXISTS quote_cache (
	symbol     TEXT PRIMARY KEY,
	quote_data BLOB NOT NULL,
	cached_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quote_cache_cached_at ON quote_cache(cached_at);

CREATE TABLE IF NOT EXISTS collector_meta (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	last_collection_ts INTEGER NOT NULL,
	status             TEXT NOT NULL
);
`

// CachedQuote is a quote row plus its collection timestamp
type CachedQuote struct {
	Quote    domain.Quote
	CachedAt time.Time
}

// QuoteStore is the shared latest-quote cache (single writer, many
// readers). Writes go through the lock-retry wrapper; reads are served
// from the in-memory mirror with a database fallback for cold keys.
type QuoteStore struct {
	db    *database.DB
	retry database.RetryConfig
	log   zerolog.Logger

	mu     sync.RWMutex
	mirror map[string]CachedQuote
}

// NewQuoteStore creates the store and applies its schema
func NewQuoteStore(db *database.DB, retry database.RetryConfig, log zerolog.Logger) (*QuoteStore, error) {
	if err := db.Migrate(QuoteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate quote cache schema: %w", err)
	}
	return &QuoteStore{
		db:     db,
		retry:  retry,
		log:    log.With().Str("component", "quote_cache").Logger(),
		mirror: make(map[string]CachedQuote),
	}, nil
}

// PutBatch atomically upserts all rows keyed by symbol. Row-level
// INSERT OR REPLACE only - a full-table delete would serialize every
// reader behind an exclusive table lock for seconds.
func (s *QuoteStore) PutBatch(ctx context.Context, quotes map[string]domain.Quote, cachedAt time.Time) error {
	if len(quotes) == 0 {
		return nil
	}

	err := database.WithRetry(ctx, s.log, s.retry, "quote_cache.put_batch", func(ctx context.Context) error {
		return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.Prepare(
				"INSERT OR REPLACE INTO quote_cache (symbol, quote_data, cached_at) VALUES (?, ?, ?)")
			if err != nil {
				return fmt.Errorf("failed to prepare upsert: %w", err)
			}
			defer stmt.Close()

			for symbol, q := range quotes {
				blob, err := msgpack.Marshal(q)
				if err != nil {
					return fmt.Errorf("failed to marshal quote for %s: %w", symbol, err)
				}
				if _, err := stmt.ExecContext(ctx, symbol, blob, cachedAt.Unix()); err != nil {
					return fmt.Errorf("failed to upsert quote for %s: %w", symbol, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	// The mirror reflects the durable tier only after the commit.
	s.mu.Lock()
	for symbol, q := range quotes {
		s.mirror[symbol] = CachedQuote{Quote: q, CachedAt: cachedAt}
	}
	s.mu.Unlock()

	return nil
}

// GetBatch returns the current cached row per symbol. Missing keys are
// absent from the result.
func (s *QuoteStore) GetBatch(ctx context.Context, symbols []string) (map[string]CachedQuote, error) {
	result := make(map[string]CachedQuote, len(symbols))
	var cold []string

	s.mu.RLock()
	for _, symbol := range symbols {
		if cq, ok := s.mirror[symbol]; ok {
			result[symbol] = cq
		} else {
			cold = append(cold, symbol)
		}
	}
	s.mu.RUnlock()

	// Cold keys (process restart) fall through to the durable tier.
	for _, symbol := range cold {
		cq, ok, err := s.getOne(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if ok {
			result[symbol] = cq
			s.mu.Lock()
			s.mirror[symbol] = cq
			s.mu.Unlock()
		}
	}

	return result, nil
}

func (s *QuoteStore) getOne(ctx context.Context, symbol string) (CachedQuote, bool, error) {
	var blob []byte
	var cachedAt int64

	err := s.db.QueryRowContext(ctx,
		"SELECT quote_data, cached_at FROM quote_cache WHERE symbol = ?", symbol).
		Scan(&blob, &cachedAt)
	if err == sql.ErrNoRows {
		return CachedQuote{}, false, nil
	}
	if err != nil {
		return CachedQuote{}, false, fmt.Errorf("failed to read quote for %s: %w", symbol, err)
	}

	var q domain.Quote
	if err := msgpack.Unmarshal(blob, &q); err != nil {
		return CachedQuote{}, false, fmt.Errorf("failed to unmarshal quote for %s: %w", symbol, err)
	}

	return CachedQuote{Quote: q, CachedAt: time.Unix(cachedAt, 0)}, true, nil
}

// Age returns how old the cached row for a symbol is, or nil when the
// symbol is not cached.
func (s *QuoteStore) Age(ctx context.Context, symbol string, now time.Time) (*time.Duration, error) {
	rows, err := s.GetBatch(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	cq, ok := rows[symbol]
	if !ok {
		return nil, nil
	}
	age := now.Sub(cq.CachedAt)
	return &age, nil
}

// SetCollectionStatus records the collector's last tick outcome so
// readers can detect staleness.
func (s *QuoteStore) SetCollectionStatus(ctx context.Context, ts time.Time, status string) error {
	return database.WithRetry(ctx, s.log, s.retry, "quote_cache.set_status", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO collector_meta (id, last_collection_ts, status) VALUES (1, ?, ?)",
			ts.Unix(), status)
		return err
	})
}

// CollectionStatus returns the last collection timestamp and status.
// ok is false when no collection has happened yet.
func (s *QuoteStore) CollectionStatus(ctx context.Context) (ts time.Time, status string, ok bool, err error) {
	var unix int64
	err = s.db.QueryRowContext(ctx,
		"SELECT last_collection_ts, status FROM collector_meta WHERE id = 1").
		Scan(&unix, &status)
	if err == sql.ErrNoRows {
		return time.Time{}, "", false, nil
	}
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("failed to read collector meta: %w", err)
	}
	return time.Unix(unix, 0), status, true, nil
}

// CheckFreshness returns domain.ErrStaleCache when the last collection
// is older than two collector ticks. Callers log a WARN and may fall
// back to direct provider queries.
func (s *QuoteStore) CheckFreshness(ctx context.Context, now time.Time, tick time.Duration) error {
	ts, _, ok, err := s.CollectionStatus(ctx)
	if err != nil {
		return err
	}
	if !ok || now.Sub(ts) > 2*tick {
		return domain.ErrStaleCache
	}
	return nil
}

// DeleteOlderThan evicts rows whose cached_at is older than maxAge.
// Returns the number of rows deleted.
func (s *QuoteStore) DeleteOlderThan(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	cutoff := now.Add(-maxAge).Unix()

	var deleted int64
	err := database.WithRetry(ctx, s.log, s.retry, "quote_cache.evict", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM quote_cache WHERE cached_at < ?", cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to evict stale quotes: %w", err)
	}

	s.mu.Lock()
	for symbol, cq := range s.mirror {
		if cq.CachedAt.Unix() < cutoff {
			delete(s.mirror, symbol)
		}
	}
	s.mu.Unlock()

	return deleted, nil
}

// Count returns the number of cached quote rows
func (s *QuoteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM quote_cache").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count quote rows: %w", err)
	}
	return n, nil
}

// DB exposes the underlying database for maintenance jobs
func (s *QuoteStore) DB() *database.DB {
	return s.db
}

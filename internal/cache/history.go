package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

// HistorySchema is the single source of truth for the history cache table.
const HistorySchema = `
CREATE TABLE IF NOT EXISTS history_cache (
	instrument_token INTEGER NOT NULL,
	interval         TEXT NOT NULL,
	from_date        TEXT NOT NULL,
	to_date          TEXT NOT NULL,
	candles          BLOB NOT NULL,
	expires_at       INTEGER NOT NULL,
	last_access      INTEGER NOT NULL,
	PRIMARY KEY (instrument_token, interval, from_date, to_date)
);
CREATE INDEX IF NOT EXISTS idx_history_cache_expires ON history_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_history_cache_access ON history_cache(last_access);
`

// TTL constants per series type.
// These are added to time.Now() when storing to calculate expires_at.
const (
	TTLHistoryDefault = 24 * time.Hour     // Intraday and daily candle series
	TTLVIXYearly      = 7 * 24 * time.Hour // 1-year VIX history for IV rank
)

// HistoryKey identifies a cached candle series
type HistoryKey struct {
	Token    int64
	Interval domain.Interval
	From     time.Time
	To       time.Time
}

func (k HistoryKey) fromDate() string { return k.From.Format("2006-01-02T15:04") }
func (k HistoryKey) toDate() string   { return k.To.Format("2006-01-02T15:04") }

// HistoryStore caches OHLCV candle series with per-key TTL and an LRU
// row cap. On miss the caller queries the provider and stores the
// result - the store never fetches on its own.
type HistoryStore struct {
	db      *database.DB
	retry   database.RetryConfig
	maxRows int
	log     zerolog.Logger
}

// NewHistoryStore creates the store and applies its schema
func NewHistoryStore(db *database.DB, retry database.RetryConfig, maxRows int, log zerolog.Logger) (*HistoryStore, error) {
	if err := db.Migrate(HistorySchema); err != nil {
		return nil, fmt.Errorf("failed to migrate history cache schema: %w", err)
	}
	return &HistoryStore{
		db:      db,
		retry:   retry,
		maxRows: maxRows,
		log:     log.With().Str("component", "history_cache").Logger(),
	}, nil
}

// Put stores a candle series with expiration = now + ttl, evicting the
// least recently used rows when the row cap is exceeded.
func (s *HistoryStore) Put(ctx context.Context, key HistoryKey, candles []domain.Candle, ttl time.Duration) error {
	blob, err := msgpack.Marshal(candles)
	if err != nil {
		return fmt.Errorf("failed to marshal candles: %w", err)
	}

	now := time.Now()
	err = database.WithRetry(ctx, s.log, s.retry, "history_cache.put", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO history_cache
			 (instrument_token, interval, from_date, to_date, candles, expires_at, last_access)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key.Token, string(key.Interval), key.fromDate(), key.toDate(),
			blob, now.Add(ttl).Unix(), now.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store candle series: %w", err)
	}

	return s.enforceRowCap(ctx)
}

// Get returns the cached series if present and fresh. The second return
// is false on miss or expiry; expired rows are left for the cleanup job.
func (s *HistoryStore) Get(ctx context.Context, key HistoryKey) ([]domain.Candle, bool, error) {
	var blob []byte
	now := time.Now()

	err := s.db.QueryRowContext(ctx,
		`SELECT candles FROM history_cache
		 WHERE instrument_token = ? AND interval = ? AND from_date = ? AND to_date = ?
		   AND expires_at > ?`,
		key.Token, string(key.Interval), key.fromDate(), key.toDate(), now.Unix()).
		Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read candle series: %w", err)
	}

	var candles []domain.Candle
	if err := msgpack.Unmarshal(blob, &candles); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal candle series: %w", err)
	}

	// Touch for LRU. Best effort - a lost touch only skews eviction order.
	_, _ = s.db.ExecContext(ctx,
		`UPDATE history_cache SET last_access = ?
		 WHERE instrument_token = ? AND interval = ? AND from_date = ? AND to_date = ?`,
		now.Unix(), key.Token, string(key.Interval), key.fromDate(), key.toDate())

	return candles, true, nil
}

// DeleteExpired removes all rows past their expiration.
// Returns the number of rows deleted.
func (s *HistoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	var deleted int64
	err := database.WithRetry(ctx, s.log, s.retry, "history_cache.delete_expired", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM history_cache WHERE expires_at < ?", time.Now().Unix())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired candle series: %w", err)
	}
	return deleted, nil
}

// enforceRowCap LRU-evicts rows beyond the configured limit
func (s *HistoryStore) enforceRowCap(ctx context.Context) error {
	if s.maxRows <= 0 {
		return nil
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_cache").Scan(&count); err != nil {
		return fmt.Errorf("failed to count history rows: %w", err)
	}
	if count <= int64(s.maxRows) {
		return nil
	}

	excess := count - int64(s.maxRows)
	err := database.WithRetry(ctx, s.log, s.retry, "history_cache.lru_evict", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM history_cache WHERE rowid IN (
				SELECT rowid FROM history_cache ORDER BY last_access ASC LIMIT ?)`, excess)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to LRU-evict history rows: %w", err)
	}

	s.log.Debug().Int64("evicted", excess).Msg("History cache row cap enforced")
	return nil
}

// Count returns the number of cached candle series
func (s *HistoryStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_cache").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history rows: %w", err)
	}
	return n, nil
}

// DB exposes the underlying database for maintenance jobs
func (s *HistoryStore) DB() *database.DB {
	return s.db
}

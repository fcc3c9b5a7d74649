// Package collector implements the central quote collector: the single
// logical writer of the quote and history caches. Every minute tick it
// polls the provider for the whole universe in rate-limited batches and
// upserts the results in one transaction.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/domain"
)

const (
	// StatusOK is the metadata status after a healthy tick
	StatusOK = "ok"

	// SymbolVIX gets the long-lookback history treatment
	SymbolVIX = "NSE:INDIA VIX"

	batchRetryBase = 500 * time.Millisecond
)

// InstrumentSource supplies the symbols to poll and their tokens
type InstrumentSource interface {
	Symbols() []string
	Token(symbol string) (int64, bool)
}

// Config holds collector tuning
type Config struct {
	BatchSize  int // Provider batch limit per quote request
	MaxRetries int // Per-batch retry budget
}

// Collector polls the provider and writes the shared caches. One
// instance runs as a scheduled task; nothing else writes the quote
// cache.
type Collector struct {
	provider domain.QuoteProvider
	quotes   *cache.QuoteStore
	history  *cache.HistoryStore
	source   InstrumentSource
	cfg      Config
	log      zerolog.Logger

	// onProviderError reports auth and availability failures for
	// health-ping dedup. May be nil.
	onProviderError func(error)
}

// New creates the collector
func New(provider domain.QuoteProvider, quotes *cache.QuoteStore, history *cache.HistoryStore,
	source InstrumentSource, cfg Config, onProviderError func(error), log zerolog.Logger) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Collector{
		provider:        provider,
		quotes:          quotes,
		history:         history,
		source:          source,
		cfg:             cfg,
		onProviderError: onProviderError,
		log:             log.With().Str("component", "collector").Logger(),
	}
}

// Name identifies the task in scheduler logs
func (c *Collector) Name() string { return "collector" }

// Run performs one collection tick: fetch all batches in parallel,
// stamp the results with the minute-truncated tick start, and upsert
// them in a single call. A single failed batch degrades the tick;
// only a whole-tick failure marks the cache stale.
func (c *Collector) Run(ctx context.Context) error {
	tickStart := time.Now().Truncate(time.Minute)
	symbols := c.source.Symbols()
	if len(symbols) == 0 {
		return nil
	}

	batches := chunk(symbols, c.cfg.BatchSize)

	var (
		mu     sync.Mutex
		merged = make(map[string]domain.Quote, len(symbols))
		failed int
		wg     sync.WaitGroup
	)

	for _, batch := range batches {
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			quotes, err := c.fetchBatch(ctx, batch)
			if err != nil {
				c.log.Warn().Err(err).Int("symbols", len(batch)).Msg("Batch fetch failed")
				c.reportProviderError(err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			for symbol, q := range quotes {
				merged[symbol] = q
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if failed == len(batches) {
		err := fmt.Errorf("all %d quote batches failed", len(batches))
		if statusErr := c.quotes.SetCollectionStatus(ctx, tickStart, "error: "+err.Error()); statusErr != nil {
			c.log.Error().Err(statusErr).Msg("Failed to record collection error status")
		}
		return err
	}

	if err := c.quotes.PutBatch(ctx, merged, tickStart); err != nil {
		if statusErr := c.quotes.SetCollectionStatus(ctx, tickStart, "error: "+err.Error()); statusErr != nil {
			c.log.Error().Err(statusErr).Msg("Failed to record collection error status")
		}
		return fmt.Errorf("failed to store collected quotes: %w", err)
	}

	if err := c.quotes.SetCollectionStatus(ctx, tickStart, StatusOK); err != nil {
		return fmt.Errorf("failed to record collection status: %w", err)
	}

	c.log.Debug().
		Int("quotes", len(merged)).
		Int("batches", len(batches)).
		Int("failed_batches", failed).
		Time("tick", tickStart).
		Msg("Collection tick complete")
	return nil
}

// fetchBatch retries one batch with exponential backoff. Context
// cancellation aborts between attempts.
func (c *Collector) fetchBatch(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := batchRetryBase << uint(attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		quotes, err := c.provider.QuoteBatch(ctx, symbols)
		if err == nil {
			return quotes, nil
		}
		lastErr = err

		// Auth failures never heal by retrying
		if errors.Is(err, domain.ErrProviderAuth) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("batch failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Collector) reportProviderError(err error) {
	if c.onProviderError == nil {
		return
	}
	if errors.Is(err, domain.ErrProviderAuth) || errors.Is(err, domain.ErrProviderUnavailable) {
		c.onProviderError(err)
	}
}

// Lookback spans for the warm history series
const (
	DailySpan = 10 * 24 * time.Hour  // ADV and range inputs
	VIXSpan   = 365 * 24 * time.Hour // IV rank percentile base
)

// DailyHistoryKey is the shared cache key for a symbol's recent daily
// candles. The monitors and the evaluator read through the same key
// the refresh task writes.
func DailyHistoryKey(token int64, now time.Time) cache.HistoryKey {
	to := now.Truncate(24 * time.Hour)
	return cache.HistoryKey{Token: token, Interval: domain.Interval1d, From: to.Add(-DailySpan), To: to}
}

// VIXHistoryKey is the shared cache key for the 1-year VIX series
func VIXHistoryKey(token int64, now time.Time) cache.HistoryKey {
	to := now.Truncate(24 * time.Hour)
	return cache.HistoryKey{Token: token, Interval: domain.Interval1d, From: to.Add(-VIXSpan), To: to}
}

// RefreshHistory runs on its own, slower cadence and keeps the candle
// series the evaluator and monitors depend on warm: a year of VIX
// dailies for IV rank, and recent dailies per watched symbol for
// average-daily-volume filters.
func (c *Collector) RefreshHistory(ctx context.Context, now time.Time) error {
	type series struct {
		symbol string
		key    cache.HistoryKey
		ttl    time.Duration
	}

	var plan []series
	if token, ok := c.source.Token(SymbolVIX); ok {
		plan = append(plan, series{SymbolVIX, VIXHistoryKey(token, now), cache.TTLVIXYearly})
	}
	for _, symbol := range c.source.Symbols() {
		if symbol == SymbolVIX {
			continue
		}
		token, ok := c.source.Token(symbol)
		if !ok {
			continue
		}
		plan = append(plan, series{symbol, DailyHistoryKey(token, now), cache.TTLHistoryDefault})
	}

	var refreshed, failures int
	for _, s := range plan {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, hit, err := c.history.Get(ctx, s.key); err == nil && hit {
			continue
		}

		candles, err := c.provider.Historical(ctx, s.key.Token, s.key.Interval, s.key.From, s.key.To)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", s.symbol).Msg("History refresh failed")
			c.reportProviderError(err)
			failures++
			continue
		}
		if err := c.history.Put(ctx, s.key, candles, s.ttl); err != nil {
			c.log.Warn().Err(err).Str("symbol", s.symbol).Msg("Failed to cache refreshed history")
			failures++
			continue
		}
		refreshed++
	}

	c.log.Debug().Int("refreshed", refreshed).Int("failures", failures).Msg("History refresh complete")
	return nil
}

// IngestStream folds live ticker quotes into the cache until the
// context ends. Stream ticks carry their own timestamps; the cache
// row's cached_at is still minute-truncated so the snapshot append
// rule holds.
func (c *Collector) IngestStream(ctx context.Context, ticks <-chan domain.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-ticks:
			if !ok {
				return
			}
			cachedAt := q.Timestamp.Truncate(time.Minute)
			if cachedAt.IsZero() {
				cachedAt = time.Now().Truncate(time.Minute)
			}
			if err := c.quotes.PutBatch(ctx, map[string]domain.Quote{q.Symbol: q}, cachedAt); err != nil {
				c.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to fold stream tick into cache")
			}
		}
	}
}

func chunk(symbols []string, size int) [][]string {
	var out [][]string
	for len(symbols) > size {
		out = append(out, symbols[:size])
		symbols = symbols[size:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}

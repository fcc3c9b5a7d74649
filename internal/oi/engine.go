// Package oi classifies open-interest and price co-movement for F&O
// instruments against a per-day baseline.
//
// Behavior classification (2x2 matrix):
//
//	price up,   OI up   -> LONG_BUILDUP    (bullish)
//	price down, OI up   -> SHORT_BUILDUP   (bearish)
//	price up,   OI down -> SHORT_COVERING  (bullish-neutral)
//	price down, OI down -> LONG_UNWINDING  (bearish-neutral)
package oi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

// Schema is the single source of truth for the OI baseline table.
// The baseline persists across restarts so a mid-day restart retains
// the morning's day-start values.
const Schema = `
CREATE TABLE IF NOT EXISTS oi_baseline (
	symbol       TEXT PRIMARY KEY,
	trading_day  TEXT NOT NULL,
	day_start_oi INTEGER NOT NULL,
	day_start_px REAL NOT NULL,
	recorded_at  INTEGER NOT NULL
);
`

// Bands holds the strength band boundaries on |oi_change_pct|
type Bands struct {
	Minimal     float64 // below: MINIMAL
	Significant float64 // [Minimal, Significant): SIGNIFICANT
	Strong      float64 // [Significant, Strong): STRONG; at or above: VERY_STRONG
}

// DefaultBands returns the standard classification bands
func DefaultBands() Bands {
	return Bands{Minimal: 1, Significant: 5, Strong: 10}
}

type baseline struct {
	tradingDay string
	oi         int64
	price      float64
}

// Engine records day-start baselines and classifies OI patterns.
// Safe for concurrent use by multiple monitor tasks.
type Engine struct {
	db    *database.DB
	retry database.RetryConfig
	loc   *time.Location
	bands Bands
	log   zerolog.Logger

	mu        sync.Mutex
	baselines map[string]baseline
}

// NewEngine creates the engine, applying its schema and loading any
// persisted baselines.
func NewEngine(db *database.DB, retry database.RetryConfig, loc *time.Location, bands Bands, log zerolog.Logger) (*Engine, error) {
	if err := db.Migrate(Schema); err != nil {
		return nil, fmt.Errorf("failed to migrate oi baseline schema: %w", err)
	}

	e := &Engine{
		db:        db,
		retry:     retry,
		loc:       loc,
		bands:     bands,
		log:       log.With().Str("component", "oi_engine").Logger(),
		baselines: make(map[string]baseline),
	}

	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load() error {
	rows, err := e.db.Query("SELECT symbol, trading_day, day_start_oi, day_start_px FROM oi_baseline")
	if err != nil {
		return fmt.Errorf("failed to load oi baselines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var b baseline
		if err := rows.Scan(&symbol, &b.tradingDay, &b.oi, &b.price); err != nil {
			return fmt.Errorf("failed to scan oi baseline row: %w", err)
		}
		e.baselines[symbol] = b
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate oi baselines: %w", err)
	}

	if len(e.baselines) > 0 {
		e.log.Info().Int("count", len(e.baselines)).Msg("Restored OI baselines")
	}
	return nil
}

// Analyze classifies the current quote against the day-start baseline.
// The first quote of a trading day with valid OI becomes the baseline;
// for that quote (and for quotes without OI) the result is nil. The
// baseline is set exactly once per trading day.
func (e *Engine) Analyze(ctx context.Context, symbol string, q domain.Quote, now time.Time) (*domain.OIAnalysis, error) {
	if q.OpenInterest <= 0 || q.LastPrice <= 0 {
		return nil, nil
	}

	day := now.In(e.loc).Format("2006-01-02")

	e.mu.Lock()
	b, ok := e.baselines[symbol]
	if !ok || b.tradingDay != day {
		// New trading day: record the baseline once.
		b = baseline{tradingDay: day, oi: q.OpenInterest, price: q.LastPrice}
		e.baselines[symbol] = b
		e.mu.Unlock()

		if err := e.persist(ctx, symbol, b, now); err != nil {
			return nil, err
		}
		e.log.Debug().
			Str("symbol", symbol).
			Int64("day_start_oi", q.OpenInterest).
			Str("day", day).
			Msg("Recorded OI day-start baseline")
		return nil, nil
	}
	e.mu.Unlock()

	if b.oi == 0 || b.price == 0 {
		return nil, nil
	}

	oiChangePct := float64(q.OpenInterest-b.oi) / float64(b.oi) * 100
	priceChangePct := (q.LastPrice - b.price) / b.price * 100

	analysis := &domain.OIAnalysis{
		Pattern:        classify(priceChangePct, oiChangePct),
		DayStartOI:     b.oi,
		CurrentOI:      q.OpenInterest,
		OIChangePct:    oiChangePct,
		PriceChangePct: priceChangePct,
	}
	analysis.Strength = e.strength(oiChangePct)
	analysis.Priority = priority(analysis.Strength, analysis.Pattern)

	return analysis, nil
}

func (e *Engine) persist(ctx context.Context, symbol string, b baseline, now time.Time) error {
	return database.WithRetry(ctx, e.log, e.retry, "oi_baseline.persist", func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO oi_baseline
			 (symbol, trading_day, day_start_oi, day_start_px, recorded_at)
			 VALUES (?, ?, ?, ?, ?)`,
			symbol, b.tradingDay, b.oi, b.price, now.Unix())
		return err
	})
}

// Baseline returns the recorded day-start OI for a symbol, if any.
// Used by tests and the status server.
func (e *Engine) Baseline(symbol string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.baselines[symbol]
	if !ok {
		return 0, false
	}
	return b.oi, true
}

func classify(priceChangePct, oiChangePct float64) domain.OIPattern {
	switch {
	case priceChangePct > 0 && oiChangePct > 0:
		return domain.PatternLongBuildup
	case priceChangePct < 0 && oiChangePct > 0:
		return domain.PatternShortBuildup
	case priceChangePct > 0 && oiChangePct < 0:
		return domain.PatternShortCovering
	default:
		return domain.PatternLongUnwinding
	}
}

func (e *Engine) strength(oiChangePct float64) domain.OIStrength {
	abs := oiChangePct
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < e.bands.Minimal:
		return domain.StrengthMinimal
	case abs < e.bands.Significant:
		return domain.StrengthSignificant
	case abs < e.bands.Strong:
		return domain.StrengthStrong
	default:
		return domain.StrengthVeryStrong
	}
}

// priority maps strength to alert priority. SIGNIFICANT splits on the
// pattern: fresh position buildups rank MEDIUM, unwinds rank LOW.
func priority(s domain.OIStrength, p domain.OIPattern) domain.OIPriority {
	switch s {
	case domain.StrengthMinimal:
		return domain.PriorityLow
	case domain.StrengthSignificant:
		if p == domain.PatternLongBuildup || p == domain.PatternShortBuildup {
			return domain.PriorityMedium
		}
		return domain.PriorityLow
	default:
		return domain.PriorityHigh
	}
}

// ClearStale removes baselines from previous trading days, keeping the
// table bounded. Run daily after session close.
func (e *Engine) ClearStale(ctx context.Context, now time.Time) (int64, error) {
	day := now.In(e.loc).Format("2006-01-02")

	var deleted int64
	err := database.WithRetry(ctx, e.log, e.retry, "oi_baseline.clear_stale", func(ctx context.Context) error {
		res, err := e.db.ExecContext(ctx, "DELETE FROM oi_baseline WHERE trading_day <> ?", day)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale oi baselines: %w", err)
	}

	e.mu.Lock()
	for symbol, b := range e.baselines {
		if b.tradingDay != day {
			delete(e.baselines, symbol)
		}
	}
	e.mu.Unlock()

	return deleted, nil
}

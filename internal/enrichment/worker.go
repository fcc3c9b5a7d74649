// Package enrichment backfills the reserved post-alert price slots
// (+2m, +10m, end-of-day) on logged alerts.
//
// Slots are only ever filled from historical candle data at the exact
// target instant. The live last-price is never written: a slot whose
// candle is not yet available stays blank and is retried on the next
// cycle, up to the configured retry cap.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
)

// slot target offsets
const (
	offsetPlus2m  = 2 * time.Minute
	offsetPlus10m = 10 * time.Minute
)

// candleTolerance matches a candle bucket to a slot target
const candleTolerance = time.Minute

// scanLimit bounds one cycle's worth of log rows
const scanLimit = 200

// TokenResolver maps a cached symbol to its instrument token for
// history requests. Symbols without a known token cannot be enriched.
type TokenResolver interface {
	Token(symbol string) (int64, bool)
}

// Worker drains the enrichment backlog. One instance runs as a
// scheduled task; Enqueue wakes it early when the fanout logs a new
// alert, but the log scan is the source of truth.
type Worker struct {
	alertLog   *alerts.Log
	history    *cache.HistoryStore
	provider   domain.QuoteProvider
	resolver   TokenResolver
	calendar   *market.Calendar
	maxRetries int
	now        func() time.Time
	log        zerolog.Logger

	wake chan struct{}

	// per-cycle memo of minute-candle fetches, keyed by (token, day)
	fetched map[fetchKey][]domain.Candle
}

type fetchKey struct {
	token int64
	day   string
}

// NewWorker wires the enrichment worker
func NewWorker(alertLog *alerts.Log, history *cache.HistoryStore, provider domain.QuoteProvider,
	resolver TokenResolver, calendar *market.Calendar, maxRetries int,
	now func() time.Time, log zerolog.Logger) *Worker {
	if now == nil {
		now = time.Now
	}
	return &Worker{
		alertLog:   alertLog,
		history:    history,
		provider:   provider,
		resolver:   resolver,
		calendar:   calendar,
		maxRetries: maxRetries,
		now:        now,
		log:        log.With().Str("component", "enrichment_worker").Logger(),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue implements alerts.Enqueuer: a freshly logged alert nudges
// the worker so the +2m slot lands close to its target. Non-blocking.
func (w *Worker) Enqueue(_ int64, _ string, _ time.Time) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel the scheduler may select on to run an
// early cycle.
func (w *Worker) Wake() <-chan struct{} {
	return w.wake
}

// Name identifies the task in scheduler logs
func (w *Worker) Name() string { return "enrichment" }

// Run performs one enrichment cycle: scan the log for rows with
// reachable empty slots, group candle fetches per (symbol, day), and
// fill what the historical data allows.
func (w *Worker) Run(ctx context.Context) error {
	now := w.now()
	pending, err := w.alertLog.PendingEnrichment(ctx, now, w.maxRetries, scanLimit)
	if err != nil {
		return fmt.Errorf("failed to scan enrichment backlog: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	w.fetched = make(map[fetchKey][]domain.Candle)
	defer func() { w.fetched = nil }()

	filled := 0
	for _, row := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := w.enrichRow(ctx, row, now)
		if err != nil {
			w.log.Warn().Err(err).Int64("row_id", row.RowID).Msg("Row enrichment failed")
			continue
		}
		filled += n
	}

	if filled > 0 {
		w.log.Info().Int("rows", len(pending)).Int("slots_filled", filled).Msg("Enrichment cycle complete")
	}
	return nil
}

func (w *Worker) enrichRow(ctx context.Context, row alerts.PendingRow, now time.Time) (int, error) {
	token, ok := w.resolver.Token(row.Symbol)
	if !ok {
		// Unknown token: burn a retry on every empty slot so the row is
		// eventually abandoned instead of rescanned forever.
		for _, slot := range []domain.EnrichmentSlot{domain.SlotPlus2m, domain.SlotPlus10m, domain.SlotEOD} {
			if row.SlotEmpty(slot) && row.Retries(slot) < w.maxRetries {
				w.bumpRetry(ctx, row, slot)
			}
		}
		return 0, fmt.Errorf("no instrument token for %s", row.Symbol)
	}

	filled := 0
	for _, target := range []struct {
		slot   domain.EnrichmentSlot
		offset time.Duration
	}{
		{domain.SlotPlus2m, offsetPlus2m},
		{domain.SlotPlus10m, offsetPlus10m},
	} {
		if !row.SlotEmpty(target.slot) || row.Retries(target.slot) >= w.maxRetries {
			continue
		}
		if now.Before(row.AlertTS.Add(target.offset)) {
			continue
		}
		ok, err := w.fillMinuteSlot(ctx, row, token, target.slot, row.AlertTS.Add(target.offset))
		if err != nil {
			return filled, err
		}
		if ok {
			filled++
		}
	}

	if row.SlotEmpty(domain.SlotEOD) && row.Retries(domain.SlotEOD) < w.maxRetries {
		ok, err := w.fillEODSlot(ctx, row, token, now)
		if err != nil {
			return filled, err
		}
		if ok {
			filled++
		}
	}

	return filled, nil
}

// fillMinuteSlot writes the close of the 1-minute candle whose bucket
// start matches the target, within the tolerance.
func (w *Worker) fillMinuteSlot(ctx context.Context, row alerts.PendingRow, token int64, slot domain.EnrichmentSlot, target time.Time) (bool, error) {
	candles, err := w.minuteCandles(ctx, token, row.AlertTS)
	if err != nil {
		w.bumpRetry(ctx, row, slot)
		return false, fmt.Errorf("failed to fetch minute candles for %s: %w", row.Symbol, err)
	}

	candle, ok := candleAt(candles, target, candleTolerance)
	if !ok {
		w.bumpRetry(ctx, row, slot)
		return false, nil
	}

	return w.writeSlot(row, slot, candle.Close)
}

// fillEODSlot writes the close of the alert day's daily candle. It
// waits for the session to be over so the candle is final.
func (w *Worker) fillEODSlot(ctx context.Context, row alerts.PendingRow, token int64, now time.Time) (bool, error) {
	_, sessionClose := w.calendar.SessionBoundaries(row.AlertTS)
	if now.Before(sessionClose) {
		// Not a failure: the target simply has not arrived yet
		return false, nil
	}

	dayStart, _ := w.calendar.SessionBoundaries(row.AlertTS)
	candles, err := w.provider.Historical(ctx, token, domain.Interval1d, dayStart, sessionClose)
	if err != nil {
		w.bumpRetry(ctx, row, domain.SlotEOD)
		return false, fmt.Errorf("failed to fetch daily candle for %s: %w", row.Symbol, err)
	}

	// Last daily candle on the alert date
	var eod *domain.Candle
	for i := range candles {
		if w.calendar.SameTradingDay(candles[i].Timestamp, row.AlertTS) {
			eod = &candles[i]
		}
	}
	if eod == nil {
		w.bumpRetry(ctx, row, domain.SlotEOD)
		return false, nil
	}

	return w.writeSlot(row, domain.SlotEOD, eod.Close)
}

// minuteCandles returns the alert day's 1-minute series. During the
// session the provider is queried directly (the series is still
// growing); after close the result is cached for reuse across cycles.
// Fetches are memoized per (token, day) within one cycle.
func (w *Worker) minuteCandles(ctx context.Context, token int64, alertTS time.Time) ([]domain.Candle, error) {
	sessionOpen, sessionClose := w.calendar.SessionBoundaries(alertTS)
	key := fetchKey{token, sessionOpen.Format("2006-01-02")}

	if candles, ok := w.fetched[key]; ok {
		return candles, nil
	}

	now := w.now()
	cacheKey := cache.HistoryKey{Token: token, Interval: domain.Interval1m, From: sessionOpen, To: sessionClose}

	if now.After(sessionClose) {
		if candles, hit, err := w.history.Get(ctx, cacheKey); err == nil && hit {
			w.fetched[key] = candles
			return candles, nil
		}
	}

	candles, err := w.provider.Historical(ctx, token, domain.Interval1m, sessionOpen, sessionClose)
	if err != nil {
		return nil, err
	}

	if now.After(sessionClose) {
		if err := w.history.Put(ctx, cacheKey, candles, cache.TTLHistoryDefault); err != nil {
			w.log.Warn().Err(err).Int64("token", token).Msg("Failed to cache minute candles")
		}
	}

	w.fetched[key] = candles
	return candles, nil
}

// writeSlot performs the write-once update. An already-populated slot
// is not an error here: another cycle won the race.
func (w *Worker) writeSlot(row alerts.PendingRow, slot domain.EnrichmentSlot, value float64) (bool, error) {
	err := w.alertLog.UpdateSlot(row.RowID, slot, value)
	if errors.Is(err, domain.ErrSlotPopulated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	w.log.Debug().
		Int64("row_id", row.RowID).
		Str("symbol", row.Symbol).
		Str("slot", string(slot)).
		Float64("value", value).
		Msg("Enrichment slot filled")
	return true, nil
}

func (w *Worker) bumpRetry(ctx context.Context, row alerts.PendingRow, slot domain.EnrichmentSlot) {
	count, err := w.alertLog.BumpRetry(ctx, row.RowID, slot)
	if err != nil {
		w.log.Warn().Err(err).Int64("row_id", row.RowID).Msg("Failed to record enrichment retry")
		return
	}
	if count >= w.maxRetries {
		w.log.Warn().
			Int64("row_id", row.RowID).
			Str("symbol", row.Symbol).
			Str("slot", string(slot)).
			Int("retries", count).
			Msg("Enrichment slot abandoned")
	}
}

// candleAt finds the candle whose bucket start is closest to target
// within the tolerance.
func candleAt(candles []domain.Candle, target time.Time, tolerance time.Duration) (domain.Candle, bool) {
	var best domain.Candle
	bestDist := tolerance + 1
	for _, c := range candles {
		dist := c.Timestamp.Sub(target)
		if dist < 0 {
			dist = -dist
		}
		if dist <= tolerance && dist < bestDist {
			best = c
			bestDist = dist
		}
	}
	return best, bestDist <= tolerance
}

// Package monitors glues the pipeline together: each monitor tick
// reads the shared quote cache, advances the rolling snapshot rings,
// asks the OI engine and the detector for candidates, gates them
// through the cooldown manager and emits survivors via the fanout.
package monitors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/collector"
	"github.com/karthikm/nsewatch/internal/detector"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/oi"
	"github.com/karthikm/nsewatch/internal/snapshots"
)

// InstrumentSource supplies the watched symbols and their metadata
type InstrumentSource interface {
	Symbols() []string
	Token(symbol string) (int64, bool)
	Instrument(symbol string) (domain.Instrument, bool)
}

// Pipeline is the shared state of the monitor tasks. The snapshot
// store is task-local per pipeline; the 1-minute and 5-minute monitors
// each own one pipeline instance.
type Pipeline struct {
	quotes   *cache.QuoteStore
	history  *cache.HistoryStore
	provider domain.QuoteProvider
	source   InstrumentSource
	rings    *snapshots.Store
	oiEngine *oi.Engine
	cooldown *alerts.CooldownManager
	fanout   *alerts.Fanout
	calendar *market.Calendar
	detCfg   detector.Config
	tick     time.Duration
	clock    func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	lastTick time.Time

	advMu  sync.Mutex
	advDay string
	adv    map[string]float64
}

// NewPipeline wires one monitor pipeline
func NewPipeline(quotes *cache.QuoteStore, history *cache.HistoryStore, provider domain.QuoteProvider,
	source InstrumentSource, oiEngine *oi.Engine, cooldown *alerts.CooldownManager, fanout *alerts.Fanout,
	calendar *market.Calendar, detCfg detector.Config, tick time.Duration,
	clock func() time.Time, log zerolog.Logger) *Pipeline {
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		quotes:   quotes,
		history:  history,
		provider: provider,
		source:   source,
		rings:    snapshots.NewStore(),
		oiEngine: oiEngine,
		cooldown: cooldown,
		fanout:   fanout,
		calendar: calendar,
		detCfg:   detCfg,
		tick:     tick,
		clock:    clock,
		log:      log,
		adv:      make(map[string]float64),
	}
}

// RunMultiHorizon is the 5-minute monitor tick: volume spike, 5m, 10m
// and 30m rules per instrument.
func (p *Pipeline) RunMultiHorizon(ctx context.Context) error {
	return p.run(ctx, false)
}

// RunOneMinute is the 1-minute monitor tick with its additional
// liquidity and momentum filters.
func (p *Pipeline) RunOneMinute(ctx context.Context) error {
	return p.run(ctx, true)
}

func (p *Pipeline) run(ctx context.Context, oneMinute bool) error {
	now := p.clock()
	p.resetOnDayTransition(now)

	cached, err := p.loadQuotes(ctx, now)
	if err != nil {
		return err
	}
	if len(cached) == 0 {
		return nil
	}

	sessionOpen, _ := p.calendar.SessionBoundaries(now)

	var emitted int
	for symbol, cq := range cached {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.rings.Append(symbol, cq.Quote, cq.CachedAt)
		ring := p.rings.Ring(symbol)

		analysis := p.analyzeOI(ctx, symbol, cq.Quote, now)

		in := detector.Input{
			Symbol:      symbol,
			Ring:        ring,
			Now:         now,
			SessionOpen: sessionOpen,
			OI:          analysis,
		}

		var candidates []domain.Alert
		if oneMinute {
			in.AvgDailyVolume = p.averageDailyVolume(ctx, symbol, now)
			if a := detector.DetectOneMinute(in, p.detCfg); a != nil {
				candidates = append(candidates, *a)
			}
		} else {
			candidates = detector.Detect(in, p.detCfg)
		}

		for _, candidate := range candidates {
			if !p.cooldown.ShouldEmit(ctx, candidate.Symbol, candidate.Kind, candidate.Timestamp) {
				continue
			}
			if _, err := p.fanout.Emit(ctx, candidate); err != nil {
				p.log.Error().Err(err).Str("symbol", candidate.Symbol).Msg("Alert emission failed")
				continue
			}
			emitted++
		}
	}

	if emitted > 0 {
		p.log.Info().Int("alerts", emitted).Msg("Monitor tick emitted alerts")
	}
	return nil
}

// loadQuotes reads the cache; when the collector metadata says the
// cache is stale the monitor falls back to a direct provider query.
func (p *Pipeline) loadQuotes(ctx context.Context, now time.Time) (map[string]cache.CachedQuote, error) {
	symbols := p.source.Symbols()
	if len(symbols) == 0 {
		return nil, nil
	}

	if err := p.quotes.CheckFreshness(ctx, now, p.tick); err != nil {
		if !errors.Is(err, domain.ErrStaleCache) {
			return nil, fmt.Errorf("failed to check cache freshness: %w", err)
		}

		p.log.Warn().Msg("Quote cache is stale, falling back to direct provider query")
		fresh, qerr := p.provider.QuoteBatch(ctx, symbols)
		if qerr != nil {
			return nil, fmt.Errorf("stale cache and provider fallback failed: %w", qerr)
		}
		out := make(map[string]cache.CachedQuote, len(fresh))
		tick := now.Truncate(time.Minute)
		for s, q := range fresh {
			out[s] = cache.CachedQuote{Quote: q, CachedAt: tick}
		}
		return out, nil
	}

	return p.quotes.GetBatch(ctx, symbols)
}

// analyzeOI runs the OI engine for derivatives only. Errors degrade
// the alert to price-only context.
func (p *Pipeline) analyzeOI(ctx context.Context, symbol string, q domain.Quote, now time.Time) *domain.OIAnalysis {
	inst, ok := p.source.Instrument(symbol)
	if !ok || !inst.IsDerivative() {
		return nil
	}

	analysis, err := p.oiEngine.Analyze(ctx, symbol, q, now)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("OI analysis failed")
		return nil
	}
	return analysis
}

// resetOnDayTransition clears every ring before the first tick of a
// new trading day. Yesterday's snapshots must never feed lookbacks.
func (p *Pipeline) resetOnDayTransition(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastTick.IsZero() && !p.calendar.SameTradingDay(p.lastTick, now) {
		p.rings.Reset()
		p.log.Info().Time("now", now).Msg("Day transition: snapshot rings cleared")
	}
	p.lastTick = now
}

// averageDailyVolume reads the warmed daily candle series and memoizes
// the per-symbol average for the day. Missing history returns 0, which
// the detector's min-ADV filter rejects.
func (p *Pipeline) averageDailyVolume(ctx context.Context, symbol string, now time.Time) float64 {
	day := now.Format("2006-01-02")

	p.advMu.Lock()
	if p.advDay != day {
		p.advDay = day
		p.adv = make(map[string]float64)
	}
	if v, ok := p.adv[symbol]; ok {
		p.advMu.Unlock()
		return v
	}
	p.advMu.Unlock()

	var avg float64
	if token, ok := p.source.Token(symbol); ok {
		candles, hit, err := p.history.Get(ctx, collector.DailyHistoryKey(token, now))
		if err == nil && hit && len(candles) > 0 {
			var total int64
			for _, c := range candles {
				total += c.Volume
			}
			avg = float64(total) / float64(len(candles))
		}
	}

	p.advMu.Lock()
	p.adv[symbol] = avg
	p.advMu.Unlock()
	return avg
}

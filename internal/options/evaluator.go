// Package options implements the daily option-selling evaluator: a
// hard-veto gate over volatility conditions, a pluggable composite
// scorer, and the intraday exit/add monitor for an open position.
package options

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/collector"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/universe"
)

// Signal is the evaluator's daily verdict
type Signal string

const (
	SignalAvoid Signal = "AVOID"
	SignalHold  Signal = "HOLD"
	SignalSell  Signal = "SELL"
)

// Config holds the veto floors and position-management triggers
type Config struct {
	IVRankFloor float64 // Veto: IV rank below this
	RVIVCap     float64 // Veto: realized/implied ratio above this
	RangeCap    float64 // Veto: 5-day avg daily range percent above this

	EntryHour   int // Entry window start, exchange local time
	EntryMinute int

	ExitScoreDrop   float64       // Exit: composite fell this much from entry
	ExitPointsMoved float64       // Exit: index moved this far from entry
	MaxLayers       int           // Add: layered position cap
	LayerSpacing    time.Duration // Add: minimum gap between layers
	LayerScoreGain  float64       // Add: score improvement over last layer
}

// DefaultConfig returns the standard evaluator tuning
func DefaultConfig() Config {
	return Config{
		IVRankFloor:     15,
		RVIVCap:         1.2,
		RangeCap:        1.5,
		EntryHour:       10,
		EntryMinute:     0,
		ExitScoreDrop:   20,
		ExitPointsMoved: 100,
		MaxLayers:       3,
		LayerSpacing:    30 * time.Minute,
		LayerScoreGain:  10,
	}
}

// Factors is everything the scorer may weigh. The veto gate consumes
// the volatility fields; the rest is opaque to the evaluator core.
type Factors struct {
	VIX             float64
	VIXTrend3d      float64 // Per-day slope of the last 3 VIX closes
	IVRank          float64 // Percentile of VIX within its 1-year range
	RVIVRatio       float64 // 5-day realized vol over implied (VIX)
	AvgDailyRange5d float64 // Percent of close
	AvgRange3d      float64 // Shorter-window range percent
	Spot            float64 // Underlying index level
	OI              *domain.OIAnalysis
}

// Scorer turns factors into a composite score and signal. The built-in
// implementation is a weighted sum; strategies may replace it.
type Scorer interface {
	Score(f Factors) (float64, Signal)
}

// layer is one recorded position entry
type layer struct {
	at    time.Time
	score float64
}

// entryState is the recorded state of today's position
type entryState struct {
	day    string
	at     time.Time
	signal Signal
	score  float64
	spot   float64
	ivRank float64
	layers []layer
}

// Evaluator runs once per day in the entry window and every 15 minutes
// afterwards while a position is open.
type Evaluator struct {
	quotes   *cache.QuoteStore
	history  *cache.HistoryStore
	source   InstrumentSource
	scorer   Scorer
	notifier domain.Notifier
	calendar *market.Calendar
	cfg      Config
	clock    func() time.Time
	log      zerolog.Logger

	mu    sync.Mutex
	state *entryState
}

// InstrumentSource resolves tokens and the current option chain.
// *universe.Universe satisfies it.
type InstrumentSource interface {
	Token(symbol string) (int64, bool)
	NiftyChain() []domain.Instrument
}

// New creates the evaluator. A nil scorer uses the built-in weights.
func New(quotes *cache.QuoteStore, history *cache.HistoryStore, source InstrumentSource,
	scorer Scorer, notifier domain.Notifier, calendar *market.Calendar,
	cfg Config, clock func() time.Time, log zerolog.Logger) *Evaluator {
	if scorer == nil {
		scorer = WeightedScorer{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{
		quotes:   quotes,
		history:  history,
		source:   source,
		scorer:   scorer,
		notifier: notifier,
		calendar: calendar,
		cfg:      cfg,
		clock:    clock,
		log:      log.With().Str("component", "options_evaluator").Logger(),
	}
}

// RunEntry evaluates the daily entry once the entry window opens.
// Repeat calls on the same day are no-ops.
func (e *Evaluator) RunEntry(ctx context.Context) error {
	now := e.clock()
	day := now.In(e.calendar.Location()).Format("2006-01-02")

	local := now.In(e.calendar.Location())
	windowOpen := local.Hour() > e.cfg.EntryHour ||
		(local.Hour() == e.cfg.EntryHour && local.Minute() >= e.cfg.EntryMinute)
	if !windowOpen {
		return nil
	}

	e.mu.Lock()
	if e.state != nil && e.state.day == day {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	factors, err := e.gather(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to gather evaluation factors: %w", err)
	}

	score, signal := e.evaluate(factors)

	st := &entryState{
		day:    day,
		at:     now,
		signal: signal,
		score:  score,
		spot:   factors.Spot,
		ivRank: factors.IVRank,
	}
	if signal == SignalSell {
		st.layers = []layer{{at: now, score: score}}
	}

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()

	e.log.Info().
		Str("signal", string(signal)).
		Float64("score", score).
		Float64("iv_rank", factors.IVRank).
		Float64("vix", factors.VIX).
		Msg("Daily option-selling evaluation")

	msg := fmt.Sprintf("Option selling %s | score %.0f | IV rank %.0f%% | VIX %.2f | RV/IV %.2f",
		signal, score, factors.IVRank, factors.VIX, factors.RVIVRatio)
	if signal == SignalSell {
		msg += strikeSuggestion(e.source.NiftyChain(), factors.Spot)
	}
	e.notify(ctx, msg)
	return nil
}

// strikeSuggestion formats the ATM and OTM strikes for a SELL entry.
// Empty when no chain has been resolved yet.
func strikeSuggestion(chain []domain.Instrument, spot float64) string {
	atm, otmCall, otmPut := universe.SelectStrikes(chain, spot)
	if atm == nil {
		return ""
	}
	s := fmt.Sprintf(" | strikes ATM %.0f", atm.Strike)
	if otmCall != nil && otmPut != nil {
		s += fmt.Sprintf(", OTM %.0fCE / %.0fPE", otmCall.Strike, otmPut.Strike)
	}
	return s
}

// RunMonitor re-evaluates an open position: exit on deterioration,
// layer on improvement.
func (e *Evaluator) RunMonitor(ctx context.Context) error {
	now := e.clock()
	day := now.In(e.calendar.Location()).Format("2006-01-02")

	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	if st == nil || st.day != day || st.signal != SignalSell {
		return nil
	}

	factors, err := e.gather(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to gather monitor factors: %w", err)
	}
	score, _ := e.evaluate(factors)

	if reason := e.exitReason(st, factors, score); reason != "" {
		e.log.Warn().Str("reason", reason).Float64("score", score).Msg("Position exit triggered")
		e.notify(ctx, fmt.Sprintf("EXIT option position: %s | score %.0f (entry %.0f) | spot %.2f (entry %.2f)",
			reason, score, st.score, factors.Spot, st.spot))

		e.mu.Lock()
		st.signal = SignalAvoid // Stops further monitoring today
		e.mu.Unlock()
		return nil
	}

	if e.shouldLayer(st, score, now) {
		e.mu.Lock()
		st.layers = append(st.layers, layer{at: now, score: score})
		count := len(st.layers)
		e.mu.Unlock()

		e.log.Info().Int("layer", count).Float64("score", score).Msg("Position layer added")
		e.notify(ctx, fmt.Sprintf("ADD layer %d/%d | score %.0f (entry %.0f)",
			count, e.cfg.MaxLayers, score, st.score))
	}
	return nil
}

// exitReason returns a non-empty reason when any exit trigger fires
func (e *Evaluator) exitReason(st *entryState, f Factors, score float64) string {
	if st.score-score >= e.cfg.ExitScoreDrop {
		return fmt.Sprintf("score dropped %.0f points", st.score-score)
	}
	if math.Abs(f.Spot-st.spot) >= e.cfg.ExitPointsMoved {
		return fmt.Sprintf("index moved %.0f points", math.Abs(f.Spot-st.spot))
	}
	if f.IVRank < e.cfg.IVRankFloor || f.RVIVRatio > e.cfg.RVIVCap || f.AvgDailyRange5d > e.cfg.RangeCap {
		return "entry conditions no longer hold"
	}
	return ""
}

func (e *Evaluator) shouldLayer(st *entryState, score float64, now time.Time) bool {
	if len(st.layers) >= e.cfg.MaxLayers {
		return false
	}
	last := st.layers[len(st.layers)-1]
	if now.Sub(last.at) < e.cfg.LayerSpacing {
		return false
	}
	return score >= last.score+e.cfg.LayerScoreGain
}

// evaluate applies the hard vetos, then the pluggable scorer
func (e *Evaluator) evaluate(f Factors) (float64, Signal) {
	if f.IVRank < e.cfg.IVRankFloor {
		return 0, SignalAvoid
	}
	if f.RVIVRatio > e.cfg.RVIVCap {
		return 0, SignalAvoid
	}
	if f.AvgDailyRange5d > e.cfg.RangeCap {
		return 0, SignalAvoid
	}
	return e.scorer.Score(f)
}

// gather assembles the factor set from the shared caches
func (e *Evaluator) gather(ctx context.Context, now time.Time) (Factors, error) {
	var f Factors

	quotes, err := e.quotes.GetBatch(ctx, []string{universe.SymbolVIX, universe.SymbolNifty})
	if err != nil {
		return f, err
	}
	vixQuote, ok := quotes[universe.SymbolVIX]
	if !ok {
		return f, fmt.Errorf("no VIX quote in cache")
	}
	f.VIX = vixQuote.Quote.LastPrice
	if nq, ok := quotes[universe.SymbolNifty]; ok {
		f.Spot = nq.Quote.LastPrice
	}

	vixToken, ok := e.source.Token(universe.SymbolVIX)
	if !ok {
		return f, fmt.Errorf("VIX token unknown")
	}
	vixSeries, hit, err := e.history.Get(ctx, collector.VIXHistoryKey(vixToken, now))
	if err != nil {
		return f, err
	}
	if !hit || len(vixSeries) < 20 {
		return f, fmt.Errorf("VIX history not warmed (%d candles)", len(vixSeries))
	}
	f.IVRank = ivRank(vixSeries, f.VIX)
	f.VIXTrend3d = trend(vixSeries, 3)

	niftyToken, ok := e.source.Token(universe.SymbolNifty)
	if !ok {
		return f, fmt.Errorf("index token unknown")
	}
	daily, hit, err := e.history.Get(ctx, collector.DailyHistoryKey(niftyToken, now))
	if err != nil {
		return f, err
	}
	if !hit || len(daily) < 6 {
		return f, fmt.Errorf("index history not warmed (%d candles)", len(daily))
	}

	rv := realizedVol(daily, 5)
	if f.VIX > 0 {
		f.RVIVRatio = rv / f.VIX
	}
	f.AvgDailyRange5d = averageRangePct(daily, 5)
	f.AvgRange3d = averageRangePct(daily, 3)

	return f, nil
}

func (e *Evaluator) notify(ctx context.Context, text string) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Send(ctx, domain.NotificationPayload{
		Text: text,
		Tags: map[string]string{"component": "options_evaluator"},
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("Evaluator notification failed")
	}
}

// State reports today's signal and layer count for the status API
func (e *Evaluator) State() (Signal, float64, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return "", 0, 0, false
	}
	return e.state.signal, e.state.score, len(e.state.layers), true
}

// ivRank is the empirical percentile of the current level within the
// historical closes.
func ivRank(series []domain.Candle, current float64) float64 {
	xs := make([]float64, 0, len(series))
	for _, c := range series {
		xs = append(xs, c.Close)
	}
	sort.Float64s(xs)
	return stat.CDF(current, stat.Empirical, xs, nil) * 100
}

// trend fits a least-squares line through the last n closes and
// returns the per-day slope.
func trend(series []domain.Candle, n int) float64 {
	if len(series) < n || n < 2 {
		return 0
	}
	tail := series[len(series)-n:]
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, c := range tail {
		xs[i] = float64(i)
		ys[i] = c.Close
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return slope
}

// realizedVol annualizes the stddev of the last n daily log returns,
// in VIX-comparable percent terms.
func realizedVol(daily []domain.Candle, n int) float64 {
	if len(daily) < n+1 {
		return 0
	}
	tail := daily[len(daily)-n-1:]
	returns := make([]float64, 0, n)
	for i := 1; i < len(tail); i++ {
		if tail[i-1].Close <= 0 || tail[i].Close <= 0 {
			continue
		}
		returns = append(returns, math.Log(tail[i].Close/tail[i-1].Close))
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(252) * 100
}

// averageRangePct is the n-period average true range as a percent of
// the latest close.
func averageRangePct(daily []domain.Candle, n int) float64 {
	if len(daily) < n+1 {
		return 0
	}
	high := make([]float64, len(daily))
	low := make([]float64, len(daily))
	closes := make([]float64, len(daily))
	for i, c := range daily {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
	}
	atr := talib.Atr(high, low, closes, n)
	last := closes[len(closes)-1]
	if last <= 0 {
		return 0
	}
	return atr[len(atr)-1] / last * 100
}

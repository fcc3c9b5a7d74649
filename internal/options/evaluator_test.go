package options

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/collector"
	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/universe"
)

const (
	vixToken   = 264969
	niftyToken = 256265
)

type fakeScorer struct {
	score  float64
	signal Signal
	calls  int
}

func (f *fakeScorer) Score(Factors) (float64, Signal) {
	f.calls++
	return f.score, f.signal
}

type fakeNotifier struct {
	texts []string
}

func (f *fakeNotifier) Send(_ context.Context, p domain.NotificationPayload) error {
	f.texts = append(f.texts, p.Text)
	return nil
}

type fakeSource struct {
	tokens map[string]int64
	chain  []domain.Instrument
}

func (f *fakeSource) Token(symbol string) (int64, bool) {
	t, ok := f.tokens[symbol]
	return t, ok
}

func (f *fakeSource) NiftyChain() []domain.Instrument { return f.chain }

type fixture struct {
	eval     *Evaluator
	quotes   *cache.QuoteStore
	history  *cache.HistoryStore
	source   *fakeSource
	scorer   *fakeScorer
	notifier *fakeNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	retry := database.DefaultRetryConfig()
	quotes, err := cache.NewQuoteStore(db, retry, zerolog.Nop())
	require.NoError(t, err)
	history, err := cache.NewHistoryStore(db, retry, 100, zerolog.Nop())
	require.NoError(t, err)

	cal, err := market.NewCalendar("UTC", "09:15", "15:30", zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		quotes:   quotes,
		history:  history,
		scorer:   &fakeScorer{score: 80, signal: SignalSell},
		notifier: &fakeNotifier{},
		now:      time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), // Monday, entry window
	}
	f.source = &fakeSource{
		tokens: map[string]int64{universe.SymbolVIX: vixToken, universe.SymbolNifty: niftyToken},
	}
	f.eval = New(quotes, history, f.source, f.scorer, f.notifier, cal,
		DefaultConfig(), func() time.Time { return f.now }, zerolog.Nop())
	return f
}

// seed loads a VIX quote, a bimodal 1-year VIX series (half at 12,
// half at 20) and a quiet index tape. A current VIX of 16 lands at
// IV rank 50.
func (f *fixture) seed(t *testing.T, vix, spot float64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.quotes.PutBatch(ctx, map[string]domain.Quote{
		universe.SymbolVIX:   {Symbol: universe.SymbolVIX, LastPrice: vix},
		universe.SymbolNifty: {Symbol: universe.SymbolNifty, LastPrice: spot},
	}, f.now.Truncate(time.Minute)))

	vixSeries := make([]domain.Candle, 250)
	for i := range vixSeries {
		close := 12.0
		if i%2 == 1 {
			close = 20.0
		}
		vixSeries[i] = domain.Candle{
			Timestamp: f.now.AddDate(0, 0, i-250),
			Close:     close,
		}
	}
	require.NoError(t, f.history.Put(ctx, collector.VIXHistoryKey(vixToken, f.now), vixSeries, cache.TTLVIXYearly))

	f.seedDaily(t, spot, 40) // +/-40 points: ~0.3% daily range
}

func (f *fixture) seedDaily(t *testing.T, spot, halfRange float64) {
	t.Helper()
	daily := make([]domain.Candle, 11)
	for i := range daily {
		daily[i] = domain.Candle{
			Timestamp: f.now.AddDate(0, 0, i-11),
			High:      spot + halfRange,
			Low:       spot - halfRange,
			Close:     spot,
		}
	}
	require.NoError(t, f.history.Put(context.Background(),
		collector.DailyHistoryKey(niftyToken, f.now), daily, cache.TTLHistoryDefault))
}

func TestEntryBeforeWindowIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)
	f.now = time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, f.eval.RunEntry(context.Background()))

	_, _, _, ok := f.eval.State()
	assert.False(t, ok, "no evaluation before the entry window")
	assert.Zero(t, f.scorer.calls)
}

func TestLowIVRankVetoSkipsScorer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 10.5, 24800) // below the whole historical range: rank 0

	require.NoError(t, f.eval.RunEntry(context.Background()))

	signal, score, _, ok := f.eval.State()
	require.True(t, ok)
	assert.Equal(t, SignalAvoid, signal)
	assert.Zero(t, score)
	assert.Zero(t, f.scorer.calls, "vetos bypass the composite scorer")
}

func TestWideDailyRangeVeto(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)
	f.seedDaily(t, 24800, 250) // ~2% daily range

	require.NoError(t, f.eval.RunEntry(context.Background()))

	signal, score, _, ok := f.eval.State()
	require.True(t, ok)
	assert.Equal(t, SignalAvoid, signal)
	assert.Zero(t, score)
	assert.Zero(t, f.scorer.calls)
}

func TestSellEntryRecordsFirstLayerAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)

	require.NoError(t, f.eval.RunEntry(context.Background()))

	signal, score, layers, ok := f.eval.State()
	require.True(t, ok)
	assert.Equal(t, SignalSell, signal)
	assert.Equal(t, 80.0, score)
	assert.Equal(t, 1, layers)

	require.Len(t, f.notifier.texts, 1)
	assert.Contains(t, f.notifier.texts[0], "SELL")
	assert.Contains(t, f.notifier.texts[0], "IV rank 50%")
}

func TestSellEntrySuggestsStrikesFromChain(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24810)
	expiry := time.Date(2025, 6, 26, 0, 0, 0, 0, time.UTC)
	f.source.chain = []domain.Instrument{
		{Symbol: "NFO:NIFTY2562624600PE", Strike: 24600, OptionType: domain.OptionPut, Kind: domain.KindOption, Expiry: expiry},
		{Symbol: "NFO:NIFTY2562624700PE", Strike: 24700, OptionType: domain.OptionPut, Kind: domain.KindOption, Expiry: expiry},
		{Symbol: "NFO:NIFTY2562624800CE", Strike: 24800, OptionType: domain.OptionCall, Kind: domain.KindOption, Expiry: expiry},
		{Symbol: "NFO:NIFTY2562624900CE", Strike: 24900, OptionType: domain.OptionCall, Kind: domain.KindOption, Expiry: expiry},
	}

	require.NoError(t, f.eval.RunEntry(context.Background()))

	require.Len(t, f.notifier.texts, 1)
	assert.Contains(t, f.notifier.texts[0], "strikes ATM 24800")
	assert.Contains(t, f.notifier.texts[0], "OTM 24900CE / 24700PE")
}

func TestAvoidEntryOmitsStrikes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24810)
	f.scorer.signal = SignalHold
	f.source.chain = []domain.Instrument{
		{Symbol: "NFO:NIFTY2562624800CE", Strike: 24800, OptionType: domain.OptionCall, Kind: domain.KindOption},
	}

	require.NoError(t, f.eval.RunEntry(context.Background()))

	require.Len(t, f.notifier.texts, 1)
	assert.NotContains(t, f.notifier.texts[0], "strikes")
}

func TestEntryRunsOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)

	require.NoError(t, f.eval.RunEntry(context.Background()))
	f.now = f.now.Add(30 * time.Minute)
	require.NoError(t, f.eval.RunEntry(context.Background()))

	assert.Equal(t, 1, f.scorer.calls)
	assert.Len(t, f.notifier.texts, 1)
}

func TestMonitorExitsOnScoreDrop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)
	require.NoError(t, f.eval.RunEntry(context.Background()))

	f.now = f.now.Add(15 * time.Minute)
	f.scorer.score = 55 // 25-point drop
	require.NoError(t, f.eval.RunMonitor(context.Background()))

	require.Len(t, f.notifier.texts, 2)
	assert.Contains(t, f.notifier.texts[1], "EXIT")

	// Monitoring stops after the exit
	f.now = f.now.Add(15 * time.Minute)
	require.NoError(t, f.eval.RunMonitor(context.Background()))
	assert.Len(t, f.notifier.texts, 2)
}

func TestMonitorExitsWhenIndexMoves(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)
	require.NoError(t, f.eval.RunEntry(context.Background()))

	f.now = f.now.Add(15 * time.Minute)
	f.seed(t, 16, 24920) // 120 points from entry
	require.NoError(t, f.eval.RunMonitor(context.Background()))

	require.Len(t, f.notifier.texts, 2)
	assert.Contains(t, f.notifier.texts[1], "EXIT")
	assert.Contains(t, f.notifier.texts[1], "index moved")
}

func TestMonitorDoesNothingWithoutSellSignal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)
	f.scorer.signal = SignalHold
	require.NoError(t, f.eval.RunEntry(context.Background()))

	f.now = f.now.Add(15 * time.Minute)
	require.NoError(t, f.eval.RunMonitor(context.Background()))

	assert.Len(t, f.notifier.texts, 1, "only the entry notification")
	assert.Equal(t, 1, f.scorer.calls)
}

func TestLayeringRespectsSpacingGainAndCap(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 16, 24800)
	require.NoError(t, f.eval.RunEntry(context.Background()))
	entry := f.now

	step := func(offset time.Duration, score float64) {
		f.now = entry.Add(offset)
		f.scorer.score = score
		require.NoError(t, f.eval.RunMonitor(context.Background()))
	}

	step(15*time.Minute, 95) // improved, but inside the 30-minute spacing
	_, _, layers, _ := f.eval.State()
	assert.Equal(t, 1, layers)

	step(31*time.Minute, 95) // spaced and +15 over the first layer
	_, _, layers, _ = f.eval.State()
	assert.Equal(t, 2, layers)

	step(45*time.Minute, 108) // only 14 minutes after the second layer
	_, _, layers, _ = f.eval.State()
	assert.Equal(t, 2, layers)

	step(65*time.Minute, 107) // spaced, +12 over layer two
	_, _, layers, _ = f.eval.State()
	assert.Equal(t, 3, layers)

	step(100*time.Minute, 130) // at the cap
	_, _, layers, _ = f.eval.State()
	assert.Equal(t, 3, layers)
}

func TestWeightedScorerFavorsRichFallingVol(t *testing.T) {
	scorer := WeightedScorer{}

	rich := Factors{
		VIX:             17,
		VIXTrend3d:      -0.4,
		IVRank:          80,
		RVIVRatio:       0.6,
		AvgDailyRange5d: 0.4,
	}
	score, signal := scorer.Score(rich)
	assert.Equal(t, SignalSell, signal)
	assert.Greater(t, score, 70.0)

	lean := Factors{
		VIX:             9,
		VIXTrend3d:      0.5,
		IVRank:          20,
		RVIVRatio:       1.15,
		AvgDailyRange5d: 1.3,
	}
	score, signal = scorer.Score(lean)
	assert.Equal(t, SignalAvoid, signal)
	assert.Less(t, score, 40.0)
}

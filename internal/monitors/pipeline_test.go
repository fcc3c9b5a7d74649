package monitors

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/collector"
	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/detector"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/oi"
)

var testDetectorConfig = detector.Config{
	Th1m:             0.75,
	Th5m:             1.25,
	Th10m:            2.0,
	Th30m:            3.0,
	SpikePrice:       1.2,
	SpikeVolMultiple: 2.5,
	VolMult1m:        5.0,
	MinPrice:         50,
	MinADV:           100000,
	AccelFactor:      1.2,
}

func testCooldowns(kind domain.AlertKind) time.Duration {
	switch kind {
	case domain.Alert1mDrop, domain.Alert1mRise:
		return 5 * time.Minute
	case domain.Alert5mDrop, domain.Alert5mRise:
		return 10 * time.Minute
	default:
		return 15 * time.Minute
	}
}

type fakeNotifier struct{}

func (fakeNotifier) Send(context.Context, domain.NotificationPayload) error { return nil }

type fakeQueue struct {
	rowIDs []int64
}

func (f *fakeQueue) Enqueue(rowID int64, _ string, _ time.Time) {
	f.rowIDs = append(f.rowIDs, rowID)
}

type fakeSource struct {
	instruments map[string]domain.Instrument
	order       []string
}

func (f *fakeSource) Symbols() []string { return f.order }
func (f *fakeSource) Token(symbol string) (int64, bool) {
	inst, ok := f.instruments[symbol]
	return inst.Token, ok
}
func (f *fakeSource) Instrument(symbol string) (domain.Instrument, bool) {
	inst, ok := f.instruments[symbol]
	return inst, ok
}

type fakeProvider struct {
	quotes map[string]domain.Quote
	calls  int
}

func (f *fakeProvider) QuoteBatch(_ context.Context, symbols []string) (map[string]domain.Quote, error) {
	f.calls++
	out := make(map[string]domain.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f *fakeProvider) Historical(context.Context, int64, domain.Interval, time.Time, time.Time) ([]domain.Candle, error) {
	return nil, nil
}

func (f *fakeProvider) Instruments(context.Context) ([]domain.Instrument, error) {
	return nil, nil
}

type fixture struct {
	pipe     *Pipeline
	quotes   *cache.QuoteStore
	history  *cache.HistoryStore
	provider *fakeProvider
	queue    *fakeQueue
	alertLog *alerts.Log
	source   *fakeSource
	now      time.Time
}

func newDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newFixture(t *testing.T, instruments ...domain.Instrument) *fixture {
	t.Helper()
	retry := database.DefaultRetryConfig()

	cacheDB := newDB(t, "cache", database.ProfileCache)
	quotes, err := cache.NewQuoteStore(cacheDB, retry, zerolog.Nop())
	require.NoError(t, err)
	history, err := cache.NewHistoryStore(cacheDB, retry, 100, zerolog.Nop())
	require.NoError(t, err)

	alertLog, err := alerts.NewLog(newDB(t, "alerts", database.ProfileStandard), retry, time.UTC, zerolog.Nop())
	require.NoError(t, err)
	cooldown, err := alerts.NewCooldownManager(newDB(t, "cooldown", database.ProfileStandard), retry, testCooldowns, zerolog.Nop())
	require.NoError(t, err)
	engine, err := oi.NewEngine(newDB(t, "oi", database.ProfileStandard), retry, time.UTC, oi.DefaultBands(), zerolog.Nop())
	require.NoError(t, err)

	queue := &fakeQueue{}
	fanout := alerts.NewFanout(alertLog, fakeNotifier{}, queue, zerolog.Nop())

	cal, err := market.NewCalendar("UTC", "09:15", "15:30", zerolog.Nop())
	require.NoError(t, err)

	source := &fakeSource{instruments: make(map[string]domain.Instrument)}
	for _, inst := range instruments {
		source.instruments[inst.Symbol] = inst
		source.order = append(source.order, inst.Symbol)
	}

	provider := &fakeProvider{quotes: make(map[string]domain.Quote)}

	f := &fixture{
		quotes:   quotes,
		history:  history,
		provider: provider,
		queue:    queue,
		alertLog: alertLog,
		source:   source,
		now:      time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), // Monday
	}
	f.pipe = NewPipeline(quotes, history, provider, source, engine, cooldown, fanout, cal,
		testDetectorConfig, 5*time.Minute, func() time.Time { return f.now }, zerolog.Nop())
	return f
}

// tick stores one quote set as a fresh collector run at the fixture's
// current clock, so the pipeline reads it from the cache.
func (f *fixture) tick(t *testing.T, at time.Time, qs map[string]domain.Quote) {
	t.Helper()
	f.now = at
	ctx := context.Background()
	require.NoError(t, f.quotes.PutBatch(ctx, qs, at.Truncate(time.Minute)))
	require.NoError(t, f.quotes.SetCollectionStatus(ctx, at.Truncate(time.Minute), collector.StatusOK))
}

func equity(symbol string, token int64) domain.Instrument {
	return domain.Instrument{Symbol: symbol, Exchange: domain.ExchangeNSE, Kind: domain.KindEquity, Token: token}
}

func TestFiveMinuteDropFlowsThroughToAlertLog(t *testing.T) {
	f := newFixture(t, equity("NSE:RELIANCE", 738561))
	ctx := context.Background()

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	f.tick(t, t0, map[string]domain.Quote{
		"NSE:RELIANCE": {Symbol: "NSE:RELIANCE", LastPrice: 2500, VolumeToday: 100000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))
	assert.Empty(t, f.queue.rowIDs, "a single snapshot has no lookback")

	// 1.3% drop over five minutes
	f.tick(t, t0.Add(5*time.Minute), map[string]domain.Quote{
		"NSE:RELIANCE": {Symbol: "NSE:RELIANCE", LastPrice: 2467.50, VolumeToday: 105000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))

	require.Len(t, f.queue.rowIDs, 1)
	recent, err := f.alertLog.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "NSE:RELIANCE", recent[0].Symbol)
	assert.Equal(t, domain.Alert5mDrop, recent[0].Kind)
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	f := newFixture(t, equity("NSE:RELIANCE", 738561))
	ctx := context.Background()

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	prices := []float64{2500, 2467.50, 2435, 2403} // every step ~1.3% down
	for i, p := range prices {
		f.tick(t, t0.Add(time.Duration(i*5)*time.Minute), map[string]domain.Quote{
			"NSE:RELIANCE": {Symbol: "NSE:RELIANCE", LastPrice: p, VolumeToday: int64(100000 + i*1000)},
		})
		require.NoError(t, f.pipe.RunMultiHorizon(ctx))
	}

	// Every tick after the first produces a 5m candidate, and the 10m
	// rule fires from +10m on. The 10-minute cooldown drops the 5m
	// candidate at +10m (5 minutes after the first emission) and lets
	// the +15m one through: the boundary is inclusive, exactly one
	// window apart is allowed. The 10m kind emits once and its second
	// candidate at +15m is inside its own window.
	recent, err := f.alertLog.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, domain.Alert5mDrop, recent[0].Kind)  // +15m
	assert.Equal(t, domain.Alert10mDrop, recent[1].Kind) // +10m
	assert.Equal(t, domain.Alert5mDrop, recent[2].Kind)  // +5m
}

func TestStaleCacheFallsBackToDirectProviderQuery(t *testing.T) {
	f := newFixture(t, equity("NSE:RELIANCE", 738561))
	ctx := context.Background()

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	f.tick(t, t0, map[string]domain.Quote{
		"NSE:RELIANCE": {Symbol: "NSE:RELIANCE", LastPrice: 2500, VolumeToday: 100000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))
	require.Zero(t, f.provider.calls)

	// Collector dead past two ticks; the monitor queries the provider
	// directly and keeps detecting against the existing ring.
	f.now = t0.Add(11 * time.Minute)
	f.provider.quotes["NSE:RELIANCE"] = domain.Quote{Symbol: "NSE:RELIANCE", LastPrice: 2400, VolumeToday: 120000}
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))

	assert.Equal(t, 1, f.provider.calls)
	require.Len(t, f.queue.rowIDs, 1, "the 4%% drop resolves against the 10-minute lookback")

	recent, err := f.alertLog.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.Alert10mDrop, recent[0].Kind)
}

func TestDayTransitionResetsSnapshotRings(t *testing.T) {
	f := newFixture(t, equity("NSE:RELIANCE", 738561))
	ctx := context.Background()

	monday := time.Date(2025, 6, 2, 15, 25, 0, 0, time.UTC)
	f.tick(t, monday, map[string]domain.Quote{
		"NSE:RELIANCE": {Symbol: "NSE:RELIANCE", LastPrice: 2500, VolumeToday: 900000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))
	require.Equal(t, 1, f.pipe.rings.Ring("NSE:RELIANCE").Size())

	tuesday := time.Date(2025, 6, 3, 9, 20, 0, 0, time.UTC)
	f.tick(t, tuesday, map[string]domain.Quote{
		"NSE:RELIANCE": {Symbol: "NSE:RELIANCE", LastPrice: 2400, VolumeToday: 5000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))

	assert.Equal(t, 1, f.pipe.rings.Ring("NSE:RELIANCE").Size(), "yesterday's snapshot must be gone")
	assert.Empty(t, f.queue.rowIDs, "overnight gap is not a price move")
}

func TestOIContextAttachedForDerivatives(t *testing.T) {
	fut := domain.Instrument{
		Symbol:     "NFO:RELIANCE25JUNFUT",
		Exchange:   domain.ExchangeNFO,
		Kind:       domain.KindFuture,
		Underlying: "RELIANCE",
		Token:      53179655,
		Expiry:     time.Date(2025, 6, 26, 0, 0, 0, 0, time.UTC),
	}
	f := newFixture(t, fut)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	f.tick(t, t0, map[string]domain.Quote{
		fut.Symbol: {Symbol: fut.Symbol, LastPrice: 2500, VolumeToday: 100000, OpenInterest: 1000000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))

	// Price down, OI up: a short buildup alongside the drop alert
	f.tick(t, t0.Add(5*time.Minute), map[string]domain.Quote{
		fut.Symbol: {Symbol: fut.Symbol, LastPrice: 2467.50, VolumeToday: 140000, OpenInterest: 1150000},
	})
	require.NoError(t, f.pipe.RunMultiHorizon(ctx))

	require.Len(t, f.queue.rowIDs, 1)

	var csv strings.Builder
	require.NoError(t, f.alertLog.ExportCSV(ctx, &csv, ""))
	assert.Contains(t, csv.String(), string(domain.PatternShortBuildup))
	assert.Contains(t, csv.String(), "1000000", "day-start OI travels with the alert")
}

func TestOneMinuteMonitorUsesWarmedDailyVolume(t *testing.T) {
	f := newFixture(t, equity("NSE:ADANIENT", 6401))
	ctx := context.Background()

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	// Warm ten daily candles averaging 5M shares
	daily := make([]domain.Candle, 10)
	for i := range daily {
		daily[i] = domain.Candle{
			Timestamp: t0.AddDate(0, 0, i-10),
			Close:     2500,
			Volume:    5_000_000,
		}
	}
	require.NoError(t, f.history.Put(ctx, collector.DailyHistoryKey(6401, t0), daily, cache.TTLHistoryDefault))

	prices := []float64{2500, 2499, 2498, 2497, 2496, 2470}
	cumulative := int64(0)
	for i, p := range prices {
		if i == len(prices)-1 {
			cumulative += 40000
		} else {
			cumulative += 1000
		}
		f.tick(t, t0.Add(time.Duration(i)*time.Minute), map[string]domain.Quote{
			"NSE:ADANIENT": {Symbol: "NSE:ADANIENT", LastPrice: p, VolumeToday: cumulative},
		})
		require.NoError(t, f.pipe.RunOneMinute(ctx))
	}

	require.Len(t, f.queue.rowIDs, 1)
	recent, err := f.alertLog.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.Alert1mDrop, recent[0].Kind)
}

func TestOneMinuteMonitorRejectsThinInstruments(t *testing.T) {
	f := newFixture(t, equity("NSE:PENNY", 9001))
	ctx := context.Background()

	// No warmed history: ADV resolves to 0 and the liquidity gate holds
	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	prices := []float64{2500, 2499, 2498, 2497, 2496, 2470}
	cumulative := int64(0)
	for i, p := range prices {
		cumulative += 40000
		f.tick(t, t0.Add(time.Duration(i)*time.Minute), map[string]domain.Quote{
			"NSE:PENNY": {Symbol: "NSE:PENNY", LastPrice: p, VolumeToday: cumulative},
		})
		require.NoError(t, f.pipe.RunOneMinute(ctx))
	}

	assert.Empty(t, f.queue.rowIDs)
}

package enrichment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
)

type fakeProvider struct {
	minutes []domain.Candle
	daily   []domain.Candle
	err     error
	calls   int
}

func (f *fakeProvider) QuoteBatch(context.Context, []string) (map[string]domain.Quote, error) {
	return nil, nil
}

func (f *fakeProvider) Historical(_ context.Context, _ int64, interval domain.Interval, _, _ time.Time) ([]domain.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if interval == domain.Interval1d {
		return f.daily, nil
	}
	return f.minutes, nil
}

func (f *fakeProvider) Instruments(context.Context) ([]domain.Instrument, error) {
	return nil, nil
}

type fakeResolver map[string]int64

func (f fakeResolver) Token(symbol string) (int64, bool) {
	token, ok := f[symbol]
	return token, ok
}

type fixture struct {
	worker   *Worker
	log      *alerts.Log
	provider *fakeProvider
	now      time.Time
}

var alertTS = time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC) // Monday, mid-session

func setup(t *testing.T, provider *fakeProvider, now time.Time) *fixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "enrich.db"),
		Profile: database.ProfileStandard,
		Name:    "enrich",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	alertLog, err := alerts.NewLog(db, database.DefaultRetryConfig(), time.UTC, zerolog.Nop())
	require.NoError(t, err)
	history, err := cache.NewHistoryStore(db, database.DefaultRetryConfig(), 100, zerolog.Nop())
	require.NoError(t, err)
	calendar, err := market.NewCalendar("UTC", "09:15", "15:30", zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{log: alertLog, provider: provider, now: now}
	f.worker = NewWorker(alertLog, history, provider, fakeResolver{"NSE:RELIANCE": 738561},
		calendar, 5, func() time.Time { return f.now }, zerolog.Nop())
	return f
}

func minuteCandles() []domain.Candle {
	var out []domain.Candle
	for i := 0; i < 30; i++ {
		ts := alertTS.Add(time.Duration(i-5) * time.Minute)
		out = append(out, domain.Candle{
			Timestamp: ts,
			Open:      2466, High: 2472, Low: 2465,
			Close:  2468 + float64(i)*0.5,
			Volume: 10000,
		})
	}
	return out
}

func logAlert(t *testing.T, f *fixture) int64 {
	t.Helper()
	rowID, err := f.log.Append(domain.Alert{
		Timestamp:      alertTS,
		ID:             "test-alert",
		Symbol:         "NSE:RELIANCE",
		Kind:           domain.Alert5mDrop,
		Direction:      domain.DirectionDown,
		Horizon:        domain.Horizon5m,
		MagnitudePct:   1.3,
		ReferencePrice: 2500,
		CurrentPrice:   2467.5,
	})
	require.NoError(t, err)
	return rowID
}

func slotValue(t *testing.T, f *fixture, rowID int64, slot domain.EnrichmentSlot) (float64, bool) {
	t.Helper()
	row, err := f.log.Row(context.Background(), rowID)
	require.NoError(t, err)
	switch slot {
	case domain.SlotPlus2m:
		return row.Plus2m.Float64, row.Plus2m.Valid
	case domain.SlotPlus10m:
		return row.Plus10m.Float64, row.Plus10m.Valid
	default:
		return row.EOD.Float64, row.EOD.Valid
	}
}

func TestFillsMinuteSlotsFromHistoricalCandles(t *testing.T) {
	provider := &fakeProvider{minutes: minuteCandles()}
	f := setup(t, provider, alertTS.Add(11*time.Minute))
	rowID := logAlert(t, f)

	require.NoError(t, f.worker.Run(context.Background()))

	// +2m target is the 10:07 bucket: close 2468 + 7*0.5
	got, ok := slotValue(t, f, rowID, domain.SlotPlus2m)
	require.True(t, ok)
	assert.Equal(t, 2471.5, got)

	// +10m target is the 10:15 bucket
	got, ok = slotValue(t, f, rowID, domain.SlotPlus10m)
	require.True(t, ok)
	assert.Equal(t, 2475.5, got)

	// EOD stays blank until the session is over
	_, ok = slotValue(t, f, rowID, domain.SlotEOD)
	assert.False(t, ok)
}

func TestPlusTenSlotWaitsForItsTarget(t *testing.T) {
	provider := &fakeProvider{minutes: minuteCandles()}
	f := setup(t, provider, alertTS.Add(3*time.Minute))
	rowID := logAlert(t, f)

	require.NoError(t, f.worker.Run(context.Background()))

	_, ok := slotValue(t, f, rowID, domain.SlotPlus2m)
	assert.True(t, ok)
	_, ok = slotValue(t, f, rowID, domain.SlotPlus10m)
	assert.False(t, ok, "+10m target has not arrived")
}

func TestEODSlotFilledAfterSessionClose(t *testing.T) {
	provider := &fakeProvider{
		minutes: minuteCandles(),
		daily: []domain.Candle{
			{Timestamp: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), Close: 2481.25},
		},
	}
	f := setup(t, provider, time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC))
	rowID := logAlert(t, f)

	require.NoError(t, f.worker.Run(context.Background()))

	got, ok := slotValue(t, f, rowID, domain.SlotEOD)
	require.True(t, ok)
	assert.Equal(t, 2481.25, got)
}

func TestMissingCandleBurnsRetryAndIsEventuallyAbandoned(t *testing.T) {
	provider := &fakeProvider{minutes: nil} // no candles at all
	f := setup(t, provider, alertTS.Add(11*time.Minute))
	rowID := logAlert(t, f)

	for i := 0; i < 7; i++ {
		require.NoError(t, f.worker.Run(context.Background()))
	}

	// Both minute slots burned their five retries and stay blank. The
	// EOD slot is untouched: its target (session close) is still ahead.
	row, err := f.log.Row(context.Background(), rowID)
	require.NoError(t, err)
	assert.True(t, row.SlotEmpty(domain.SlotPlus2m))
	assert.True(t, row.SlotEmpty(domain.SlotPlus10m))
	assert.Equal(t, 5, row.Retries(domain.SlotPlus2m))
	assert.Equal(t, 5, row.Retries(domain.SlotPlus10m))
	assert.Zero(t, row.Retries(domain.SlotEOD))
}

func TestProviderErrorLeavesSlotsBlank(t *testing.T) {
	provider := &fakeProvider{err: errors.New("gateway timeout")}
	f := setup(t, provider, alertTS.Add(11*time.Minute))
	rowID := logAlert(t, f)

	require.NoError(t, f.worker.Run(context.Background()), "provider errors are per-row, not fatal")

	_, ok := slotValue(t, f, rowID, domain.SlotPlus2m)
	assert.False(t, ok)
}

func TestRerunWithAllSlotsFullIsANoOp(t *testing.T) {
	provider := &fakeProvider{
		minutes: minuteCandles(),
		daily: []domain.Candle{
			{Timestamp: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), Close: 2481.25},
		},
	}
	f := setup(t, provider, time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC))
	logAlert(t, f)

	require.NoError(t, f.worker.Run(context.Background()))
	calls := provider.calls
	require.Positive(t, calls)

	require.NoError(t, f.worker.Run(context.Background()))
	assert.Equal(t, calls, provider.calls, "a complete row triggers no further fetches")
}

func TestUnknownSymbolIsAbandonedNotRetriedForever(t *testing.T) {
	provider := &fakeProvider{minutes: minuteCandles()}
	f := setup(t, provider, alertTS.Add(11*time.Minute))

	rowID, err := f.log.Append(domain.Alert{
		Timestamp: alertTS, ID: "x", Symbol: "NSE:UNKNOWN",
		Kind: domain.Alert5mDrop, Direction: domain.DirectionDown, Horizon: domain.Horizon5m,
		ReferencePrice: 100, CurrentPrice: 98,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.worker.Run(context.Background()))
	}

	pending, err := f.log.PendingEnrichment(context.Background(), f.now, 5, 100)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, rowID, p.RowID)
	}
	assert.Zero(t, provider.calls, "no history requests without a token")
}

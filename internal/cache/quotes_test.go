package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

func setupQuoteStore(t *testing.T) *QuoteStore {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "quotes.db"),
		Profile: database.ProfileCache,
		Name:    "quotes",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewQuoteStore(db, database.DefaultRetryConfig(), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func testQuote(symbol string, price float64, volume int64) domain.Quote {
	return domain.Quote{
		Symbol:      symbol,
		LastPrice:   price,
		VolumeToday: volume,
		DayOpen:     price * 0.99,
		DayHigh:     price * 1.01,
		DayLow:      price * 0.98,
		DayClose:    price * 0.995,
		Timestamp:   time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestQuoteStorePutGetRoundTrip(t *testing.T) {
	store := setupQuoteStore(t)
	ctx := context.Background()
	cachedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	quotes := map[string]domain.Quote{
		"NSE:RELIANCE": testQuote("NSE:RELIANCE", 2500.00, 1200000),
		"NSE:HDFCBANK": testQuote("NSE:HDFCBANK", 1610.50, 900000),
	}
	require.NoError(t, store.PutBatch(ctx, quotes, cachedAt))

	got, err := store.GetBatch(ctx, []string{"NSE:RELIANCE", "NSE:HDFCBANK", "NSE:MISSING"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.NotContains(t, got, "NSE:MISSING")
	assert.Equal(t, 2500.00, got["NSE:RELIANCE"].Quote.LastPrice)
	assert.Equal(t, int64(900000), got["NSE:HDFCBANK"].Quote.VolumeToday)
	assert.Equal(t, cachedAt.Unix(), got["NSE:RELIANCE"].CachedAt.Unix())
}

func TestQuoteStoreUpsertReplacesRow(t *testing.T) {
	store := setupQuoteStore(t)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutBatch(ctx, map[string]domain.Quote{
		"NSE:INFY": testQuote("NSE:INFY", 1500, 100),
	}, t0))

	t1 := t0.Add(time.Minute)
	require.NoError(t, store.PutBatch(ctx, map[string]domain.Quote{
		"NSE:INFY": testQuote("NSE:INFY", 1510, 250),
	}, t1))

	got, err := store.GetBatch(ctx, []string{"NSE:INFY"})
	require.NoError(t, err)
	assert.Equal(t, 1510.0, got["NSE:INFY"].Quote.LastPrice)
	assert.Equal(t, t1.Unix(), got["NSE:INFY"].CachedAt.Unix())

	// One row, not two
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQuoteStoreColdReadFallsBackToDisk(t *testing.T) {
	store := setupQuoteStore(t)
	ctx := context.Background()
	cachedAt := time.Now().Truncate(time.Minute)

	require.NoError(t, store.PutBatch(ctx, map[string]domain.Quote{
		"NSE:TCS": testQuote("NSE:TCS", 3800, 40000),
	}, cachedAt))

	// Simulate a restart: drop the in-memory mirror
	store.mu.Lock()
	store.mirror = make(map[string]CachedQuote)
	store.mu.Unlock()

	got, err := store.GetBatch(ctx, []string{"NSE:TCS"})
	require.NoError(t, err)
	require.Contains(t, got, "NSE:TCS")
	assert.Equal(t, 3800.0, got["NSE:TCS"].Quote.LastPrice)
}

func TestQuoteStoreAge(t *testing.T) {
	store := setupQuoteStore(t)
	ctx := context.Background()

	cachedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutBatch(ctx, map[string]domain.Quote{
		"NSE:SBIN": testQuote("NSE:SBIN", 830, 5000000),
	}, cachedAt))

	now := cachedAt.Add(3 * time.Minute)
	age, err := store.Age(ctx, "NSE:SBIN", now)
	require.NoError(t, err)
	require.NotNil(t, age)
	assert.Equal(t, 3*time.Minute, *age)

	missing, err := store.Age(ctx, "NSE:NOPE", now)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQuoteStoreEviction(t *testing.T) {
	store := setupQuoteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.PutBatch(ctx, map[string]domain.Quote{
		"NSE:OLD": testQuote("NSE:OLD", 100, 10),
	}, now.Add(-25*time.Hour)))
	require.NoError(t, store.PutBatch(ctx, map[string]domain.Quote{
		"NSE:NEW": testQuote("NSE:NEW", 200, 20),
	}, now))

	deleted, err := store.DeleteOlderThan(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := store.GetBatch(ctx, []string{"NSE:OLD", "NSE:NEW"})
	require.NoError(t, err)
	assert.NotContains(t, got, "NSE:OLD")
	assert.Contains(t, got, "NSE:NEW")
}

func TestCollectionStatusFreshness(t *testing.T) {
	store := setupQuoteStore(t)
	ctx := context.Background()
	tick := time.Minute

	// No collection yet - stale
	err := store.CheckFreshness(ctx, time.Now(), tick)
	assert.ErrorIs(t, err, domain.ErrStaleCache)

	now := time.Now()
	require.NoError(t, store.SetCollectionStatus(ctx, now, "ok"))

	assert.NoError(t, store.CheckFreshness(ctx, now.Add(time.Minute), tick))
	assert.ErrorIs(t, store.CheckFreshness(ctx, now.Add(5*time.Minute), tick), domain.ErrStaleCache)

	ts, status, ok, err := store.CollectionStatus(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ok", status)
	assert.Equal(t, now.Unix(), ts.Unix())
}

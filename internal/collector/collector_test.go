package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

type fakeSource struct {
	symbols []string
	tokens  map[string]int64
}

func (f *fakeSource) Symbols() []string { return f.symbols }
func (f *fakeSource) Token(symbol string) (int64, bool) {
	t, ok := f.tokens[symbol]
	return t, ok
}

type fakeProvider struct {
	mu        sync.Mutex
	batches   [][]string
	failWhen  func(symbols []string, attempt int) error
	attempts  map[string]int
	histCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{attempts: make(map[string]int)}
}

func (f *fakeProvider) QuoteBatch(_ context.Context, symbols []string) (map[string]domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.Join(symbols, ",")
	f.attempts[key]++
	f.batches = append(f.batches, symbols)

	if f.failWhen != nil {
		if err := f.failWhen(symbols, f.attempts[key]); err != nil {
			return nil, err
		}
	}

	out := make(map[string]domain.Quote, len(symbols))
	for i, s := range symbols {
		out[s] = domain.Quote{Symbol: s, LastPrice: 100 + float64(i), VolumeToday: 1000}
	}
	return out, nil
}

func (f *fakeProvider) Historical(context.Context, int64, domain.Interval, time.Time, time.Time) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histCalls++
	return []domain.Candle{{Close: 101, Volume: 500}}, nil
}

func (f *fakeProvider) Instruments(context.Context) ([]domain.Instrument, error) {
	return nil, nil
}

func setupStores(t *testing.T) (*cache.QuoteStore, *cache.HistoryStore) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "quotes.db"),
		Profile: database.ProfileCache,
		Name:    "quotes",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	quotes, err := cache.NewQuoteStore(db, database.DefaultRetryConfig(), zerolog.Nop())
	require.NoError(t, err)
	history, err := cache.NewHistoryStore(db, database.DefaultRetryConfig(), 100, zerolog.Nop())
	require.NoError(t, err)
	return quotes, history
}

func symbolsN(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("NSE:SYM%02d", i)
	}
	return out
}

func TestRunCollectsAllBatches(t *testing.T) {
	quotes, history := setupStores(t)
	provider := newFakeProvider()
	source := &fakeSource{symbols: symbolsN(5)}

	c := New(provider, quotes, history, source, Config{BatchSize: 2, MaxRetries: 3}, nil, zerolog.Nop())
	require.NoError(t, c.Run(context.Background()))

	// 5 symbols at batch size 2: three batches
	assert.Len(t, provider.batches, 3)
	for _, b := range provider.batches {
		assert.LessOrEqual(t, len(b), 2)
	}

	got, err := quotes.GetBatch(context.Background(), source.symbols)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	// cached_at is minute-truncated
	for _, cq := range got {
		assert.Zero(t, cq.CachedAt.Second())
		assert.Zero(t, cq.CachedAt.Nanosecond())
	}

	_, status, ok, err := quotes.CollectionStatus(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusOK, status)
}

func TestSingleBatchFailureDegradesButDoesNotFailTick(t *testing.T) {
	quotes, history := setupStores(t)
	provider := newFakeProvider()
	provider.failWhen = func(symbols []string, _ int) error {
		if symbols[0] == "NSE:SYM00" {
			return domain.ErrProviderUnavailable
		}
		return nil
	}
	source := &fakeSource{symbols: symbolsN(4)}

	c := New(provider, quotes, history, source, Config{BatchSize: 2, MaxRetries: 2}, nil, zerolog.Nop())
	require.NoError(t, c.Run(context.Background()))

	got, err := quotes.GetBatch(context.Background(), source.symbols)
	require.NoError(t, err)
	assert.Len(t, got, 2, "only the healthy batch lands")

	_, status, ok, err := quotes.CollectionStatus(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusOK, status)
}

func TestWholeTickFailureRecordsErrorStatus(t *testing.T) {
	quotes, history := setupStores(t)
	provider := newFakeProvider()
	provider.failWhen = func([]string, int) error { return domain.ErrProviderUnavailable }
	source := &fakeSource{symbols: symbolsN(4)}

	c := New(provider, quotes, history, source, Config{BatchSize: 2, MaxRetries: 2}, nil, zerolog.Nop())
	require.Error(t, c.Run(context.Background()))

	_, status, ok, err := quotes.CollectionStatus(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(status, "error:"), "got status %q", status)
}

func TestTransientFailureRetriesWithinTick(t *testing.T) {
	quotes, history := setupStores(t)
	provider := newFakeProvider()
	provider.failWhen = func(_ []string, attempt int) error {
		if attempt == 1 {
			return domain.ErrProviderUnavailable
		}
		return nil
	}
	source := &fakeSource{symbols: symbolsN(2)}

	c := New(provider, quotes, history, source, Config{BatchSize: 50, MaxRetries: 3}, nil, zerolog.Nop())
	require.NoError(t, c.Run(context.Background()))

	got, err := quotes.GetBatch(context.Background(), source.symbols)
	require.NoError(t, err)
	assert.Len(t, got, 2, "second attempt succeeds")
}

func TestAuthErrorsAreReportedAndNotRetried(t *testing.T) {
	quotes, history := setupStores(t)
	provider := newFakeProvider()
	provider.failWhen = func([]string, int) error { return domain.ErrProviderAuth }
	source := &fakeSource{symbols: symbolsN(2)}

	var reported []error
	c := New(provider, quotes, history, source, Config{BatchSize: 50, MaxRetries: 3},
		func(err error) { reported = append(reported, err) }, zerolog.Nop())

	require.Error(t, c.Run(context.Background()))

	assert.Len(t, provider.batches, 1, "auth failures are not retried")
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], domain.ErrProviderAuth)
}

func TestRefreshHistoryWarmsSeriesOncePerTTL(t *testing.T) {
	quotes, history := setupStores(t)
	provider := newFakeProvider()
	source := &fakeSource{
		symbols: []string{"NSE:RELIANCE", "NSE:INDIA VIX"},
		tokens:  map[string]int64{"NSE:RELIANCE": 738561, "NSE:INDIA VIX": 264969},
	}

	c := New(provider, quotes, history, source, Config{BatchSize: 50, MaxRetries: 3}, nil, zerolog.Nop())
	now := time.Date(2025, 6, 2, 8, 45, 0, 0, time.UTC)

	require.NoError(t, c.RefreshHistory(context.Background(), now))
	// VIX yearly + one equity daily series
	assert.Equal(t, 2, provider.histCalls)

	// Second run within the TTL is served from the cache
	require.NoError(t, c.RefreshHistory(context.Background(), now))
	assert.Equal(t, 2, provider.histCalls)
}

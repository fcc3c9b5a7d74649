package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
)

func TestTelegramSendPostsFormPayload(t *testing.T) {
	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{BotToken: "123:abc", ChatID: "-100", BaseURL: srv.URL}, zerolog.Nop())
	err := tg.Send(context.Background(), domain.NotificationPayload{Text: "RELIANCE dropped 1.30%"})
	require.NoError(t, err)

	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "-100", gotChat)
	assert.Equal(t, "RELIANCE dropped 1.30%", gotText)
}

func TestTelegramSendSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{BotToken: "123:abc", ChatID: "-100", BaseURL: srv.URL}, zerolog.Nop())
	err := tg.Send(context.Background(), domain.NotificationPayload{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

type countingNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (c *countingNotifier) Send(_ context.Context, p domain.NotificationPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.texts = append(c.texts, p.Text)
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func healthFixture(t *testing.T, now *time.Time, sink *countingNotifier) *Health {
	t.Helper()
	cal, err := market.NewCalendar("UTC", "09:15", "15:30", zerolog.Nop())
	require.NoError(t, err)
	return NewHealth(sink, cal, func() time.Time { return *now }, zerolog.Nop())
}

func TestHealthPingOncePerKindPerDay(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	sink := &countingNotifier{}
	h := healthFixture(t, &now, sink)

	h.ReportProviderError(domain.ErrProviderAuth)
	h.ReportProviderError(domain.ErrProviderAuth)
	now = now.Add(4 * time.Hour)
	h.ReportProviderError(domain.ErrProviderAuth)

	assert.Equal(t, 1, sink.count(), "same kind, same day: one ping")

	// A different kind still goes out the same day
	h.ReportProviderError(domain.ErrProviderUnavailable)
	assert.Equal(t, 2, sink.count())

	// Next trading day resets the dedup
	now = time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)
	h.ReportProviderError(domain.ErrProviderAuth)
	assert.Equal(t, 3, sink.count())
}

func TestHealthPingRetriesAfterDeliveryFailure(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	sink := &countingNotifier{err: context.DeadlineExceeded}
	h := healthFixture(t, &now, sink)

	h.Ping("provider_auth", "token expired")
	assert.Zero(t, sink.count())

	// Delivery recovers; the failed attempt did not consume the budget
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	now = now.Add(time.Minute)
	h.Ping("provider_auth", "token expired")
	assert.Equal(t, 1, sink.count())
}

func TestHealthPingIgnoresUnclassifiedErrors(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	sink := &countingNotifier{}
	h := healthFixture(t, &now, sink)

	h.ReportProviderError(context.Canceled)
	assert.Zero(t, sink.count())
}

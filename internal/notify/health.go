package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
)

// Health pings the notifier about operational failures, at most once
// per error kind per trading day. Collector and refresh tasks report
// through it so a broken token does not flood the channel every tick.
type Health struct {
	notifier domain.Notifier
	calendar *market.Calendar
	clock    func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time // error kind -> last ping
}

// NewHealth creates the dedup wrapper
func NewHealth(notifier domain.Notifier, calendar *market.Calendar, clock func() time.Time, log zerolog.Logger) *Health {
	if clock == nil {
		clock = time.Now
	}
	return &Health{
		notifier: notifier,
		calendar: calendar,
		clock:    clock,
		log:      log.With().Str("component", "health").Logger(),
		sent:     make(map[string]time.Time),
	}
}

// ReportProviderError classifies and pings a provider failure. Safe to
// call from the collector's error callback on every failed tick.
func (h *Health) ReportProviderError(err error) {
	switch {
	case errors.Is(err, domain.ErrProviderAuth):
		h.Ping("provider_auth", "Provider authentication failed - access token needs renewal")
	case errors.Is(err, domain.ErrProviderUnavailable):
		h.Ping("provider_unavailable", "Provider unreachable - quote collection degraded")
	}
}

// Ping sends one message per kind per trading day
func (h *Health) Ping(kind, text string) {
	now := h.clock()

	h.mu.Lock()
	last, ok := h.sent[kind]
	if ok && h.calendar.SameTradingDay(last, now) {
		h.mu.Unlock()
		return
	}
	h.sent[kind] = now
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := h.notifier.Send(ctx, domain.NotificationPayload{
		Text: "⚠️ " + text,
		Tags: map[string]string{"kind": kind},
	})
	if err != nil {
		h.log.Warn().Err(err).Str("kind", kind).Msg("Health ping delivery failed")
		// Forget the attempt so the next occurrence retries
		h.mu.Lock()
		if t, ok := h.sent[kind]; ok && t.Equal(now) {
			delete(h.sent, kind)
		}
		h.mu.Unlock()
		return
	}
	h.log.Info().Str("kind", kind).Msg("Health ping sent")
}

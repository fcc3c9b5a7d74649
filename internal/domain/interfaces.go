package domain

import (
	"context"
	"time"
)

// QuoteProvider is the abstract brokerage market-data interface.
// Implementations must respect the provider rate limit; callers treat
// every method as a suspension point and never hold locks across calls.
type QuoteProvider interface {
	// QuoteBatch returns the latest quote for each requested symbol.
	// Symbols the provider does not know are absent from the result.
	QuoteBatch(ctx context.Context, symbols []string) (map[string]Quote, error)

	// Historical returns candles for the instrument token at the given
	// resolution, bounded by [from, to].
	Historical(ctx context.Context, token int64, interval Interval, from, to time.Time) ([]Candle, error)

	// Instruments returns the full instrument metadata dump, used to
	// resolve symbols to tokens and derivative contracts.
	Instruments(ctx context.Context) ([]Instrument, error)
}

// NotificationPayload is a formatted text blob plus optional tags.
type NotificationPayload struct {
	Text string
	Tags map[string]string
}

// Notifier delivers notifications to the external chat channel.
// Delivery is best-effort, at-most-once; failures are non-fatal.
type Notifier interface {
	Send(ctx context.Context, payload NotificationPayload) error
}

// AlertLog is the append-only alert record sink. Rows are never
// rewritten except for the reserved enrichment slots.
type AlertLog interface {
	// Append records an emitted alert and returns its monotone row id.
	Append(alert Alert) (int64, error)

	// UpdateSlot fills one reserved enrichment slot on a logged row.
	// Writing an already-populated slot is an error.
	UpdateSlot(rowID int64, slot EnrichmentSlot, value float64) error
}

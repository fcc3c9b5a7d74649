package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/domain"
)

// Enqueuer receives references to logged alerts that still need their
// enrichment slots filled. Enqueue must not block.
type Enqueuer interface {
	Enqueue(rowID int64, symbol string, alertTS time.Time)
}

// Fanout delivers each emitted alert to the alert log, the notifier
// and the enrichment queue. Ordering: log append first; if it fails
// the alert is dropped entirely (no notification, no enrichment).
type Fanout struct {
	alertLog *Log
	notifier domain.Notifier
	queue    Enqueuer
	log      zerolog.Logger
}

// NewFanout wires the three sinks. notifier and queue may be nil
// (disabled).
func NewFanout(alertLog *Log, notifier domain.Notifier, queue Enqueuer, log zerolog.Logger) *Fanout {
	return &Fanout{
		alertLog: alertLog,
		notifier: notifier,
		queue:    queue,
		log:      log.With().Str("component", "alert_fanout").Logger(),
	}
}

// Emit assigns the alert its event ID and row id and delivers it.
// Notifier failures are logged and swallowed; log append failures
// propagate and the alert is dropped.
func (f *Fanout) Emit(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	rowID, err := f.alertLog.Append(a)
	if err != nil {
		return a, fmt.Errorf("failed to log alert %s/%s: %w", a.Symbol, a.Kind, err)
	}
	a.RowID = rowID

	f.log.Info().
		Str("symbol", a.Symbol).
		Str("kind", string(a.Kind)).
		Str("direction", string(a.Direction)).
		Float64("magnitude_pct", a.MagnitudePct).
		Int64("row_id", rowID).
		Msg("Alert emitted")

	if f.notifier != nil {
		if err := f.notifier.Send(ctx, formatAlert(a)); err != nil {
			f.log.Warn().Err(err).
				Str("symbol", a.Symbol).
				Int64("row_id", rowID).
				Msg("Notifier delivery failed")
		} else if err := f.alertLog.MarkNotified(ctx, rowID); err != nil {
			f.log.Warn().Err(err).Int64("row_id", rowID).Msg("Failed to flag notified row")
		}
	}

	if f.queue != nil {
		f.queue.Enqueue(rowID, a.Symbol, a.Timestamp)
	}

	return a, nil
}

var kindLabels = map[domain.AlertKind]string{
	domain.Alert1mDrop:          "1-min drop",
	domain.Alert1mRise:          "1-min rise",
	domain.Alert5mDrop:          "5-min drop",
	domain.Alert5mRise:          "5-min rise",
	domain.Alert10mDrop:         "10-min drop",
	domain.Alert10mRise:         "10-min rise",
	domain.Alert30mDrop:         "30-min drop",
	domain.Alert30mRise:         "30-min rise",
	domain.AlertVolumeSpikeDrop: "Volume spike drop",
	domain.AlertVolumeSpikeRise: "Volume spike rise",
}

// formatAlert renders the chat message for an alert
func formatAlert(a domain.Alert) domain.NotificationPayload {
	arrow := "▲"
	if a.Direction == domain.DirectionDown {
		arrow = "▼"
	}

	label := kindLabels[a.Kind]
	if label == "" {
		label = string(a.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s %.2f%%\n", arrow, a.Symbol, label, a.MagnitudePct)
	fmt.Fprintf(&b, "%.2f → %.2f", a.ReferencePrice, a.CurrentPrice)
	if a.VolumeMultiple > 0 {
		fmt.Fprintf(&b, "\nVolume %.1fx average", a.VolumeMultiple)
	}
	if a.OI != nil {
		fmt.Fprintf(&b, "\nOI: %s (%s, %+.1f%%)",
			a.OI.Pattern, a.OI.Strength, a.OI.OIChangePct)
	}

	return domain.NotificationPayload{
		Text: b.String(),
		Tags: map[string]string{
			"alert_id": a.ID,
			"symbol":   a.Symbol,
			"kind":     string(a.Kind),
		},
	}
}

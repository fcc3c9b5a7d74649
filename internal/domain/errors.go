package domain

import "errors"

// Error taxonomy for the monitoring substrate. Components recover
// locally from the transient categories; only component-level fatal
// conditions terminate a task.
var (
	// ErrProviderUnavailable marks transient provider failures
	// (timeouts, 5xx, connection resets). Retried with backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderAuth marks expired or invalid credentials. Fatal for
	// the tick; credentials rotate externally.
	ErrProviderAuth = errors.New("provider authentication failed")

	// ErrStaleCache is returned when the collector's last successful
	// tick is older than the staleness threshold.
	ErrStaleCache = errors.New("quote cache is stale")

	// ErrSlotPopulated is returned when an enrichment slot write targets
	// a slot that already holds a value.
	ErrSlotPopulated = errors.New("enrichment slot already populated")

	// ErrRowNotFound is returned for alert log lookups of unknown rows.
	ErrRowNotFound = errors.New("alert log row not found")
)

// Package alerts owns the emission side of the pipeline: the cooldown
// manager that turns detector candidates into emitted alerts, the
// append-only alert log, and the fanout that delivers emitted alerts to
// the notifier, the log and the enrichment queue.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

// CooldownSchema backs the per-(symbol, kind) emission history. The
// table is written through on every update so cooldowns survive
// restarts.
const CooldownSchema = `
CREATE TABLE IF NOT EXISTS alert_history (
	symbol          TEXT NOT NULL,
	alert_kind      TEXT NOT NULL,
	last_emitted_ts INTEGER NOT NULL,
	PRIMARY KEY (symbol, alert_kind)
);
`

// CooldownFunc resolves the configured cooldown for an alert kind.
// A zero duration means the kind is never suppressed.
type CooldownFunc func(kind domain.AlertKind) time.Duration

type historyKey struct {
	symbol string
	kind   domain.AlertKind
}

// CooldownManager gates candidate alerts on per-(symbol, kind)
// cooldown timers. The in-memory map is authoritative during a run;
// the table restores it at startup.
type CooldownManager struct {
	db       *database.DB
	retry    database.RetryConfig
	cooldown CooldownFunc
	log      zerolog.Logger

	// mu covers only the map operation, never I/O
	mu      sync.Mutex
	history map[historyKey]time.Time
}

// NewCooldownManager migrates the history table and restores persisted
// entries.
func NewCooldownManager(db *database.DB, retry database.RetryConfig, cooldown CooldownFunc, log zerolog.Logger) (*CooldownManager, error) {
	if err := db.Migrate(CooldownSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate alert history schema: %w", err)
	}

	m := &CooldownManager{
		db:       db,
		retry:    retry,
		cooldown: cooldown,
		log:      log.With().Str("component", "cooldown_manager").Logger(),
		history:  make(map[historyKey]time.Time),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CooldownManager) load() error {
	rows, err := m.db.Query("SELECT symbol, alert_kind, last_emitted_ts FROM alert_history")
	if err != nil {
		return fmt.Errorf("failed to load alert history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, kind string
		var ts int64
		if err := rows.Scan(&symbol, &kind, &ts); err != nil {
			return fmt.Errorf("failed to scan alert history row: %w", err)
		}
		m.history[historyKey{symbol, domain.AlertKind(kind)}] = time.Unix(ts, 0)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate alert history: %w", err)
	}

	if len(m.history) > 0 {
		m.log.Info().Int("count", len(m.history)).Msg("Restored cooldown history")
	}
	return nil
}

// ShouldEmit reports whether an alert of the given kind may be emitted
// for the symbol at now. On success it records now as the new
// last-emitted instant, so a second call with the same now returns
// false. The boundary is inclusive: an alert exactly cooldown(kind)
// after the last one is eligible.
func (m *CooldownManager) ShouldEmit(ctx context.Context, symbol string, kind domain.AlertKind, now time.Time) bool {
	key := historyKey{symbol, kind}
	window := m.cooldown(kind)

	m.mu.Lock()
	last, seen := m.history[key]
	if seen && window > 0 && now.Sub(last) < window {
		m.mu.Unlock()
		return false
	}
	m.history[key] = now
	m.mu.Unlock()

	if err := m.persist(ctx, symbol, kind, now); err != nil {
		// The in-memory record still suppresses duplicates for this
		// run; only restart recovery is degraded.
		m.log.Warn().Err(err).
			Str("symbol", symbol).
			Str("kind", string(kind)).
			Msg("Failed to persist cooldown entry")
	}
	return true
}

func (m *CooldownManager) persist(ctx context.Context, symbol string, kind domain.AlertKind, now time.Time) error {
	return database.WithRetry(ctx, m.log, m.retry, "alert_history.persist", func(ctx context.Context) error {
		_, err := m.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO alert_history (symbol, alert_kind, last_emitted_ts)
			 VALUES (?, ?, ?)`,
			symbol, string(kind), now.Unix())
		return err
	})
}

// Last returns the recorded last-emitted instant for a (symbol, kind)
func (m *CooldownManager) Last(symbol string, kind domain.AlertKind) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.history[historyKey{symbol, kind}]
	return t, ok
}

// Size returns the number of tracked (symbol, kind) pairs
func (m *CooldownManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// ClearBefore drops history entries last emitted before the cutoff.
// The startup policy passes the current trading day's session open so
// yesterday's cooldowns never suppress today's first alerts.
func (m *CooldownManager) ClearBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := database.WithRetry(ctx, m.log, m.retry, "alert_history.clear", func(ctx context.Context) error {
		res, err := m.db.ExecContext(ctx,
			"DELETE FROM alert_history WHERE last_emitted_ts < ?", cutoff.Unix())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale alert history: %w", err)
	}

	m.mu.Lock()
	for key, last := range m.history {
		if last.Before(cutoff) {
			delete(m.history, key)
		}
	}
	m.mu.Unlock()

	if deleted > 0 {
		m.log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Cleared stale cooldown entries")
	}
	return deleted, nil
}

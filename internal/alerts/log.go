package alerts

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/domain"
)

// LogSchema backs the append-only alert log. The three price_* columns
// are the reserved enrichment slots: they start NULL and are written
// exactly once by the enrichment worker. All other columns are
// immutable after append (telegram_sent excepted, set by the fanout
// right after delivery).
const LogSchema = `
CREATE TABLE IF NOT EXISTS alert_log (
	row_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id        TEXT NOT NULL,
	alert_ts        INTEGER NOT NULL,
	date            TEXT NOT NULL,
	time            TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	direction       TEXT NOT NULL,
	horizon         TEXT NOT NULL,
	alert_price     REAL NOT NULL,
	previous_price  REAL NOT NULL,
	change_pct      REAL NOT NULL,
	change_abs      REAL NOT NULL,
	volume          INTEGER NOT NULL,
	avg_volume      REAL NOT NULL,
	volume_multiple REAL NOT NULL,
	market_cap      REAL,
	telegram_sent   INTEGER NOT NULL DEFAULT 0,
	oi_pattern      TEXT,
	oi_strength     TEXT,
	oi_priority     TEXT,
	day_start_oi    INTEGER,
	current_oi      INTEGER,
	oi_change_pct   REAL,
	price_plus_2m   REAL,
	price_plus_10m  REAL,
	price_eod       REAL,
	retry_plus_2m   INTEGER NOT NULL DEFAULT 0,
	retry_plus_10m  INTEGER NOT NULL DEFAULT 0,
	retry_eod       INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_alert_log_status ON alert_log (status);
CREATE INDEX IF NOT EXISTS idx_alert_log_ts ON alert_log (alert_ts);
`

// Log is the SQLite-backed alert record store. It implements
// domain.AlertLog. Rows are append-only; only the reserved enrichment
// slots and the telegram_sent flag are ever updated.
type Log struct {
	db    *database.DB
	retry database.RetryConfig
	loc   *time.Location
	log   zerolog.Logger
}

// NewLog migrates the schema and returns the store
func NewLog(db *database.DB, retry database.RetryConfig, loc *time.Location, log zerolog.Logger) (*Log, error) {
	if err := db.Migrate(LogSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate alert log schema: %w", err)
	}
	return &Log{
		db:    db,
		retry: retry,
		loc:   loc,
		log:   log.With().Str("component", "alert_log").Logger(),
	}, nil
}

// Append records an emitted alert and returns its monotone row id
func (l *Log) Append(a domain.Alert) (int64, error) {
	local := a.Timestamp.In(l.loc)

	var oiPattern, oiStrength, oiPriority sql.NullString
	var dayStartOI, currentOI sql.NullInt64
	var oiChangePct sql.NullFloat64
	if a.OI != nil {
		oiPattern = sql.NullString{String: string(a.OI.Pattern), Valid: true}
		oiStrength = sql.NullString{String: string(a.OI.Strength), Valid: true}
		oiPriority = sql.NullString{String: string(a.OI.Priority), Valid: true}
		dayStartOI = sql.NullInt64{Int64: a.OI.DayStartOI, Valid: true}
		currentOI = sql.NullInt64{Int64: a.OI.CurrentOI, Valid: true}
		oiChangePct = sql.NullFloat64{Float64: a.OI.OIChangePct, Valid: true}
	}

	changeAbs := a.CurrentPrice - a.ReferencePrice

	var rowID int64
	err := database.WithRetry(context.Background(), l.log, l.retry, "alert_log.append", func(ctx context.Context) error {
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO alert_log
			 (alert_id, alert_ts, date, time, symbol, kind, direction, horizon,
			  alert_price, previous_price, change_pct, change_abs,
			  volume, avg_volume, volume_multiple,
			  oi_pattern, oi_strength, oi_priority, day_start_oi, current_oi, oi_change_pct,
			  status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Timestamp.Unix(),
			local.Format("2006-01-02"), local.Format("15:04:05"),
			a.Symbol, string(a.Kind), string(a.Direction), string(a.Horizon),
			a.CurrentPrice, a.ReferencePrice, a.MagnitudePct, changeAbs,
			a.Volume, a.AvgVolume, a.VolumeMultiple,
			oiPattern, oiStrength, oiPriority, dayStartOI, currentOI, oiChangePct,
			string(domain.EnrichmentPending))
		if err != nil {
			return err
		}
		rowID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append alert for %s: %w", a.Symbol, err)
	}
	return rowID, nil
}

func slotColumn(slot domain.EnrichmentSlot) (string, error) {
	switch slot {
	case domain.SlotPlus2m:
		return "price_plus_2m", nil
	case domain.SlotPlus10m:
		return "price_plus_10m", nil
	case domain.SlotEOD:
		return "price_eod", nil
	}
	return "", fmt.Errorf("unknown enrichment slot %q", slot)
}

func retryColumn(slot domain.EnrichmentSlot) (string, error) {
	switch slot {
	case domain.SlotPlus2m:
		return "retry_plus_2m", nil
	case domain.SlotPlus10m:
		return "retry_plus_10m", nil
	case domain.SlotEOD:
		return "retry_eod", nil
	}
	return "", fmt.Errorf("unknown enrichment slot %q", slot)
}

// UpdateSlot fills one reserved enrichment slot. A populated slot is
// never rewritten: the call returns domain.ErrSlotPopulated instead.
// The row's status is recomputed after a successful write.
func (l *Log) UpdateSlot(rowID int64, slot domain.EnrichmentSlot, value float64) error {
	col, err := slotColumn(slot)
	if err != nil {
		return err
	}

	err = database.WithRetry(context.Background(), l.log, l.retry, "alert_log.update_slot", func(ctx context.Context) error {
		return database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE alert_log SET %s = ? WHERE row_id = ? AND %s IS NULL", col, col),
				value, rowID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				var exists int
				if err := tx.QueryRowContext(ctx,
					"SELECT COUNT(*) FROM alert_log WHERE row_id = ?", rowID).Scan(&exists); err != nil {
					return err
				}
				if exists == 0 {
					return domain.ErrRowNotFound
				}
				return domain.ErrSlotPopulated
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE alert_log SET status = CASE
					WHEN price_plus_2m IS NOT NULL AND price_plus_10m IS NOT NULL AND price_eod IS NOT NULL THEN 'complete'
					WHEN price_plus_2m IS NULL AND price_plus_10m IS NULL AND price_eod IS NULL THEN 'pending'
					ELSE 'partial'
				 END WHERE row_id = ?`, rowID)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to update slot %s on row %d: %w", slot, rowID, err)
	}
	return nil
}

// BumpRetry increments a slot's retry counter and returns the new count
func (l *Log) BumpRetry(ctx context.Context, rowID int64, slot domain.EnrichmentSlot) (int, error) {
	col, err := retryColumn(slot)
	if err != nil {
		return 0, err
	}

	var count int
	err = database.WithRetry(ctx, l.log, l.retry, "alert_log.bump_retry", func(ctx context.Context) error {
		if _, err := l.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE alert_log SET %s = %s + 1 WHERE row_id = ?", col, col), rowID); err != nil {
			return err
		}
		return l.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s FROM alert_log WHERE row_id = ?", col), rowID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to bump retry on row %d: %w", rowID, err)
	}
	return count, nil
}

// MarkNotified flags a row as delivered to the notifier
func (l *Log) MarkNotified(ctx context.Context, rowID int64) error {
	return database.WithRetry(ctx, l.log, l.retry, "alert_log.mark_notified", func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx,
			"UPDATE alert_log SET telegram_sent = 1 WHERE row_id = ?", rowID)
		return err
	})
}

// PendingRow is one incomplete log row the enrichment worker may
// still be able to fill.
type PendingRow struct {
	RowID   int64
	Symbol  string
	AlertTS time.Time
	Status  domain.EnrichmentStatus

	Plus2m, Plus10m, EOD          sql.NullFloat64
	Retry2m, Retry10m, RetryEOD   int
}

// SlotEmpty reports whether a slot is still blank on this row
func (p PendingRow) SlotEmpty(slot domain.EnrichmentSlot) bool {
	switch slot {
	case domain.SlotPlus2m:
		return !p.Plus2m.Valid
	case domain.SlotPlus10m:
		return !p.Plus10m.Valid
	case domain.SlotEOD:
		return !p.EOD.Valid
	}
	return false
}

// Retries returns the retry count for a slot on this row
func (p PendingRow) Retries(slot domain.EnrichmentSlot) int {
	switch slot {
	case domain.SlotPlus2m:
		return p.Retry2m
	case domain.SlotPlus10m:
		return p.Retry10m
	case domain.SlotEOD:
		return p.RetryEOD
	}
	return 0
}

// PendingEnrichment returns incomplete rows whose earliest slot target
// (+2m) has already passed, oldest first. Rows whose every empty slot
// has exhausted maxRetries are abandoned and no longer returned.
func (l *Log) PendingEnrichment(ctx context.Context, now time.Time, maxRetries, limit int) ([]PendingRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT row_id, symbol, alert_ts, status,
		        price_plus_2m, price_plus_10m, price_eod,
		        retry_plus_2m, retry_plus_10m, retry_eod
		 FROM alert_log
		 WHERE status <> 'complete' AND alert_ts <= ?
		   AND ((price_plus_2m IS NULL AND retry_plus_2m < ?)
		     OR (price_plus_10m IS NULL AND retry_plus_10m < ?)
		     OR (price_eod IS NULL AND retry_eod < ?))
		 ORDER BY alert_ts ASC
		 LIMIT ?`,
		now.Add(-2*time.Minute).Unix(), maxRetries, maxRetries, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending enrichment rows: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var p PendingRow
		var ts int64
		var status string
		if err := rows.Scan(&p.RowID, &p.Symbol, &ts, &status,
			&p.Plus2m, &p.Plus10m, &p.EOD,
			&p.Retry2m, &p.Retry10m, &p.RetryEOD); err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		p.AlertTS = time.Unix(ts, 0)
		p.Status = domain.EnrichmentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Row returns one log row's enrichment view regardless of status
func (l *Log) Row(ctx context.Context, rowID int64) (PendingRow, error) {
	var p PendingRow
	var ts int64
	var status string
	err := l.db.QueryRowContext(ctx,
		`SELECT row_id, symbol, alert_ts, status,
		        price_plus_2m, price_plus_10m, price_eod,
		        retry_plus_2m, retry_plus_10m, retry_eod
		 FROM alert_log WHERE row_id = ?`, rowID).
		Scan(&p.RowID, &p.Symbol, &ts, &status,
			&p.Plus2m, &p.Plus10m, &p.EOD,
			&p.Retry2m, &p.Retry10m, &p.RetryEOD)
	if err == sql.ErrNoRows {
		return p, domain.ErrRowNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to read log row %d: %w", rowID, err)
	}
	p.AlertTS = time.Unix(ts, 0)
	p.Status = domain.EnrichmentStatus(status)
	return p, nil
}

// RecentAlert is a trimmed log row for the status API
type RecentAlert struct {
	RowID        int64                   `json:"row_id"`
	Timestamp    time.Time               `json:"timestamp"`
	Symbol       string                  `json:"symbol"`
	Kind         domain.AlertKind        `json:"kind"`
	Direction    domain.Direction        `json:"direction"`
	MagnitudePct float64                 `json:"magnitude_pct"`
	AlertPrice   float64                 `json:"alert_price"`
	Status       domain.EnrichmentStatus `json:"status"`
}

// Recent returns the newest logged alerts, newest first
func (l *Log) Recent(ctx context.Context, limit int) ([]RecentAlert, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT row_id, alert_ts, symbol, kind, direction, change_pct, alert_price, status
		 FROM alert_log ORDER BY row_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	defer rows.Close()

	var out []RecentAlert
	for rows.Next() {
		var r RecentAlert
		var ts int64
		if err := rows.Scan(&r.RowID, &ts, &r.Symbol, &r.Kind, &r.Direction,
			&r.MagnitudePct, &r.AlertPrice, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan recent alert: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of logged alerts
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alert_log").Scan(&n)
	return n, err
}

// csvHeader mirrors the spreadsheet layout consumed downstream
var csvHeader = []string{
	"date", "time", "symbol", "direction", "alert_price", "previous_price",
	"change_pct", "change_abs", "volume", "avg_volume", "volume_multiple",
	"market_cap", "telegram_sent",
	"price_plus_2m", "price_plus_10m", "price_eod", "status", "row_id",
	"oi_pattern", "oi_strength", "oi_priority", "day_start_oi", "current_oi", "oi_change_pct",
}

// ExportCSV writes every row of one alert horizon (or all rows when
// horizon is empty) in the spreadsheet column layout.
func (l *Log) ExportCSV(ctx context.Context, w io.Writer, horizon domain.Horizon) error {
	query := `SELECT date, time, symbol, direction, alert_price, previous_price,
	                 change_pct, change_abs, volume, avg_volume, volume_multiple,
	                 market_cap, telegram_sent,
	                 price_plus_2m, price_plus_10m, price_eod, status, row_id,
	                 oi_pattern, oi_strength, oi_priority, day_start_oi, current_oi, oi_change_pct
	          FROM alert_log`
	args := []interface{}{}
	if horizon != "" {
		query += " WHERE horizon = ?"
		args = append(args, string(horizon))
	}
	query += " ORDER BY row_id ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query alert log for export: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for rows.Next() {
		var date, tm, symbol, direction, status string
		var alertPrice, prevPrice, changePct, changeAbs, avgVolume, volMultiple float64
		var volume, rowID, telegramSent int64
		var marketCap, plus2m, plus10m, eod, oiChangePct sql.NullFloat64
		var oiPattern, oiStrength, oiPriority sql.NullString
		var dayStartOI, currentOI sql.NullInt64

		if err := rows.Scan(&date, &tm, &symbol, &direction, &alertPrice, &prevPrice,
			&changePct, &changeAbs, &volume, &avgVolume, &volMultiple,
			&marketCap, &telegramSent,
			&plus2m, &plus10m, &eod, &status, &rowID,
			&oiPattern, &oiStrength, &oiPriority, &dayStartOI, &currentOI, &oiChangePct); err != nil {
			return fmt.Errorf("failed to scan export row: %w", err)
		}

		record := []string{
			date, tm, symbol, direction,
			formatFloat(alertPrice), formatFloat(prevPrice),
			formatFloat(changePct), formatFloat(changeAbs),
			strconv.FormatInt(volume, 10), formatFloat(avgVolume), formatFloat(volMultiple),
			nullFloat(marketCap), strconv.FormatInt(telegramSent, 10),
			nullFloat(plus2m), nullFloat(plus10m), nullFloat(eod), status,
			strconv.FormatInt(rowID, 10),
			oiPattern.String, oiStrength.String, oiPriority.String,
			nullInt(dayStartOI), nullInt(currentOI), nullFloat(oiChangePct),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func nullFloat(f sql.NullFloat64) string {
	if !f.Valid {
		return ""
	}
	return formatFloat(f.Float64)
}

func nullInt(n sql.NullInt64) string {
	if !n.Valid {
		return ""
	}
	return strconv.FormatInt(n.Int64, 10)
}

// Package database wraps the monitor's SQLite stores behind per-profile
// pragma tuning.
//
// Three stores back the process: the quote/history cache, the alert
// log and the OI baseline store. Each opens with a profile that fixes
// its durability/speed tradeoff through connection-string pragmas.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DatabaseProfile selects the pragma set a store opens with
type DatabaseProfile string

const (
	// ProfileLog fsyncs every write. The alert log is the one store
	// that must survive a power cut intact.
	ProfileLog DatabaseProfile = "log"
	// ProfileCache trades durability for write speed. Quote rows are
	// refetched on the next collector tick, so losing them costs
	// nothing.
	ProfileCache DatabaseProfile = "cache"
	// ProfileStandard is the balanced default
	ProfileStandard DatabaseProfile = "standard"
)

// profilePragmas holds the per-profile pragmas layered on top of WAL
// journal mode, which every store uses: readers of other symbols must
// never block a batch upsert in progress.
var profilePragmas = map[DatabaseProfile][]string{
	ProfileLog: {
		"synchronous(FULL)",
		"auto_vacuum(NONE)", // append-only, never shrinks
	},
	ProfileCache: {
		"synchronous(OFF)",
		"auto_vacuum(FULL)",
		"temp_store(MEMORY)",
	},
	ProfileStandard: {
		"synchronous(NORMAL)",
		"auto_vacuum(INCREMENTAL)",
		"temp_store(MEMORY)",
	},
}

var commonPragmas = []string{
	"foreign_keys(1)",
	"wal_autocheckpoint(1000)",
	"cache_size(-32000)", // 32MB page cache, negative means KB
}

// DB is one open store
type DB struct {
	conn    *sql.DB
	path    string
	profile DatabaseProfile
	name    string // store name for logging, e.g. "cache", "alerts"
}

// Config describes a store to open
type Config struct {
	Path    string
	Profile DatabaseProfile
	Name    string
}

// New opens a store, creating the parent directory and the file on
// first use, and verifies the connection before returning.
func New(cfg Config) (*DB, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	// file: URIs come from in-memory test stores, leave them untouched
	if !strings.HasPrefix(cfg.Path, "file:") {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path for %s: %w", cfg.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory for %s: %w", cfg.Name, err)
		}
		cfg.Path = abs
	}

	conn, err := sql.Open("sqlite", connString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Name, err)
	}
	tunePool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func connString(path string, profile DatabaseProfile) string {
	pragmas := append([]string{"journal_mode(WAL)"}, profilePragmas[profile]...)
	pragmas = append(pragmas, commonPragmas...)

	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?_pragma=")
		} else {
			b.WriteString("&_pragma=")
		}
		b.WriteString(p)
	}
	return b.String()
}

// tunePool sizes the connection pool. The cache store is the hot one:
// the collector writes a batch every tick while both monitor pipelines
// read, so it gets the larger pool. The process runs for months, so
// idle connections stay warm rather than cycling.
func tunePool(conn *sql.DB, profile DatabaseProfile) {
	open, idle := 8, 2
	if profile == ProfileCache {
		open, idle = 16, 4
	}
	conn.SetMaxOpenConns(open)
	conn.SetMaxIdleConns(idle)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
}

// Close closes the store
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for repositories
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the store name for logging
func (db *DB) Name() string {
	return db.name
}

// Profile returns the store's pragma profile
func (db *DB) Profile() DatabaseProfile {
	return db.profile
}

// Path returns the store's file path
func (db *DB) Path() string {
	return db.path
}

// Migrate applies a schema. Each repository package embeds its own
// schema constant and is the single source of truth for its tables;
// re-applying an already-applied schema is a no-op.
func (db *DB) Migrate(schema string) error {
	err := WithTransaction(db.conn, func(tx *sql.Tx) error {
		_, execErr := tx.Exec(schema)
		return execErr
	})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column") {
			return nil
		}
		return fmt.Errorf("failed to migrate %s store: %w", db.name, err)
	}
	return nil
}

// Begin starts a transaction
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// BeginTx starts a transaction with options
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, opts)
}

// WithTransaction runs fn inside a transaction, committing on success
// and rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

// Exec executes a statement without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// ExecContext executes a statement with context
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// Query runs a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryContext runs a query with context
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// QueryRowContext runs a single-row query with context
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// HealthCheck pings the store and runs a full integrity check.
// Expensive on large files; scheduled off-session by maintenance.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}

	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint. TRUNCATE resets the WAL file
// to minimal size and is the mode maintenance uses.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// Vacuum rebuilds the store to reclaim space. Maintenance-window only.
func (db *DB) Vacuum() error {
	if _, err := db.conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed for %s: %w", db.name, err)
	}
	return nil
}

// MoveAside renames a corrupt store file out of the way so a fresh one
// can be created on the next open. The WAL and SHM sidecars move too.
func (db *DB) MoveAside() error {
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s before move-aside: %w", db.name, err)
	}

	suffix := time.Now().Format(".corrupt-20060102T150405")
	for _, ext := range []string{"", "-wal", "-shm"} {
		src := db.path + ext
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return fmt.Errorf("failed to move aside %s: %w", src, err)
		}
	}
	return nil
}

// Stats reports store sizing for maintenance logs
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

// GetStats reads file sizes and page accounting
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}

	for _, p := range []struct {
		pragma string
		dest   *int64
	}{
		{"page_count", &stats.PageCount},
		{"page_size", &stats.PageSize},
		{"freelist_count", &stats.FreelistCount},
	} {
		if err := db.conn.QueryRow("PRAGMA " + p.pragma).Scan(p.dest); err != nil {
			return nil, fmt.Errorf("failed to read %s for %s: %w", p.pragma, db.name, err)
		}
	}
	return stats, nil
}

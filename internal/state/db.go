// Package state provides SQLite-based state management for coord.
// It is the system of record shared by every coordinator process: tasks and
// their dependency edges, agent heartbeats, resource locks, messages and
// artifacts. Every mutation is a single transaction whose critical write is
// conditional, so concurrent processes never need an in-memory lock.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go SQLite driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo SQLite driver.
	DriverCGO = "sqlite3"
)

// DefaultBusyTimeout is how long SQLite waits on a locked database before
// reporting SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// Options tunes how the database is opened.
type Options struct {
	// Driver is DriverModernc or DriverCGO. Empty means DriverModernc.
	Driver string
	// BusyTimeout bounds SQLite's own wait on a locked database.
	BusyTimeout time.Duration
	// MaxRetryElapsed bounds how long busy transactions are retried.
	MaxRetryElapsed time.Duration
}

// DB wraps an SQLite database connection with coordinator operations.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
	opts   Options
}

// DefaultDBPath returns the path to the shared coordinator database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "coord", "coord.db")
}

// ProjectDBPath returns the path to a project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".coord", "state.db")
}

// Open opens an SQLite database at the given path with default options.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens an SQLite database at the given path.
// It creates the parent directories if they don't exist. WAL mode, foreign
// keys and the busy timeout are set through the DSN so they apply to every
// pooled connection, not just the first one.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = 2 * opts.BusyTimeout
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn, err := buildDSN(path, opts)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Force a connection so a bad path fails here rather than on first use.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		driver: opts.Driver,
		opts:   opts,
	}, nil
}

// buildDSN renders per-driver connection parameters.
func buildDSN(path string, opts Options) (string, error) {
	ms := opts.BusyTimeout.Milliseconds()
	q := url.Values{}
	switch opts.Driver {
	case DriverModernc:
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "foreign_keys(1)")
		q.Add("_pragma", "synchronous(NORMAL)")
		return path + "?" + q.Encode(), nil
	case DriverCGO:
		q.Set("_busy_timeout", fmt.Sprintf("%d", ms))
		q.Set("_journal_mode", "WAL")
		q.Set("_foreign_keys", "on")
		q.Set("_synchronous", "NORMAL")
		return "file:" + path + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", opts.Driver)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the name of the database/sql driver in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	ctx := context.Background()
	return db.retry(ctx, func() error { return db.migrate(ctx) })
}

func (db *DB) migrate(ctx context.Context) error {
	// Create schema version table
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	// Apply migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Agents},
		{3, migrationV3Locks},
		{4, migrationV4Messages},
		{5, migrationV5Artifacts},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		// OR IGNORE: another process may have raced us to the same version.
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	capabilities TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL DEFAULT 'queued',
	assigned_agent TEXT NOT NULL DEFAULT '',
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, priority DESC, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(assigned_agent, state);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_deps(depends_on);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('graph_version', 0);
`

const migrationV2Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	capabilities TEXT NOT NULL DEFAULT '[]',
	last_heartbeat TEXT NOT NULL,
	registered_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_last_heartbeat ON agents(last_heartbeat);
`

const migrationV3Locks = `
CREATE TABLE IF NOT EXISTS locks (
	key TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	ttl_ms INTEGER NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locks_holder ON locks(holder);
`

const migrationV4Messages = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	payload TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	delivered_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, delivered, seq);
`

const migrationV5Artifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	task_id TEXT NOT NULL,
	content BLOB NOT NULL,
	content_type TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_task_id ON artifacts(task_id, seq);
`

// Transaction runs fn within a transaction, retrying the whole transaction
// while SQLite reports the database as busy.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.retry(ctx, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

// exec runs a single statement with busy retry.
func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := db.retry(ctx, func() error {
		var err error
		res, err = db.conn.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// retry re-runs op with exponential backoff while it fails with a busy error.
// Any other error stops the retry loop and is returned as is.
func (db *DB) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = db.opts.MaxRetryElapsed

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// isBusy reports whether err is SQLite lock contention from either driver.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// mustParseTime parses a stored timestamp, returning the zero time on garbage.
func mustParseTime(s string) time.Time {
	t, _ := parseTime(s)
	return t
}

// GraphVersion returns how many times the dependency graph has been written.
func (db *DB) GraphVersion(ctx context.Context) (int64, error) {
	var v int64
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'graph_version'`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get graph version: %w", err)
	}
	return v, nil
}

// offlineHolder is a SQL predicate over a column holding an agent ID. It is
// true when the agent is unregistered or its heartbeat is at or before the
// bound cutoff, i.e. the agent is offline.
func offlineHolder(column string) string {
	return fmt.Sprintf(`(NOT EXISTS (SELECT 1 FROM agents a WHERE a.id = %[1]s)
		OR EXISTS (SELECT 1 FROM agents a WHERE a.id = %[1]s AND a.last_heartbeat <= ?))`, column)
}
